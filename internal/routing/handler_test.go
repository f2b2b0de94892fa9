/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements. See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License. You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package routing

import (
	"context"
	"testing"

	"github.com/noctarius/postgres-cdc-ingester/internal/persistence"
	"github.com/noctarius/postgres-cdc-ingester/internal/persistence/memory"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
	"github.com/noctarius/postgres-cdc-ingester/spi/subscriptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(
	t *testing.T, store *memory.EventStore,
) (*RoutingMessageHandler, *Notifier) {

	router, err := NewRouter()
	require.NoError(t, err)

	persistor, err := persistence.NewPersistor(store, 1)
	require.NoError(t, err)

	notifier := NewNotifier()
	handler, err := NewRoutingMessageHandler(router, persistor, notifier)
	require.NoError(t, err)
	return handler, notifier
}

func Test_Handler_Resolves_Empty_Context_For_Unknown_Slot(
	t *testing.T,
) {

	handler, _ := newTestHandler(t, memory.NewEventStore())

	handlerContext, err := handler.Context("unknown")
	require.NoError(t, err)
	assert.Equal(t, "unknown", handlerContext.SlotID)
	assert.Empty(t, handlerContext.Consumers)
	assert.Empty(t, handlerContext.Pipelines)
}

func Test_Handler_Context_Is_Hot_Swappable(
	t *testing.T,
) {

	handler, _ := newTestHandler(t, memory.NewEventStore())

	handler.UpdateContext(&subscriptions.HandlerContext{
		SlotID: "orders",
		Consumers: []subscriptions.Consumer{
			{Name: "first", Kind: subscriptions.EventKind},
		},
	})

	handlerContext, err := handler.Context("orders")
	require.NoError(t, err)
	require.Len(t, handlerContext.Consumers, 1)

	handler.UpdateContext(&subscriptions.HandlerContext{SlotID: "orders"})
	handlerContext, err = handler.Context("orders")
	require.NoError(t, err)
	assert.Empty(t, handlerContext.Consumers)
}

func Test_Handler_Persists_And_Notifies(
	t *testing.T,
) {

	store := memory.NewEventStore()
	handler, notifier := newTestHandler(t, store)

	signals := notifier.Subscribe("raw-pipeline")

	handlerContext := &subscriptions.HandlerContext{
		SlotID: "orders",
		Consumers: []subscriptions.Consumer{
			{Name: "orders-events", Kind: subscriptions.EventKind},
		},
		Pipelines: []subscriptions.Pipeline{
			{Name: "raw-pipeline"},
		},
	}

	count, err := handler.HandleMessages(handlerContext, []pgtypes.EnrichedChange{
		insertChange(1),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	assert.Len(t, store.ConsumerEvents(), 1)
	assert.Len(t, store.WalEvents(), 1)

	seq, found, err := store.LastProcessedSeq(context.Background(), "orders")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(1), seq)

	select {
	case <-signals:
	default:
		t.Fatal("expected a wal_event_inserted notification")
	}

	_, healthy := LastHealthyAt("orders", "orders-events")
	assert.True(t, healthy)
	_, healthy = LastHealthyAt("orders", "raw-pipeline")
	assert.True(t, healthy)
}
