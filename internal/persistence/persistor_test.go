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

package persistence

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-errors/errors"
	"github.com/noctarius/postgres-cdc-ingester/internal/persistence/memory"
	"github.com/noctarius/postgres-cdc-ingester/spi/eventstore"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func consumerEvents(
	count int,
) []eventstore.ConsumerEvent {

	events := make([]eventstore.ConsumerEvent, 0, count)
	for i := 0; i < count; i++ {
		events = append(events, eventstore.ConsumerEvent{
			ConsumerID: "consumer-a",
			CommitLSN:  pgtypes.LSN(0x1A0),
			Seq:        uint64(i + 1),
			Action:     pgtypes.ActionInsert,
			Schema:     "public",
			Table:      "users",
			TableOID:   16384,
			TraceID:    fmt.Sprintf("trace-%d", i),
			Payload:    []byte(`{}`),
		})
	}
	return events
}

func Test_Persistor_Persists_Batch_And_Advances_Seq(
	t *testing.T,
) {

	store := memory.NewEventStore()
	persistor, err := NewPersistor(store, 3)
	require.NoError(t, err)

	events := consumerEvents(5)
	count, err := persistor.Persist(context.Background(), "test-slot", &Batch{
		ConsumerEvents: events,
		MaxSeq:         5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	seq, found, err := store.LastProcessedSeq(context.Background(), "test-slot")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(5), seq)
}

func Test_Persistor_Chunks_Large_Batches(
	t *testing.T,
) {

	store := memory.NewEventStore()
	persistor, err := NewPersistor(store, 1)
	require.NoError(t, err)

	events := consumerEvents(2500)
	count, err := persistor.Persist(context.Background(), "test-slot", &Batch{
		ConsumerEvents: events,
		MaxSeq:         2500,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2500), count)
	assert.Len(t, store.ConsumerEvents(), 2500)
}

func Test_Persistor_Empty_Batch_Is_A_NoOp(
	t *testing.T,
) {

	store := memory.NewEventStore()
	persistor, err := NewPersistor(store, 3)
	require.NoError(t, err)

	count, err := persistor.Persist(context.Background(), "test-slot", &Batch{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	_, found, err := store.LastProcessedSeq(context.Background(), "test-slot")
	require.NoError(t, err)
	assert.False(t, found)
}

// failingStore rejects the first n transactions, then delegates.
type failingStore struct {
	*memory.EventStore
	failures int
	attempts int
}

func (fs *failingStore) Transact(
	ctx context.Context, fn func(tx eventstore.Transaction) error,
) error {

	fs.attempts++
	if fs.attempts <= fs.failures {
		return errors.Errorf("store unavailable")
	}
	return fs.EventStore.Transact(ctx, fn)
}

func Test_Persistor_Retries_Transient_Failures(
	t *testing.T,
) {

	store := &failingStore{EventStore: memory.NewEventStore(), failures: 2}
	persistor, err := NewPersistor(store, 5)
	require.NoError(t, err)

	count, err := persistor.Persist(context.Background(), "test-slot", &Batch{
		ConsumerEvents: consumerEvents(1),
		MaxSeq:         1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 3, store.attempts)
}

func Test_Persistor_Surfaces_Error_After_Max_Attempts(
	t *testing.T,
) {

	store := &failingStore{EventStore: memory.NewEventStore(), failures: 100}
	persistor, err := NewPersistor(store, 3)
	require.NoError(t, err)

	_, err = persistor.Persist(context.Background(), "test-slot", &Batch{
		ConsumerEvents: consumerEvents(1),
		MaxSeq:         1,
	})

	var persistenceErr *Error
	require.ErrorAs(t, err, &persistenceErr)
	assert.Equal(t, 3, persistenceErr.Attempts)
	assert.Equal(t, "test-slot", persistenceErr.SlotID)

	// Nothing may have landed, the store transaction rolled back
	assert.Empty(t, store.ConsumerEvents())
	_, found, err := store.LastProcessedSeq(context.Background(), "test-slot")
	require.NoError(t, err)
	assert.False(t, found)
}

func Test_Persistor_Replayed_Batch_Upserts_Record(
	t *testing.T,
) {

	store := memory.NewEventStore()
	persistor, err := NewPersistor(store, 1)
	require.NoError(t, err)

	// Seed one record
	_, err = persistor.Persist(context.Background(), "test-slot", &Batch{
		ConsumerRecords: []eventstore.ConsumerRecord{
			{ConsumerID: "consumer-a", TableOID: 16384, GroupID: "1", Seq: 1},
		},
		MaxSeq: 1,
	})
	require.NoError(t, err)
	assert.Len(t, store.ConsumerRecords(), 1)

	// Replaying the identical batch must upsert, not duplicate
	_, err = persistor.Persist(context.Background(), "test-slot", &Batch{
		ConsumerRecords: []eventstore.ConsumerRecord{
			{ConsumerID: "consumer-a", TableOID: 16384, GroupID: "1", Seq: 1},
		},
		MaxSeq: 1,
	})
	require.NoError(t, err)
	assert.Len(t, store.ConsumerRecords(), 1)
}

func Test_Memory_Store_Replay_Is_Idempotent(
	t *testing.T,
) {

	store := memory.NewEventStore()
	persistor, err := NewPersistor(store, 1)
	require.NoError(t, err)

	batch := &Batch{
		ConsumerEvents: consumerEvents(3),
		WalEvents: []eventstore.WalEvent{
			{PipelineID: "pipeline-a", CommitLSN: pgtypes.LSN(0x1A0), Seq: 1},
		},
		MaxSeq: 3,
	}

	for i := 0; i < 2; i++ {
		_, err := persistor.Persist(context.Background(), "test-slot", batch)
		require.NoError(t, err)
	}

	assert.Len(t, store.ConsumerEvents(), 3)
	assert.Len(t, store.WalEvents(), 1)
}

func Test_Persistor_Record_Delete_Removes_Record(
	t *testing.T,
) {

	store := memory.NewEventStore()
	persistor, err := NewPersistor(store, 1)
	require.NoError(t, err)

	_, err = persistor.Persist(context.Background(), "test-slot", &Batch{
		ConsumerRecords: []eventstore.ConsumerRecord{
			{ConsumerID: "consumer-a", TableOID: 16384, GroupID: "1", Seq: 1},
		},
		MaxSeq: 1,
	})
	require.NoError(t, err)

	_, err = persistor.Persist(context.Background(), "test-slot", &Batch{
		RecordDeletes: []eventstore.RecordKey{
			{ConsumerID: "consumer-a", TableOID: 16384, GroupID: "1"},
		},
		MaxSeq: 2,
	})
	require.NoError(t, err)

	assert.Empty(t, store.ConsumerRecords())
}
