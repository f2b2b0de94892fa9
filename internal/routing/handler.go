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
	"time"

	"github.com/noctarius/postgres-cdc-ingester/internal/containers"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	"github.com/noctarius/postgres-cdc-ingester/internal/persistence"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
	"github.com/noctarius/postgres-cdc-ingester/spi/subscriptions"
)

// RoutingMessageHandler is the default MessageHandler: it routes
// enriched changes against the slot's current subscription set and
// persists the outcome atomically. The subscription set is swappable
// at runtime; the replication session re-resolves it per transaction.
type RoutingMessageHandler struct {
	router    *Router
	persistor *persistence.Persistor
	notifier  *Notifier
	contexts  *containers.ConcurrentMap[string, *subscriptions.HandlerContext]
	logger    *logging.Logger
}

func NewRoutingMessageHandler(
	router *Router, persistor *persistence.Persistor, notifier *Notifier,
) (*RoutingMessageHandler, error) {

	logger, err := logging.NewLogger("MessageHandler")
	if err != nil {
		return nil, err
	}

	return &RoutingMessageHandler{
		router:    router,
		persistor: persistor,
		notifier:  notifier,
		contexts:  containers.NewConcurrentMap[string, *subscriptions.HandlerContext](),
		logger:    logger,
	}, nil
}

// UpdateContext swaps the subscription set of a slot. Takes effect
// with the next committed transaction, no session restart required.
func (h *RoutingMessageHandler) UpdateContext(
	ctx *subscriptions.HandlerContext,
) {

	h.contexts.Store(ctx.SlotID, ctx)
	h.logger.Infof(
		"slot %s now serves %d consumers and %d pipelines",
		ctx.SlotID, len(ctx.Consumers), len(ctx.Pipelines),
	)
}

func (h *RoutingMessageHandler) Context(
	slotID string,
) (*subscriptions.HandlerContext, error) {

	if ctx, ok := h.contexts.Load(slotID); ok {
		return ctx, nil
	}
	return &subscriptions.HandlerContext{SlotID: slotID}, nil
}

func (h *RoutingMessageHandler) HandleMessages(
	ctx *subscriptions.HandlerContext, changes []pgtypes.EnrichedChange,
) (int64, error) {

	routed, err := h.router.Route(ctx, changes)
	if err != nil {
		return 0, err
	}

	count, err := h.persistor.Persist(context.Background(), ctx.SlotID, &persistence.Batch{
		ConsumerEvents:  routed.ConsumerEvents,
		ConsumerRecords: routed.ConsumerRecords,
		RecordDeletes:   routed.RecordDeletes,
		WalEvents:       routed.WalEvents,
		MaxSeq:          routed.MaxSeq,
	})
	if err != nil {
		return 0, err
	}

	h.notifier.NotifyWalEventInserted(routed.PipelineIDs)
	markHealthy(ctx.SlotID, append(routed.ConsumerIDs, routed.PipelineIDs...), time.Now())
	return count, nil
}
