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

package internal

import (
	"github.com/go-errors/errors"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	"github.com/noctarius/postgres-cdc-ingester/internal/persistence"
	memorystore "github.com/noctarius/postgres-cdc-ingester/internal/persistence/memory"
	postgresstore "github.com/noctarius/postgres-cdc-ingester/internal/persistence/postgres"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication"
	"github.com/noctarius/postgres-cdc-ingester/internal/routing"
	"github.com/noctarius/postgres-cdc-ingester/internal/stats"
	spiconfig "github.com/noctarius/postgres-cdc-ingester/spi/config"
	"github.com/noctarius/postgres-cdc-ingester/spi/eventstore"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
	"github.com/noctarius/postgres-cdc-ingester/spi/subscriptions"
	"github.com/samber/lo"
)

// Streamer is the assembled ingestion engine: one replicator per
// configured slot, all feeding the shared message handler and event
// store.
type Streamer struct {
	store          eventstore.EventStore
	statsService   *stats.Service
	messageHandler *routing.RoutingMessageHandler
	notifier       *routing.Notifier
	replicators    []*replication.Replicator
	logger         *logging.Logger
}

func NewStreamer(
	config *spiconfig.Config,
) (*Streamer, error) {

	logger, err := logging.NewLogger("Streamer")
	if err != nil {
		return nil, err
	}

	if len(config.Slots) == 0 {
		return nil, errors.Errorf("at least one replication slot must be configured")
	}

	slotIDs := lo.Map(config.Slots, func(slot spiconfig.SlotConfig, _ int) string {
		return slot.ID
	})
	if len(lo.Uniq(slotIDs)) != len(slotIDs) {
		return nil, errors.Errorf("replication slot ids must be unique")
	}

	store, err := newEventStore(config)
	if err != nil {
		return nil, err
	}

	statsService := stats.NewStatsService(config)

	router, err := routing.NewRouter()
	if err != nil {
		return nil, err
	}

	maxAttempts := spiconfig.GetOrDefault(
		config, spiconfig.PropertyEventStoreMaxAttempts, spiconfig.DefaultEventStoreMaxAttempts,
	)
	persistor, err := persistence.NewPersistor(store, maxAttempts)
	if err != nil {
		return nil, err
	}

	notifier := routing.NewNotifier()
	messageHandler, err := routing.NewRoutingMessageHandler(router, persistor, notifier)
	if err != nil {
		return nil, err
	}

	replicators := make([]*replication.Replicator, 0, len(config.Slots))
	for _, slotConfig := range config.Slots {
		if slotConfig.ID == "" {
			return nil, errors.Errorf("replication slot without id")
		}
		if slotConfig.Publication.Name == "" {
			return nil, errors.Errorf("slot %s has no publication name", slotConfig.ID)
		}

		handlerContext, err := handlerContextFromConfig(slotConfig)
		if err != nil {
			return nil, err
		}
		messageHandler.UpdateContext(handlerContext)

		replicator, err := replication.NewReplicator(
			slotConfig, store, messageHandler, statsService.NewReporter("replication"),
		)
		if err != nil {
			return nil, err
		}
		replicators = append(replicators, replicator)
	}

	return &Streamer{
		store:          store,
		statsService:   statsService,
		messageHandler: messageHandler,
		notifier:       notifier,
		replicators:    replicators,
		logger:         logger,
	}, nil
}

func (s *Streamer) Start() error {
	if err := s.store.Start(); err != nil {
		return err
	}
	if err := s.statsService.Start(); err != nil {
		return err
	}
	for _, replicator := range s.replicators {
		if err := replicator.StartReplication(); err != nil {
			return err
		}
		s.logger.Infof("replication for slot %s started", replicator.SlotID())
	}
	return nil
}

func (s *Streamer) Stop() error {
	for _, replicator := range s.replicators {
		if err := replicator.StopReplication(); err != nil {
			s.logger.Errorf("stopping replication for slot %s failed: %+v", replicator.SlotID(), err)
		}
	}
	if err := s.statsService.Stop(); err != nil {
		s.logger.Warnf("stopping stats service failed: %+v", err)
	}
	return s.store.Stop()
}

// MessageHandler exposes the routing handler for runtime subscription
// updates.
func (s *Streamer) MessageHandler() *routing.RoutingMessageHandler {
	return s.messageHandler
}

// Notifier exposes the in-process wal_event_inserted notifications.
func (s *Streamer) Notifier() *routing.Notifier {
	return s.notifier
}

func newEventStore(
	config *spiconfig.Config,
) (eventstore.EventStore, error) {

	storeType := spiconfig.GetOrDefault(
		config, spiconfig.PropertyEventStoreType, spiconfig.PostgresEventStore,
	)

	switch storeType {
	case spiconfig.PostgresEventStore:
		connection := spiconfig.GetOrDefault(config, spiconfig.PropertyEventStoreConnection, "")
		if connection == "" {
			return nil, errors.Errorf("postgres event store requires a connection string")
		}
		return postgresstore.NewEventStore(connection)
	case spiconfig.MemoryEventStore:
		return memorystore.NewEventStore(), nil
	}
	return nil, errors.Errorf("unknown event store type '%s'", storeType)
}

func handlerContextFromConfig(
	slotConfig spiconfig.SlotConfig,
) (*subscriptions.HandlerContext, error) {

	consumers := make([]subscriptions.Consumer, 0, len(slotConfig.Consumers))
	for _, consumerConfig := range slotConfig.Consumers {
		if consumerConfig.Name == "" {
			return nil, errors.Errorf("slot %s has a consumer without name", slotConfig.ID)
		}

		kind := subscriptions.MessageKind(consumerConfig.Kind)
		if kind == "" {
			kind = subscriptions.EventKind
		}
		if kind != subscriptions.EventKind && kind != subscriptions.RecordKind {
			return nil, errors.Errorf(
				"consumer %s has unknown message kind '%s'", consumerConfig.Name, kind,
			)
		}

		actions, err := parseActions(consumerConfig.Actions)
		if err != nil {
			return nil, err
		}

		consumers = append(consumers, subscriptions.Consumer{
			Subscription: subscriptions.Subscription{
				Schema:    consumerConfig.Schema,
				Table:     consumerConfig.Table,
				Actions:   actions,
				Condition: consumerConfig.Condition,
			},
			Name:         consumerConfig.Name,
			Kind:         kind,
			GroupColumns: consumerConfig.GroupColumns,
		})
	}

	pipelines := make([]subscriptions.Pipeline, 0, len(slotConfig.Pipelines))
	for _, pipelineConfig := range slotConfig.Pipelines {
		if pipelineConfig.Name == "" {
			return nil, errors.Errorf("slot %s has a pipeline without name", slotConfig.ID)
		}

		actions, err := parseActions(pipelineConfig.Actions)
		if err != nil {
			return nil, err
		}

		pipelines = append(pipelines, subscriptions.Pipeline{
			Subscription: subscriptions.Subscription{
				Schema:    pipelineConfig.Schema,
				Table:     pipelineConfig.Table,
				Actions:   actions,
				Condition: pipelineConfig.Condition,
			},
			Name: pipelineConfig.Name,
		})
	}

	return &subscriptions.HandlerContext{
		SlotID:    slotConfig.ID,
		Consumers: consumers,
		Pipelines: pipelines,
	}, nil
}

func parseActions(
	names []string,
) ([]pgtypes.Action, error) {

	actions := make([]pgtypes.Action, 0, len(names))
	for _, name := range names {
		action := pgtypes.Action(name)
		switch action {
		case pgtypes.ActionInsert, pgtypes.ActionUpdate, pgtypes.ActionDelete:
			actions = append(actions, action)
		default:
			return nil, errors.Errorf("unknown action '%s'", name)
		}
	}
	return actions, nil
}
