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

package replicationchannel

import (
	"context"

	"github.com/go-errors/errors"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/replicationconnection"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/replicationcontext"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/sidechannel"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/transactiontracker"
	"github.com/noctarius/postgres-cdc-ingester/internal/stats"
	"github.com/noctarius/postgres-cdc-ingester/internal/systemcatalog"
	"github.com/noctarius/postgres-cdc-ingester/internal/waiting"
	"github.com/noctarius/postgres-cdc-ingester/spi/eventstore"
	"github.com/noctarius/postgres-cdc-ingester/spi/subscriptions"
)

// ReplicationChannel represents one replication session: the database
// connection and the logical replication handler loop attached to it.
// A channel lives until its loop fails or is stopped; reconnecting
// means starting a fresh channel.
type ReplicationChannel struct {
	replicationContext *replicationcontext.ReplicationContext
	store              eventstore.EventStore
	messageHandler     subscriptions.MessageHandler
	reporter           *stats.Reporter

	handler         *replicationHandler
	connection      *replicationconnection.ReplicationConnection
	failures        chan error
	shutdownAwaiter *waiting.ShutdownAwaiter
	logger          *logging.Logger
}

func NewReplicationChannel(
	replicationContext *replicationcontext.ReplicationContext,
	store eventstore.EventStore,
	messageHandler subscriptions.MessageHandler,
	reporter *stats.Reporter,
) (*ReplicationChannel, error) {

	logger, err := logging.NewLogger("ReplicationChannel")
	if err != nil {
		return nil, err
	}

	return &ReplicationChannel{
		replicationContext: replicationContext,
		store:              store,
		messageHandler:     messageHandler,
		reporter:           reporter,
		failures:           make(chan error, 1),
		shutdownAwaiter:    waiting.NewShutdownAwaiter(),
		logger:             logger,
	}, nil
}

// Failures delivers the terminal error of the handler loop. A clean
// stop doesn't produce a failure.
func (rc *ReplicationChannel) Failures() <-chan error {
	return rc.failures
}

// StopReplicationChannel initiates a clean shutdown of the replication
// channel and handler loop, blocking until both finished.
func (rc *ReplicationChannel) StopReplicationChannel() error {
	rc.shutdownAwaiter.SignalShutdown()
	return rc.shutdownAwaiter.AwaitDone()
}

// StartReplicationChannel connects, ensures publication and slot,
// seeds the sequence counter, and starts the handler loop.
func (rc *ReplicationChannel) StartReplicationChannel() error {
	sideChannel, err := sidechannel.GetSideChannel(rc.replicationContext.SlotConfig())
	if err != nil {
		return errors.Wrap(err, 0)
	}

	registry, err := systemcatalog.NewRelationRegistry(sideChannel)
	if err != nil {
		return errors.Wrap(err, 0)
	}

	tracker, err := transactiontracker.NewTransactionTracker(registry, rc.replicationContext)
	if err != nil {
		return errors.Wrap(err, 0)
	}

	replicationHandler, err := newReplicationHandler(
		rc.replicationContext, tracker, rc.messageHandler, rc.reporter,
	)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	rc.handler = replicationHandler

	connection, err := replicationconnection.NewReplicationConnection(rc.replicationContext)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	rc.connection = connection

	closeOnError := func(err error) error {
		if closeErr := connection.Close(); closeErr != nil {
			rc.logger.Warnf("failed to close replication connection: %+v", closeErr)
		}
		return err
	}

	if err := rc.ensurePublication(sideChannel); err != nil {
		return closeOnError(err)
	}

	if _, err := connection.CreateReplicationSlot(); err != nil {
		return closeOnError(errors.Wrap(err, 0))
	}

	seq, found, err := rc.store.LastProcessedSeq(
		context.Background(), rc.replicationContext.SlotID(),
	)
	if err != nil {
		return closeOnError(errors.Wrap(err, 0))
	}
	if found {
		rc.replicationContext.SeedSequence(seq)
		rc.logger.Infof("Resuming sequence counter at %d", seq)
	}

	if err := connection.StartReplication(); err != nil {
		return closeOnError(errors.Wrap(err, 0))
	}

	go func() {
		err := replicationHandler.startReplicationHandler(connection)
		if err != nil {
			tracker.Reset()
			rc.failures <- err
		}
	}()

	go func() {
		if err := rc.shutdownAwaiter.AwaitShutdown(); err != nil {
			rc.logger.Errorf("shutdown failed: %+v", err)
		}
		if err := replicationHandler.stopReplicationHandler(); err != nil {
			rc.logger.Errorf("shutdown failed (stop replication handler): %+v", err)
		}
		if err := connection.StopReplication(); err != nil {
			rc.logger.Errorf("shutdown failed (send copy done): %+v", err)
		}
		if err := connection.DropReplicationSlot(); err != nil {
			rc.logger.Errorf("shutdown failed (drop replication slot): %+v", err)
		}
		if err := connection.Close(); err != nil {
			rc.logger.Warnf("failed to close replication connection: %+v", err)
		}
		rc.shutdownAwaiter.SignalDone()
	}()

	return nil
}

func (rc *ReplicationChannel) ensurePublication(
	sideChannel *sidechannel.SideChannel,
) error {

	publicationName := rc.replicationContext.PublicationName()
	exists, err := sideChannel.ExistsPublication(publicationName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if !rc.replicationContext.PublicationCreate() {
		return errors.Errorf("publication %s doesn't exist", publicationName)
	}
	return sideChannel.CreatePublication(publicationName)
}
