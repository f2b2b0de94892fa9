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

package replication

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/replicationchannel"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/replicationcontext"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/sidechannel"
	"github.com/noctarius/postgres-cdc-ingester/internal/stats"
	"github.com/noctarius/postgres-cdc-ingester/internal/waiting"
	spiconfig "github.com/noctarius/postgres-cdc-ingester/spi/config"
	"github.com/noctarius/postgres-cdc-ingester/spi/eventstore"
	"github.com/noctarius/postgres-cdc-ingester/spi/subscriptions"
)

// stableSessionUptime is how long a session has to survive before the
// reconnect backoff resets.
const stableSessionUptime = time.Minute

// Replicator supervises the replication sessions of one slot: it owns
// the socket lifecycle, reconnects with capped exponential backoff on
// socket and protocol failures, and coordinates graceful stop. An
// in-flight transaction buffer is discarded on failure; the server
// re-delivers it after reconnect.
type Replicator struct {
	replicationContext *replicationcontext.ReplicationContext
	store              eventstore.EventStore
	messageHandler     subscriptions.MessageHandler
	reporter           *stats.Reporter

	shutdownAwaiter *waiting.ShutdownAwaiter
	logger          *logging.Logger
}

func NewReplicator(
	slotConfig spiconfig.SlotConfig,
	store eventstore.EventStore,
	messageHandler subscriptions.MessageHandler,
	reporter *stats.Reporter,
) (*Replicator, error) {

	logger, err := logging.NewLogger("Replicator")
	if err != nil {
		return nil, err
	}

	replicationContext, err := replicationcontext.NewReplicationContext(slotConfig)
	if err != nil {
		return nil, err
	}

	return &Replicator{
		replicationContext: replicationContext,
		store:              store,
		messageHandler:     messageHandler,
		reporter:           reporter,
		shutdownAwaiter:    waiting.NewShutdownAwaiter(),
		logger:             logger,
	}, nil
}

func (r *Replicator) SlotID() string {
	return r.replicationContext.SlotID()
}

// StartReplication launches the supervision loop for this slot.
func (r *Replicator) StartReplication() error {
	go r.supervise()
	return nil
}

// StopReplication stops the current session and tears down the slot's
// shared resources. Blocks until the supervision loop exited.
func (r *Replicator) StopReplication() error {
	r.shutdownAwaiter.SignalShutdown()
	if err := r.shutdownAwaiter.AwaitDone(); err != nil {
		return err
	}

	sidechannel.ReleaseSideChannel(r.SlotID())
	replicationcontext.ClearStatus(r.SlotID())
	return nil
}

func (r *Replicator) supervise() {
	defer r.shutdownAwaiter.SignalDone()

	reconnectBackoff := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond*500),
		backoff.WithMaxInterval(time.Second*30),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		sessionStart := time.Now()

		channel, err := replicationchannel.NewReplicationChannel(
			r.replicationContext, r.store, r.messageHandler, r.reporter,
		)
		if err == nil {
			err = channel.StartReplicationChannel()
		}

		if err != nil {
			r.logger.Errorf("starting replication session for slot %s failed: %s", r.SlotID(), err)
		} else {
			select {
			case <-r.shutdownAwaiter.AwaitShutdownChan():
				if err := channel.StopReplicationChannel(); err != nil {
					r.logger.Errorf("stopping replication channel failed: %+v", err)
				}
				return

			case failure := <-channel.Failures():
				r.logger.Errorf(
					"replication session for slot %s collapsed: %s", r.SlotID(), failure,
				)
				if err := channel.StopReplicationChannel(); err != nil {
					r.logger.Errorf("cleanup after session failure failed: %+v", err)
				}
			}

			if time.Since(sessionStart) > stableSessionUptime {
				reconnectBackoff.Reset()
			}
		}

		r.reporter.CountReconnect(r.SlotID())

		delay := reconnectBackoff.NextBackOff()
		r.logger.Infof("reconnecting slot %s in %s", r.SlotID(), delay)

		select {
		case <-r.shutdownAwaiter.AwaitShutdownChan():
			return
		case <-time.After(delay):
		}
	}
}
