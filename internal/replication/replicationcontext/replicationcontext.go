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

package replicationcontext

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	spiconfig "github.com/noctarius/postgres-cdc-ingester/spi/config"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
)

// ReplicationContext carries the mutable cursor state of one
// replication session: the last received WAL position, the last
// durably processed (persisted) position, and the global sequence
// counter assigned to enriched changes at commit time.
type ReplicationContext struct {
	slotConfig spiconfig.SlotConfig

	receivedLSN  atomic.Uint64
	processedLSN atomic.Uint64
	sequence     atomic.Uint64

	logger *logging.Logger
}

func NewReplicationContext(
	slotConfig spiconfig.SlotConfig,
) (*ReplicationContext, error) {

	logger, err := logging.NewLogger("ReplicationContext")
	if err != nil {
		return nil, err
	}

	return &ReplicationContext{
		slotConfig: slotConfig,
		logger:     logger,
	}, nil
}

func (rc *ReplicationContext) SlotConfig() spiconfig.SlotConfig {
	return rc.slotConfig
}

func (rc *ReplicationContext) SlotID() string {
	return rc.slotConfig.ID
}

func (rc *ReplicationContext) PublicationName() string {
	return rc.slotConfig.Publication.Name
}

func (rc *ReplicationContext) PublicationCreate() bool {
	return rc.slotConfig.Publication.Create != nil && *rc.slotConfig.Publication.Create
}

func (rc *ReplicationContext) ReplicationSlotName() string {
	if rc.slotConfig.ReplicationSlot.Name != "" {
		return rc.slotConfig.ReplicationSlot.Name
	}
	return sanitizeSlotName(rc.slotConfig.ID)
}

func (rc *ReplicationContext) ReplicationSlotCreate() bool {
	return rc.slotConfig.ReplicationSlot.Create == nil || *rc.slotConfig.ReplicationSlot.Create
}

func (rc *ReplicationContext) ReplicationSlotAutoDrop() bool {
	return rc.slotConfig.ReplicationSlot.AutoDrop != nil && *rc.slotConfig.ReplicationSlot.AutoDrop
}

func (rc *ReplicationContext) Connection() spiconfig.ConnectionConfig {
	return rc.slotConfig.Connection
}

// SetPositionLSNs initializes both cursors, used when a keepalive
// arrives before anything was processed so keepalive answers never
// advertise position zero.
func (rc *ReplicationContext) SetPositionLSNs(
	received, processed pgtypes.LSN,
) {

	rc.receivedLSN.Store(uint64(received))
	rc.processedLSN.Store(uint64(processed))
}

// AcknowledgeReceived records the WAL position of a handled frame.
// Receiving is not processing; this cursor never feeds the standby
// status update.
func (rc *ReplicationContext) AcknowledgeReceived(
	lsn pgtypes.LSN,
) {

	for {
		current := rc.receivedLSN.Load()
		if uint64(lsn) <= current {
			return
		}
		if rc.receivedLSN.CompareAndSwap(current, uint64(lsn)) {
			return
		}
	}
}

// AcknowledgeProcessed advances the durably processed cursor after a
// transaction's persistence committed. The cursor never regresses.
func (rc *ReplicationContext) AcknowledgeProcessed(
	lsn pgtypes.LSN,
) {

	for {
		current := rc.processedLSN.Load()
		if uint64(lsn) <= current {
			return
		}
		if rc.processedLSN.CompareAndSwap(current, uint64(lsn)) {
			markCommitted(rc.SlotID(), lsn, time.Now())
			return
		}
	}
}

func (rc *ReplicationContext) LastReceivedLSN() pgtypes.LSN {
	return pgtypes.LSN(rc.receivedLSN.Load())
}

func (rc *ReplicationContext) LastProcessedLSN() pgtypes.LSN {
	return pgtypes.LSN(rc.processedLSN.Load())
}

// SeedSequence initializes the global sequence counter from the
// store's last processed sequence of this slot.
func (rc *ReplicationContext) SeedSequence(
	seq uint64,
) {

	rc.sequence.Store(seq)
}

// NextSequence hands out the next strictly increasing sequence number.
func (rc *ReplicationContext) NextSequence() uint64 {
	return rc.sequence.Add(1)
}

func sanitizeSlotName(
	id string,
) string {

	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, id)
	return fmt.Sprintf("%.63s", sanitized)
}
