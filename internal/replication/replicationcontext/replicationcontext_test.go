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
	"testing"

	spiconfig "github.com/noctarius/postgres-cdc-ingester/spi/config"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(
	t *testing.T, slotConfig spiconfig.SlotConfig,
) *ReplicationContext {

	replicationContext, err := NewReplicationContext(slotConfig)
	require.NoError(t, err)
	return replicationContext
}

func Test_Processed_LSN_Never_Regresses(
	t *testing.T,
) {

	rc := newTestContext(t, spiconfig.SlotConfig{ID: "slot-a"})

	rc.AcknowledgeProcessed(pgtypes.LSN(0x1A0))
	assert.Equal(t, pgtypes.LSN(0x1A0), rc.LastProcessedLSN())

	rc.AcknowledgeProcessed(pgtypes.LSN(0x190))
	assert.Equal(t, pgtypes.LSN(0x1A0), rc.LastProcessedLSN())

	rc.AcknowledgeProcessed(pgtypes.LSN(0x2A0))
	assert.Equal(t, pgtypes.LSN(0x2A0), rc.LastProcessedLSN())
}

func Test_Received_LSN_Tracks_Maximum(
	t *testing.T,
) {

	rc := newTestContext(t, spiconfig.SlotConfig{ID: "slot-a"})

	rc.AcknowledgeReceived(pgtypes.LSN(0x100))
	rc.AcknowledgeReceived(pgtypes.LSN(0x80))
	assert.Equal(t, pgtypes.LSN(0x100), rc.LastReceivedLSN())
}

func Test_Sequence_Is_Strictly_Increasing(
	t *testing.T,
) {

	rc := newTestContext(t, spiconfig.SlotConfig{ID: "slot-a"})

	assert.Equal(t, uint64(1), rc.NextSequence())
	assert.Equal(t, uint64(2), rc.NextSequence())

	rc.SeedSequence(100)
	assert.Equal(t, uint64(101), rc.NextSequence())
}

func Test_Slot_Name_Defaults_To_Sanitized_Id(
	t *testing.T,
) {

	rc := newTestContext(t, spiconfig.SlotConfig{ID: "Orders-Slot.1"})
	assert.Equal(t, "orders_slot_1", rc.ReplicationSlotName())

	rc = newTestContext(t, spiconfig.SlotConfig{
		ID: "orders",
		ReplicationSlot: spiconfig.ReplicationSlotConfig{
			Name: "explicit_name",
		},
	})
	assert.Equal(t, "explicit_name", rc.ReplicationSlotName())
}

func Test_Status_Registry_Reflects_Commits(
	t *testing.T,
) {

	rc := newTestContext(t, spiconfig.SlotConfig{ID: "status-slot"})

	_, found := StatusSnapshot("status-slot")
	assert.False(t, found)

	rc.AcknowledgeProcessed(pgtypes.LSN(0x1A0))

	status, found := StatusSnapshot("status-slot")
	require.True(t, found)
	assert.Equal(t, pgtypes.LSN(0x1A0), status.LastCommittedLSN)
	assert.False(t, status.LastCommittedAt.IsZero())

	ClearStatus("status-slot")
	_, found = StatusSnapshot("status-slot")
	assert.False(t, found)
}
