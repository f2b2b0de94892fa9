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
	"time"

	"github.com/noctarius/postgres-cdc-ingester/internal/containers"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
)

// SlotStatus is the read model for status endpoints and health
// checks: when and at which position a slot last committed.
type SlotStatus struct {
	LastCommittedLSN pgtypes.LSN
	LastCommittedAt  time.Time
}

// slotStatusRegistry is process-wide, keyed by slot id. It exists for
// status readers only; the replication path never reads it back.
var slotStatusRegistry = containers.NewConcurrentMap[string, SlotStatus]()

func markCommitted(
	slotID string, lsn pgtypes.LSN, at time.Time,
) {

	slotStatusRegistry.Store(slotID, SlotStatus{
		LastCommittedLSN: lsn,
		LastCommittedAt:  at,
	})
}

// StatusSnapshot returns the last commit coordinates of a slot, if the
// slot committed anything since process start.
func StatusSnapshot(
	slotID string,
) (SlotStatus, bool) {

	return slotStatusRegistry.Load(slotID)
}

// ClearStatus removes the slot from the registry, tied to session
// teardown.
func ClearStatus(
	slotID string,
) {

	slotStatusRegistry.Delete(slotID)
}
