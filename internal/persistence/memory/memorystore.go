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

package memory

import (
	"context"
	"sync"

	"github.com/noctarius/postgres-cdc-ingester/spi/eventstore"
)

// EventStore keeps everything in process memory. Intended for local
// development and tests; nothing survives a restart. Transactional
// semantics are honored by staging all mutations and applying them on
// commit.
type EventStore struct {
	mutex sync.Mutex

	consumerEvents  map[eventKey]eventstore.ConsumerEvent
	consumerRecords map[eventstore.RecordKey]eventstore.ConsumerRecord
	walEvents       map[eventKey]eventstore.WalEvent
	slotOffsets     map[string]uint64
}

type eventKey struct {
	sinkID    string
	commitLSN uint64
	seq       uint64
}

func NewEventStore() *EventStore {
	return &EventStore{
		consumerEvents:  make(map[eventKey]eventstore.ConsumerEvent),
		consumerRecords: make(map[eventstore.RecordKey]eventstore.ConsumerRecord),
		walEvents:       make(map[eventKey]eventstore.WalEvent),
		slotOffsets:     make(map[string]uint64),
	}
}

func (es *EventStore) Start() error {
	return nil
}

func (es *EventStore) Stop() error {
	return nil
}

func (es *EventStore) Transact(
	_ context.Context, fn func(tx eventstore.Transaction) error,
) error {

	es.mutex.Lock()
	defer es.mutex.Unlock()

	staged := &memoryTransaction{store: es}
	if err := fn(staged); err != nil {
		return err
	}
	staged.apply()
	return nil
}

func (es *EventStore) LastProcessedSeq(
	_ context.Context, slotID string,
) (uint64, bool, error) {

	es.mutex.Lock()
	defer es.mutex.Unlock()

	seq, found := es.slotOffsets[slotID]
	return seq, found, nil
}

// ConsumerEvents returns a snapshot of all stored consumer events.
func (es *EventStore) ConsumerEvents() []eventstore.ConsumerEvent {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	events := make([]eventstore.ConsumerEvent, 0, len(es.consumerEvents))
	for _, event := range es.consumerEvents {
		events = append(events, event)
	}
	return events
}

// ConsumerRecords returns a snapshot of all stored consumer records.
func (es *EventStore) ConsumerRecords() []eventstore.ConsumerRecord {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	records := make([]eventstore.ConsumerRecord, 0, len(es.consumerRecords))
	for _, record := range es.consumerRecords {
		records = append(records, record)
	}
	return records
}

// WalEvents returns a snapshot of all stored pipeline events.
func (es *EventStore) WalEvents() []eventstore.WalEvent {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	events := make([]eventstore.WalEvent, 0, len(es.walEvents))
	for _, event := range es.walEvents {
		events = append(events, event)
	}
	return events
}

type memoryTransaction struct {
	store *EventStore

	stagedEvents  []eventstore.ConsumerEvent
	stagedRecords []eventstore.ConsumerRecord
	stagedDeletes []eventstore.RecordKey
	stagedWal     []eventstore.WalEvent
	stagedOffsets map[string]uint64
}

func (mt *memoryTransaction) InsertConsumerEvents(
	_ context.Context, events []eventstore.ConsumerEvent,
) (int64, error) {

	mt.stagedEvents = append(mt.stagedEvents, events...)
	return int64(len(events)), nil
}

func (mt *memoryTransaction) InsertConsumerRecords(
	_ context.Context, records []eventstore.ConsumerRecord,
) (int64, error) {

	mt.stagedRecords = append(mt.stagedRecords, records...)
	return int64(len(records)), nil
}

func (mt *memoryTransaction) DeleteConsumerRecords(
	_ context.Context, keys []eventstore.RecordKey,
) (int64, error) {

	mt.stagedDeletes = append(mt.stagedDeletes, keys...)
	return int64(len(keys)), nil
}

func (mt *memoryTransaction) InsertWalEvents(
	_ context.Context, events []eventstore.WalEvent,
) (int64, error) {

	mt.stagedWal = append(mt.stagedWal, events...)
	return int64(len(events)), nil
}

func (mt *memoryTransaction) PutLastProcessedSeq(
	_ context.Context, slotID string, seq uint64,
) error {

	if mt.stagedOffsets == nil {
		mt.stagedOffsets = make(map[string]uint64)
	}
	mt.stagedOffsets[slotID] = seq
	return nil
}

func (mt *memoryTransaction) apply() {
	for _, event := range mt.stagedEvents {
		key := eventKey{event.ConsumerID, uint64(event.CommitLSN), event.Seq}
		if _, exists := mt.store.consumerEvents[key]; !exists {
			mt.store.consumerEvents[key] = event
		}
	}
	for _, record := range mt.stagedRecords {
		key := eventstore.RecordKey{
			ConsumerID: record.ConsumerID,
			TableOID:   record.TableOID,
			GroupID:    record.GroupID,
		}
		mt.store.consumerRecords[key] = record
	}
	for _, key := range mt.stagedDeletes {
		delete(mt.store.consumerRecords, key)
	}
	for _, event := range mt.stagedWal {
		key := eventKey{event.PipelineID, uint64(event.CommitLSN), event.Seq}
		if _, exists := mt.store.walEvents[key]; !exists {
			mt.store.walEvents[key] = event
		}
	}
	for slotID, seq := range mt.stagedOffsets {
		mt.store.slotOffsets[slotID] = seq
	}
}
