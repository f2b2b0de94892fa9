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

package eventstore

import (
	"context"
	"time"

	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
)

// ConsumerEvent is one row change fanned out to an event-kind consumer
// queue. The triple (ConsumerID, CommitLSN, Seq) is the idempotency key
// under WAL replay.
type ConsumerEvent struct {
	ConsumerID string
	CommitLSN  pgtypes.LSN
	CommitTime time.Time
	Seq        uint64
	Action     pgtypes.Action
	Schema     string
	Table      string
	TableOID   uint32
	TraceID    string
	Payload    []byte
}

// ConsumerRecord is the latest-state row kept per grouping key for a
// record-kind consumer. Re-inserting the same GroupID replaces the
// previous state.
type ConsumerRecord struct {
	ConsumerID string
	TableOID   uint32
	GroupID    string
	CommitLSN  pgtypes.LSN
	CommitTime time.Time
	Seq        uint64
	TraceID    string
	Payload    []byte
}

// RecordKey addresses a ConsumerRecord for deletion.
type RecordKey struct {
	ConsumerID string
	TableOID   uint32
	GroupID    string
}

// WalEvent is the raw change forwarded to a pipeline stream.
type WalEvent struct {
	PipelineID string
	CommitLSN  pgtypes.LSN
	CommitTime time.Time
	Seq        uint64
	Action     pgtypes.Action
	Schema     string
	Table      string
	TableOID   uint32
	TraceID    string
	Payload    []byte
}

// Transaction is the atomic unit the persistor drives. All five
// operations issued within one Transact scope either land together or
// not at all.
type Transaction interface {
	InsertConsumerEvents(
		ctx context.Context, events []ConsumerEvent,
	) (int64, error)

	InsertConsumerRecords(
		ctx context.Context, records []ConsumerRecord,
	) (int64, error)

	DeleteConsumerRecords(
		ctx context.Context, keys []RecordKey,
	) (int64, error)

	InsertWalEvents(
		ctx context.Context, events []WalEvent,
	) (int64, error)

	PutLastProcessedSeq(
		ctx context.Context, slotID string, seq uint64,
	) error
}

// EventStore is the durable downstream of the ingestion engine. It is
// a collaborator contract; implementations live outside the engine
// core (a pgx-backed one ships with this repository).
type EventStore interface {
	Start() error
	Stop() error

	// Transact runs fn inside one store transaction. An error returned
	// from fn rolls the transaction back and is propagated.
	Transact(
		ctx context.Context, fn func(tx Transaction) error,
	) error

	// LastProcessedSeq returns the highest sequence number previously
	// persisted for the given replication slot, seeding the engine's
	// global sequence counter on startup.
	LastProcessedSeq(
		ctx context.Context, slotID string,
	) (uint64, bool, error)
}
