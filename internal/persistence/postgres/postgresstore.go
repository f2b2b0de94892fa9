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

package postgres

import (
	"context"

	"github.com/go-errors/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	"github.com/noctarius/postgres-cdc-ingester/spi/eventstore"
)

const createConsumerEventsTable = `
CREATE TABLE IF NOT EXISTS cdc_consumer_events (
    consumer_id text        NOT NULL,
    commit_lsn  bigint      NOT NULL,
    seq         bigint      NOT NULL,
    commit_ts   timestamptz NOT NULL,
    action      text        NOT NULL,
    schema_name text        NOT NULL,
    table_name  text        NOT NULL,
    table_oid   bigint      NOT NULL,
    trace_id    text        NOT NULL,
    payload     jsonb       NOT NULL,
    inserted_at timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (consumer_id, commit_lsn, seq)
)`

const createConsumerRecordsTable = `
CREATE TABLE IF NOT EXISTS cdc_consumer_records (
    consumer_id text        NOT NULL,
    table_oid   bigint      NOT NULL,
    group_id    text        NOT NULL,
    commit_lsn  bigint      NOT NULL,
    seq         bigint      NOT NULL,
    commit_ts   timestamptz NOT NULL,
    trace_id    text        NOT NULL,
    payload     jsonb       NOT NULL,
    updated_at  timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (consumer_id, table_oid, group_id)
)`

const createWalEventsTable = `
CREATE TABLE IF NOT EXISTS cdc_wal_events (
    pipeline_id text        NOT NULL,
    commit_lsn  bigint      NOT NULL,
    seq         bigint      NOT NULL,
    commit_ts   timestamptz NOT NULL,
    action      text        NOT NULL,
    schema_name text        NOT NULL,
    table_name  text        NOT NULL,
    table_oid   bigint      NOT NULL,
    trace_id    text        NOT NULL,
    payload     jsonb       NOT NULL,
    inserted_at timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (pipeline_id, commit_lsn, seq)
)`

const createSlotOffsetsTable = `
CREATE TABLE IF NOT EXISTS cdc_slot_offsets (
    slot_id            text        NOT NULL PRIMARY KEY,
    last_processed_seq bigint      NOT NULL,
    updated_at         timestamptz NOT NULL DEFAULT now()
)`

const insertConsumerEventQuery = `
INSERT INTO cdc_consumer_events (
    consumer_id, commit_lsn, seq, commit_ts, action,
    schema_name, table_name, table_oid, trace_id, payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (consumer_id, commit_lsn, seq) DO NOTHING`

const upsertConsumerRecordQuery = `
INSERT INTO cdc_consumer_records (
    consumer_id, table_oid, group_id, commit_lsn, seq, commit_ts, trace_id, payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (consumer_id, table_oid, group_id) DO UPDATE
SET commit_lsn = excluded.commit_lsn,
    seq        = excluded.seq,
    commit_ts  = excluded.commit_ts,
    trace_id   = excluded.trace_id,
    payload    = excluded.payload,
    updated_at = now()`

const deleteConsumerRecordQuery = `
DELETE FROM cdc_consumer_records
WHERE consumer_id = $1 AND table_oid = $2 AND group_id = $3`

const insertWalEventQuery = `
INSERT INTO cdc_wal_events (
    pipeline_id, commit_lsn, seq, commit_ts, action,
    schema_name, table_name, table_oid, trace_id, payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (pipeline_id, commit_lsn, seq) DO NOTHING`

const upsertSlotOffsetQuery = `
INSERT INTO cdc_slot_offsets (slot_id, last_processed_seq)
VALUES ($1, $2)
ON CONFLICT (slot_id) DO UPDATE
SET last_processed_seq = excluded.last_processed_seq,
    updated_at         = now()`

const readSlotOffsetQuery = `
SELECT last_processed_seq FROM cdc_slot_offsets WHERE slot_id = $1`

// EventStore is the pgx backed implementation of the store contract.
// All four event kinds and the sequence cursor land in one database
// transaction per committed source transaction; the idempotency keys
// make WAL re-delivery an upsert, not a duplicate.
type EventStore struct {
	connectionString string
	pool             *pgxpool.Pool
	logger           *logging.Logger
}

func NewEventStore(
	connectionString string,
) (*EventStore, error) {

	logger, err := logging.NewLogger("PostgresEventStore")
	if err != nil {
		return nil, err
	}

	return &EventStore{
		connectionString: connectionString,
		logger:           logger,
	}, nil
}

func (es *EventStore) Start() error {
	poolConfig, err := pgxpool.ParseConfig(es.connectionString)
	if err != nil {
		return errors.Wrap(err, 0)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	es.pool = pool

	for _, ddl := range []string{
		createConsumerEventsTable,
		createConsumerRecordsTable,
		createWalEventsTable,
		createSlotOffsetsTable,
	} {
		if _, err := es.pool.Exec(context.Background(), ddl); err != nil {
			return errors.Wrap(err, 0)
		}
	}

	es.logger.Infoln("Postgres event store started")
	return nil
}

func (es *EventStore) Stop() error {
	if es.pool != nil {
		es.pool.Close()
	}
	return nil
}

func (es *EventStore) Transact(
	ctx context.Context, fn func(tx eventstore.Transaction) error,
) error {

	tx, err := es.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, 0)
	}

	if err := fn(&storeTransaction{tx: tx}); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			es.logger.Warnf("rollback failed: %s", rollbackErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

func (es *EventStore) LastProcessedSeq(
	ctx context.Context, slotID string,
) (uint64, bool, error) {

	var seq int64
	if err := es.pool.QueryRow(ctx, readSlotOffsetQuery, slotID).Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, 0)
	}
	return uint64(seq), true, nil
}

type storeTransaction struct {
	tx pgx.Tx
}

func (st *storeTransaction) InsertConsumerEvents(
	ctx context.Context, events []eventstore.ConsumerEvent,
) (int64, error) {

	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(insertConsumerEventQuery,
			event.ConsumerID, int64(event.CommitLSN), int64(event.Seq), event.CommitTime,
			string(event.Action), event.Schema, event.Table, int64(event.TableOID),
			event.TraceID, event.Payload,
		)
	}
	return st.sendBatch(ctx, batch)
}

func (st *storeTransaction) InsertConsumerRecords(
	ctx context.Context, records []eventstore.ConsumerRecord,
) (int64, error) {

	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(upsertConsumerRecordQuery,
			record.ConsumerID, int64(record.TableOID), record.GroupID,
			int64(record.CommitLSN), int64(record.Seq), record.CommitTime,
			record.TraceID, record.Payload,
		)
	}
	return st.sendBatch(ctx, batch)
}

func (st *storeTransaction) DeleteConsumerRecords(
	ctx context.Context, keys []eventstore.RecordKey,
) (int64, error) {

	batch := &pgx.Batch{}
	for _, key := range keys {
		batch.Queue(deleteConsumerRecordQuery,
			key.ConsumerID, int64(key.TableOID), key.GroupID,
		)
	}
	return st.sendBatch(ctx, batch)
}

func (st *storeTransaction) InsertWalEvents(
	ctx context.Context, events []eventstore.WalEvent,
) (int64, error) {

	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(insertWalEventQuery,
			event.PipelineID, int64(event.CommitLSN), int64(event.Seq), event.CommitTime,
			string(event.Action), event.Schema, event.Table, int64(event.TableOID),
			event.TraceID, event.Payload,
		)
	}
	return st.sendBatch(ctx, batch)
}

func (st *storeTransaction) PutLastProcessedSeq(
	ctx context.Context, slotID string, seq uint64,
) error {

	if _, err := st.tx.Exec(ctx, upsertSlotOffsetQuery, slotID, int64(seq)); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

func (st *storeTransaction) sendBatch(
	ctx context.Context, batch *pgx.Batch,
) (int64, error) {

	if batch.Len() == 0 {
		return 0, nil
	}

	results := st.tx.SendBatch(ctx, batch)
	defer results.Close()

	var total int64
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return 0, errors.Wrap(err, 0)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
