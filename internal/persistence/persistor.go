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

package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-errors/errors"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	"github.com/noctarius/postgres-cdc-ingester/spi/eventstore"
	"github.com/samber/lo"
)

// maxBatchSize bounds single store round trips; larger emissions are
// chunked per kind.
const maxBatchSize = 1000

// Error is a persistence failure after all retry attempts. The
// enclosing transaction was rolled back, the LSN cursor was not
// advanced, and the source transaction will be re-delivered.
type Error struct {
	SlotID   string
	Attempts int
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf(
		"persisting batch for slot %s failed after %d attempts: %s",
		e.SlotID, e.Attempts, e.Cause,
	)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Batch is the store mutation set of one committed source
// transaction.
type Batch struct {
	ConsumerEvents  []eventstore.ConsumerEvent
	ConsumerRecords []eventstore.ConsumerRecord
	RecordDeletes   []eventstore.RecordKey
	WalEvents       []eventstore.WalEvent
	MaxSeq          uint64
}

// Persistor writes routed batches into the event store, one store
// transaction per committed source transaction. A failed attempt
// rolls the whole batch back; partial application is impossible by
// the EventStore contract.
type Persistor struct {
	store       eventstore.EventStore
	maxAttempts int
	logger      *logging.Logger
}

func NewPersistor(
	store eventstore.EventStore, maxAttempts int,
) (*Persistor, error) {

	logger, err := logging.NewLogger("Persistor")
	if err != nil {
		return nil, err
	}

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Persistor{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger,
	}, nil
}

// Persist stores the batch and advances the slot's last processed
// sequence, all within one transaction. Returns the total number of
// affected rows.
func (p *Persistor) Persist(
	ctx context.Context, slotID string, batch *Batch,
) (int64, error) {

	if batch.MaxSeq == 0 {
		return 0, nil
	}

	var total int64
	attempts := 0

	operation := func() error {
		attempts++
		count, err := p.persistOnce(ctx, slotID, batch)
		if err != nil {
			p.logger.Warnf(
				"persistence attempt %d/%d for slot %s failed: %s",
				attempts, p.maxAttempts, slotID, err,
			)
			return err
		}
		total = count
		return nil
	}

	retryPolicy := backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(time.Millisecond*250),
			backoff.WithMaxInterval(time.Second*10),
		),
		uint64(p.maxAttempts-1),
	)

	if err := backoff.Retry(operation, backoff.WithContext(retryPolicy, ctx)); err != nil {
		return 0, &Error{
			SlotID:   slotID,
			Attempts: attempts,
			Cause:    err,
		}
	}
	return total, nil
}

func (p *Persistor) persistOnce(
	ctx context.Context, slotID string, batch *Batch,
) (int64, error) {

	var total int64
	err := p.store.Transact(ctx, func(tx eventstore.Transaction) error {
		for _, chunk := range lo.Chunk(batch.ConsumerEvents, maxBatchSize) {
			count, err := tx.InsertConsumerEvents(ctx, chunk)
			if err != nil {
				return errors.Wrap(err, 0)
			}
			total += count
		}

		for _, chunk := range lo.Chunk(batch.ConsumerRecords, maxBatchSize) {
			count, err := tx.InsertConsumerRecords(ctx, chunk)
			if err != nil {
				return errors.Wrap(err, 0)
			}
			total += count
		}

		for _, chunk := range lo.Chunk(batch.RecordDeletes, maxBatchSize) {
			count, err := tx.DeleteConsumerRecords(ctx, chunk)
			if err != nil {
				return errors.Wrap(err, 0)
			}
			total += count
		}

		for _, chunk := range lo.Chunk(batch.WalEvents, maxBatchSize) {
			count, err := tx.InsertWalEvents(ctx, chunk)
			if err != nil {
				return errors.Wrap(err, 0)
			}
			total += count
		}

		return tx.PutLastProcessedSeq(ctx, slotID, batch.MaxSeq)
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
