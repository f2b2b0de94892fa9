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

package routing

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/go-errors/errors"
	"github.com/noctarius/postgres-cdc-ingester/internal/encoding"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	"github.com/noctarius/postgres-cdc-ingester/spi/eventstore"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
	"github.com/noctarius/postgres-cdc-ingester/spi/subscriptions"
	"github.com/samber/lo"
)

// RoutedBatch is the persistable outcome of routing one committed
// transaction against the slot's subscription set.
type RoutedBatch struct {
	ConsumerEvents  []eventstore.ConsumerEvent
	ConsumerRecords []eventstore.ConsumerRecord
	RecordDeletes   []eventstore.RecordKey
	WalEvents       []eventstore.WalEvent

	ConsumerIDs []string
	PipelineIDs []string

	MaxSeq uint64
}

func (rb *RoutedBatch) Empty() bool {
	return len(rb.ConsumerEvents) == 0 &&
		len(rb.ConsumerRecords) == 0 &&
		len(rb.RecordDeletes) == 0 &&
		len(rb.WalEvents) == 0
}

// Router evaluates consumer and pipeline predicates against enriched
// changes. Condition programs are compiled once per expression and
// cached; evaluation order across subscriptions is unspecified, so
// predicate side effects must be commutative.
type Router struct {
	encoder  *encoding.JsonEncoder
	logger   *logging.Logger
	programs map[string]*vm.Program
	mutex    sync.Mutex
}

func NewRouter() (*Router, error) {
	logger, err := logging.NewLogger("SubscriptionRouter")
	if err != nil {
		return nil, err
	}

	return &Router{
		encoder:  encoding.NewJsonEncoder(true),
		logger:   logger,
		programs: make(map[string]*vm.Program),
	}, nil
}

// Route matches every change of the transaction against every
// consumer and pipeline of the handler context and collects the
// resulting store mutations.
func (r *Router) Route(
	ctx *subscriptions.HandlerContext, changes []pgtypes.EnrichedChange,
) (*RoutedBatch, error) {

	batch := &RoutedBatch{}
	machine := &vm.VM{}

	consumerIDs := make(map[string]struct{})
	pipelineIDs := make(map[string]struct{})

	for _, change := range changes {
		if change.Seq > batch.MaxSeq {
			batch.MaxSeq = change.Seq
		}

		for _, consumer := range ctx.Consumers {
			matches, err := r.matches(consumer.Subscription, &change, machine)
			if err != nil {
				return nil, err
			}
			if !matches {
				r.logger.Tracef(
					"consumer %s filtered change seq %d (%s.%s %s)",
					consumer.Name, change.Seq, change.Schema, change.Table, change.Action,
				)
				continue
			}

			switch consumer.Kind {
			case subscriptions.EventKind:
				event, err := r.consumerEvent(consumer, &change)
				if err != nil {
					return nil, err
				}
				batch.ConsumerEvents = append(batch.ConsumerEvents, *event)
			case subscriptions.RecordKind:
				if change.Action == pgtypes.ActionDelete {
					batch.RecordDeletes = append(batch.RecordDeletes, eventstore.RecordKey{
						ConsumerID: consumer.Name,
						TableOID:   change.RelationOID,
						GroupID:    groupID(consumer, &change),
					})
				} else {
					record, err := r.consumerRecord(consumer, &change)
					if err != nil {
						return nil, err
					}
					batch.ConsumerRecords = append(batch.ConsumerRecords, *record)
				}
			}
			consumerIDs[consumer.Name] = struct{}{}
		}

		for _, pipeline := range ctx.Pipelines {
			matches, err := r.matches(pipeline.Subscription, &change, machine)
			if err != nil {
				return nil, err
			}
			if !matches {
				continue
			}

			event, err := r.walEvent(pipeline, &change)
			if err != nil {
				return nil, err
			}
			batch.WalEvents = append(batch.WalEvents, *event)
			pipelineIDs[pipeline.Name] = struct{}{}
		}
	}

	batch.ConsumerIDs = lo.Keys(consumerIDs)
	batch.PipelineIDs = lo.Keys(pipelineIDs)
	return batch, nil
}

func (r *Router) matches(
	subscription subscriptions.Subscription, change *pgtypes.EnrichedChange, machine *vm.VM,
) (bool, error) {

	if subscription.Schema != "" && subscription.Schema != change.Schema {
		return false, nil
	}
	if subscription.Table != "" && subscription.Table != change.Table {
		return false, nil
	}
	if len(subscription.Actions) > 0 && !lo.Contains(subscription.Actions, change.Action) {
		return false, nil
	}

	if subscription.Condition == "" {
		return true, nil
	}

	program, err := r.program(subscription.Condition)
	if err != nil {
		return false, err
	}

	record := change.Record
	if change.Action == pgtypes.ActionDelete {
		record = change.OldRecord
	}

	env := map[string]any{
		"schema": change.Schema,
		"table":  change.Table,
		"action": string(change.Action),
		"record": record,
	}

	result, err := machine.Run(program, env)
	if err != nil {
		return false, errors.Wrap(err, 0)
	}

	matched, ok := result.(bool)
	if !ok {
		return false, errors.Errorf(
			"result of condition «%s» isn't a boolean", subscription.Condition,
		)
	}
	return matched, nil
}

func (r *Router) program(
	condition string,
) (*vm.Program, error) {

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if program, ok := r.programs[condition]; ok {
		return program, nil
	}

	program, err := expr.Compile(condition)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	r.programs[condition] = program
	return program, nil
}

func (r *Router) consumerEvent(
	consumer subscriptions.Consumer, change *pgtypes.EnrichedChange,
) (*eventstore.ConsumerEvent, error) {

	payload, err := r.encodePayload(change)
	if err != nil {
		return nil, err
	}

	return &eventstore.ConsumerEvent{
		ConsumerID: consumer.Name,
		CommitLSN:  change.CommitLSN,
		CommitTime: change.CommitTime,
		Seq:        change.Seq,
		Action:     change.Action,
		Schema:     change.Schema,
		Table:      change.Table,
		TableOID:   change.RelationOID,
		TraceID:    change.TraceID,
		Payload:    payload,
	}, nil
}

func (r *Router) consumerRecord(
	consumer subscriptions.Consumer, change *pgtypes.EnrichedChange,
) (*eventstore.ConsumerRecord, error) {

	payload, err := r.encodePayload(change)
	if err != nil {
		return nil, err
	}

	return &eventstore.ConsumerRecord{
		ConsumerID: consumer.Name,
		TableOID:   change.RelationOID,
		GroupID:    groupID(consumer, change),
		CommitLSN:  change.CommitLSN,
		CommitTime: change.CommitTime,
		Seq:        change.Seq,
		TraceID:    change.TraceID,
		Payload:    payload,
	}, nil
}

func (r *Router) walEvent(
	pipeline subscriptions.Pipeline, change *pgtypes.EnrichedChange,
) (*eventstore.WalEvent, error) {

	payload, err := r.encodePayload(change)
	if err != nil {
		return nil, err
	}

	return &eventstore.WalEvent{
		PipelineID: pipeline.Name,
		CommitLSN:  change.CommitLSN,
		CommitTime: change.CommitTime,
		Seq:        change.Seq,
		Action:     change.Action,
		Schema:     change.Schema,
		Table:      change.Table,
		TableOID:   change.RelationOID,
		TraceID:    change.TraceID,
		Payload:    payload,
	}, nil
}

func (r *Router) encodePayload(
	change *pgtypes.EnrichedChange,
) ([]byte, error) {

	payload := map[string]any{
		"action":     string(change.Action),
		"schema":     change.Schema,
		"table":      change.Table,
		"commit_lsn": change.CommitLSN.String(),
		"commit_ts":  change.CommitTime,
		"seq":        change.Seq,
		"trace_id":   change.TraceID,
		"ids":        change.Ids,
	}
	if change.Record != nil {
		payload["record"] = sanitizeRecord(change.Record)
	}
	if change.OldRecord != nil {
		payload["old_record"] = sanitizeRecord(change.OldRecord)
	}
	if change.Changes != nil {
		payload["changes"] = sanitizeRecord(change.Changes)
	}

	encoded, err := r.encoder.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return encoded, nil
}

// groupID derives the record grouping key from the consumer's
// configured grouping columns, falling back to the concatenated
// primary key values.
func groupID(
	consumer subscriptions.Consumer, change *pgtypes.EnrichedChange,
) string {

	record := change.Record
	if change.Action == pgtypes.ActionDelete {
		record = change.OldRecord
	}

	if len(consumer.GroupColumns) > 0 {
		parts := lo.Map(consumer.GroupColumns, func(columnName string, _ int) string {
			return fmt.Sprintf("%v", record[columnName])
		})
		return strings.Join(parts, ",")
	}

	parts := lo.Map(change.Ids, func(id any, _ int) string {
		return fmt.Sprintf("%v", id)
	})
	return strings.Join(parts, ",")
}

// sanitizeRecord replaces unchanged TOAST sentinels with a stable
// string marker so payloads encode deterministically.
func sanitizeRecord(
	record map[string]any,
) map[string]any {

	sanitized := make(map[string]any, len(record))
	for columnName, value := range record {
		if value == pgtypes.UnchangedToast {
			sanitized[columnName] = pgtypes.UnchangedToast.String()
			continue
		}
		sanitized[columnName] = value
	}
	return sanitized
}
