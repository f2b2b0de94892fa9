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

package transactiontracker

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-errors/errors"
	"github.com/hashicorp/go-uuid"
	"github.com/noctarius/postgres-cdc-ingester/internal/containers"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	"github.com/noctarius/postgres-cdc-ingester/internal/pgdecoding"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/replicationcontext"
	"github.com/noctarius/postgres-cdc-ingester/internal/systemcatalog"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
)

// ProtocolViolationError is a semantic violation of the replication
// stream, such as a Commit disagreeing with its enclosing Begin. It is
// fatal to the session and never acknowledged upstream.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("replication protocol violation: %s", e.Reason)
}

func protocolViolationf(
	format string, args ...any,
) *ProtocolViolationError {

	return &ProtocolViolationError{
		Reason: fmt.Sprintf(format, args...),
	}
}

type transaction struct {
	xid        uint32
	finalLSN   pgtypes.LSN
	commitTime time.Time
	queue      *containers.Queue[pgtypes.LogicalMessage]
}

// TransactionTracker buffers the row changes of the transaction
// currently open on the stream. Nothing leaves the tracker before the
// matching Commit arrives; on commit the buffered changes are drained
// in arrival order, enriched against the relation registry, and handed
// back as one TransactionFrame.
type TransactionTracker struct {
	registry           *systemcatalog.RelationRegistry
	replicationContext *replicationcontext.ReplicationContext
	currentTransaction *transaction
	logger             *logging.Logger
}

func NewTransactionTracker(
	registry *systemcatalog.RelationRegistry,
	replicationContext *replicationcontext.ReplicationContext,
) (*TransactionTracker, error) {

	logger, err := logging.NewLogger("TransactionTracker")
	if err != nil {
		return nil, err
	}

	return &TransactionTracker{
		registry:           registry,
		replicationContext: replicationContext,
		logger:             logger,
	}, nil
}

// OnRelation updates the relation registry. Relation messages are
// valid both inside and outside a transaction and don't affect the
// tracker state.
func (tt *TransactionTracker) OnRelation(
	msg *pgtypes.RelationMessage,
) error {

	_, err := tt.registry.Apply(msg)
	return err
}

func (tt *TransactionTracker) OnType(
	msg *pgtypes.TypeMessage,
) error {

	tt.registry.RegisterType(msg)
	return nil
}

// OnOrigin is accepted and discarded; origin tracking is not exposed
// to subscribers.
func (tt *TransactionTracker) OnOrigin(
	msg *pgtypes.OriginMessage,
) error {

	tt.logger.Debugf("origin %s at %s discarded", msg.Name, msg.CommitLSN)
	return nil
}

func (tt *TransactionTracker) OnBegin(
	msg *pgtypes.BeginMessage,
) error {

	if tt.currentTransaction != nil {
		return protocolViolationf(
			"begin of xid %d while xid %d is still open",
			msg.Xid, tt.currentTransaction.xid,
		)
	}

	tt.currentTransaction = &transaction{
		xid:        msg.Xid,
		finalLSN:   msg.FinalLSN,
		commitTime: msg.CommitTime,
		queue:      containers.NewQueue[pgtypes.LogicalMessage](),
	}
	return nil
}

func (tt *TransactionTracker) OnInsert(
	msg *pgtypes.InsertMessage,
) error {

	return tt.buffer(msg)
}

func (tt *TransactionTracker) OnUpdate(
	msg *pgtypes.UpdateMessage,
) error {

	return tt.buffer(msg)
}

func (tt *TransactionTracker) OnDelete(
	msg *pgtypes.DeleteMessage,
) error {

	return tt.buffer(msg)
}

// OnTruncate accepts and drops the message; truncates are not buffered
// and never reach subscribers.
func (tt *TransactionTracker) OnTruncate(
	msg *pgtypes.TruncateMessage,
) error {

	if tt.currentTransaction == nil {
		return protocolViolationf("truncate outside of transaction")
	}
	tt.logger.Debugf("truncate of %d relations discarded", len(msg.RelationOIDs))
	return nil
}

func (tt *TransactionTracker) buffer(
	msg pgtypes.LogicalMessage,
) error {

	if tt.currentTransaction == nil {
		return protocolViolationf("%s outside of transaction", msg.Type())
	}
	tt.currentTransaction.queue.Push(msg)
	return nil
}

// OnCommit closes the open transaction and returns its enriched
// frame. A Commit whose LSN or timestamp disagrees with the enclosing
// Begin is a protocol violation and terminates the session.
func (tt *TransactionTracker) OnCommit(
	msg *pgtypes.CommitMessage,
) (*pgtypes.TransactionFrame, error) {

	currentTransaction := tt.currentTransaction
	if currentTransaction == nil {
		return nil, protocolViolationf("commit at %s without begin", msg.CommitLSN)
	}
	tt.currentTransaction = nil

	if msg.CommitLSN != currentTransaction.finalLSN {
		return nil, protocolViolationf(
			"commit lsn %s doesn't match begin lsn %s of xid %d",
			msg.CommitLSN, currentTransaction.finalLSN, currentTransaction.xid,
		)
	}
	if !msg.CommitTime.Equal(currentTransaction.commitTime) {
		return nil, protocolViolationf(
			"commit timestamp %s doesn't match begin timestamp %s of xid %d",
			msg.CommitTime, currentTransaction.commitTime, currentTransaction.xid,
		)
	}

	currentTransaction.queue.Lock()

	frame := &pgtypes.TransactionFrame{
		Xid:        currentTransaction.xid,
		CommitLSN:  msg.CommitLSN,
		EndLSN:     msg.EndLSN,
		CommitTime: msg.CommitTime,
		Changes:    make([]pgtypes.EnrichedChange, 0, currentTransaction.queue.Length()),
	}

	for {
		entry := currentTransaction.queue.Pop()
		if entry == nil {
			break
		}

		change, err := tt.enrich(entry, frame)
		if err != nil {
			return nil, err
		}
		frame.Changes = append(frame.Changes, *change)
	}
	return frame, nil
}

// Reset discards a partially assembled transaction, used when the
// session reconnects. The upstream server re-delivers the whole
// transaction afterwards.
func (tt *TransactionTracker) Reset() {
	if tt.currentTransaction != nil {
		tt.logger.Warnf(
			"discarding partially assembled transaction xid %d", tt.currentTransaction.xid,
		)
		tt.currentTransaction = nil
	}
	tt.registry.Reset()
}

func (tt *TransactionTracker) enrich(
	msg pgtypes.LogicalMessage, frame *pgtypes.TransactionFrame,
) (*pgtypes.EnrichedChange, error) {

	traceID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	change := &pgtypes.EnrichedChange{
		CommitLSN:  frame.CommitLSN,
		CommitTime: frame.CommitTime,
		Xid:        frame.Xid,
		Seq:        tt.replicationContext.NextSequence(),
		TraceID:    traceID,
	}

	switch m := msg.(type) {
	case *pgtypes.InsertMessage:
		relation, err := tt.relation(m.RelationOID)
		if err != nil {
			return nil, err
		}
		change.Action = pgtypes.ActionInsert
		change.Schema = relation.Schema
		change.Table = relation.Name
		change.RelationOID = relation.OID
		change.Record = decodeTuple(relation, m.NewTuple, false)
		change.Ids = keyValues(relation, change.Record)

	case *pgtypes.UpdateMessage:
		relation, err := tt.relation(m.RelationOID)
		if err != nil {
			return nil, err
		}
		change.Action = pgtypes.ActionUpdate
		change.Schema = relation.Schema
		change.Table = relation.Name
		change.RelationOID = relation.OID
		change.Record = decodeTuple(relation, m.NewTuple, false)
		change.Ids = keyValues(relation, change.Record)
		if m.OldTuple != nil && m.OldTupleTag == pgtypes.TupleTagOld {
			oldRecord := decodeTuple(relation, m.OldTuple, false)
			change.Changes = diffRecords(oldRecord, change.Record)
		} else {
			change.Changes = map[string]any{}
		}

	case *pgtypes.DeleteMessage:
		relation, err := tt.relation(m.RelationOID)
		if err != nil {
			return nil, err
		}
		change.Action = pgtypes.ActionDelete
		change.Schema = relation.Schema
		change.Table = relation.Name
		change.RelationOID = relation.OID
		// The key form carries non-null values for key columns only;
		// null slots are placeholders, not data.
		change.OldRecord = decodeTuple(relation, m.OldTuple, m.OldTupleTag == pgtypes.TupleTagKey)
		change.Ids = keyValues(relation, change.OldRecord)

	default:
		return nil, protocolViolationf("unexpected buffered message type %s", msg.Type())
	}
	return change, nil
}

func (tt *TransactionTracker) relation(
	oid uint32,
) (*systemcatalog.Relation, error) {

	relation, present := tt.registry.Get(oid)
	if !present {
		return nil, protocolViolationf("row change for unknown relation oid %d", oid)
	}
	return relation, nil
}

func decodeTuple(
	relation *systemcatalog.Relation, tuple *pgtypes.TupleData, skipNulls bool,
) map[string]any {

	values := make(map[string]any, len(relation.Columns))
	if tuple == nil {
		return values
	}

	for idx, column := range tuple.Columns {
		if idx >= len(relation.Columns) {
			break
		}
		columnName := relation.Columns[idx].Name
		switch column.Kind {
		case pgtypes.TupleNull:
			if !skipNulls {
				values[columnName] = nil
			}
		case pgtypes.TupleUnchangedToast:
			values[columnName] = pgtypes.UnchangedToast
		case pgtypes.TupleText:
			values[columnName] = pgdecoding.CastTextValue(
				string(column.Data), relation.Columns[idx].TypeName,
			)
		}
	}
	return values
}

func keyValues(
	relation *systemcatalog.Relation, record map[string]any,
) []any {

	keyColumns := relation.KeyColumns()
	ids := make([]any, 0, len(keyColumns))
	for _, column := range keyColumns {
		if value, present := record[column.Name]; present && value != nil {
			ids = append(ids, value)
		}
	}
	return ids
}

// diffRecords returns the previous values of columns whose value
// actually changed. Unchanged TOAST markers compare as unchanged, no
// matter which side carries them.
func diffRecords(
	oldRecord, newRecord map[string]any,
) map[string]any {

	diff := make(map[string]any)
	for columnName, oldValue := range oldRecord {
		newValue, present := newRecord[columnName]
		if !present {
			continue
		}
		if oldValue == pgtypes.UnchangedToast || newValue == pgtypes.UnchangedToast {
			continue
		}
		if !reflect.DeepEqual(oldValue, newValue) {
			diff[columnName] = oldValue
		}
	}
	return diff
}
