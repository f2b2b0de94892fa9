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
	"testing"
	"time"

	"github.com/noctarius/postgres-cdc-ingester/internal/replication/replicationcontext"
	"github.com/noctarius/postgres-cdc-ingester/internal/systemcatalog"
	spiconfig "github.com/noctarius/postgres-cdc-ingester/spi/config"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usersRelationOID = uint32(16384)

var commitTime = time.Date(2024, 3, 1, 16, 11, 32, 272722000, time.UTC)

type fakePrimaryKeyReader struct {
	keys map[string][]string
}

func (f *fakePrimaryKeyReader) ReadPrimaryKeyColumns(
	schema, table string,
) ([]string, error) {

	return f.keys[schema+"."+table], nil
}

func newTestTracker(
	t *testing.T,
) (*TransactionTracker, *replicationcontext.ReplicationContext) {

	registry, err := systemcatalog.NewRelationRegistry(&fakePrimaryKeyReader{
		keys: map[string][]string{
			"public.users": {"id"},
		},
	})
	require.NoError(t, err)

	replicationContext, err := replicationcontext.NewReplicationContext(spiconfig.SlotConfig{
		ID: "test-slot",
	})
	require.NoError(t, err)

	tracker, err := NewTransactionTracker(registry, replicationContext)
	require.NoError(t, err)
	return tracker, replicationContext
}

func usersRelation(
	replicaIdentity pgtypes.ReplicaIdentity,
) *pgtypes.RelationMessage {

	return &pgtypes.RelationMessage{
		RelationOID:     usersRelationOID,
		Namespace:       "public",
		RelationName:    "users",
		ReplicaIdentity: replicaIdentity,
		Columns: []pgtypes.RelationColumn{
			{Flags: 1, Name: "id", DataTypeOID: 23, TypeModifier: -1},
			{Flags: 0, Name: "name", DataTypeOID: 25, TypeModifier: -1},
		},
	}
}

func beginMessage(
	lsn pgtypes.LSN, xid uint32,
) *pgtypes.BeginMessage {

	return &pgtypes.BeginMessage{
		FinalLSN:   lsn,
		CommitTime: commitTime,
		Xid:        xid,
	}
}

func commitMessage(
	lsn pgtypes.LSN,
) *pgtypes.CommitMessage {

	return &pgtypes.CommitMessage{
		CommitLSN:  lsn,
		EndLSN:     lsn + 8,
		CommitTime: commitTime,
	}
}

func tuple(
	values ...any,
) *pgtypes.TupleData {

	columns := make([]pgtypes.TupleColumn, 0, len(values))
	for _, value := range values {
		if value == nil {
			columns = append(columns, pgtypes.TupleColumn{Kind: pgtypes.TupleNull})
			continue
		}
		columns = append(columns, pgtypes.TupleColumn{
			Kind: pgtypes.TupleText,
			Data: []byte(value.(string)),
		})
	}
	return &pgtypes.TupleData{Columns: columns}
}

func Test_Tracker_Insert_Transaction(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.OnRelation(usersRelation(pgtypes.ReplicaIdentityDefault)))
	require.NoError(t, tracker.OnBegin(beginMessage(0x1A0, 42)))
	require.NoError(t, tracker.OnInsert(&pgtypes.InsertMessage{
		RelationOID: usersRelationOID,
		NewTuple:    tuple("1", "Paul"),
	}))

	frame, err := tracker.OnCommit(commitMessage(0x1A0))
	require.NoError(t, err)

	require.Len(t, frame.Changes, 1)
	change := frame.Changes[0]

	assert.Equal(t, pgtypes.ActionInsert, change.Action)
	assert.Equal(t, "public", change.Schema)
	assert.Equal(t, "users", change.Table)
	assert.Equal(t, uint32(42), change.Xid)
	assert.Equal(t, []any{int64(1)}, change.Ids)
	assert.Equal(t, map[string]any{"id": int64(1), "name": "Paul"}, change.Record)
	assert.NotEmpty(t, change.TraceID)
	assert.Equal(t, uint64(1), change.Seq)

	// The standby status update reports the committed position plus one
	assert.Equal(t, pgtypes.LSN(0x1A1), frame.CommitLSN+1)
}

func Test_Tracker_Update_Default_Identity_Has_No_Changes(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.OnRelation(usersRelation(pgtypes.ReplicaIdentityDefault)))
	require.NoError(t, tracker.OnBegin(beginMessage(0x1A0, 42)))
	require.NoError(t, tracker.OnUpdate(&pgtypes.UpdateMessage{
		RelationOID: usersRelationOID,
		NewTuple:    tuple("1", "Chani"),
	}))

	frame, err := tracker.OnCommit(commitMessage(0x1A0))
	require.NoError(t, err)

	require.Len(t, frame.Changes, 1)
	change := frame.Changes[0]

	assert.Equal(t, pgtypes.ActionUpdate, change.Action)
	assert.Equal(t, "Chani", change.Record["name"])
	assert.Empty(t, change.Changes)
}

func Test_Tracker_Update_Replica_Full_Exposes_Old_Values(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.OnRelation(usersRelation(pgtypes.ReplicaIdentityFull)))
	require.NoError(t, tracker.OnBegin(beginMessage(0x1A0, 42)))
	require.NoError(t, tracker.OnUpdate(&pgtypes.UpdateMessage{
		RelationOID: usersRelationOID,
		OldTupleTag: pgtypes.TupleTagOld,
		OldTuple:    tuple("1", "Paul"),
		NewTuple:    tuple("1", "Chani"),
	}))

	frame, err := tracker.OnCommit(commitMessage(0x1A0))
	require.NoError(t, err)

	require.Len(t, frame.Changes, 1)
	change := frame.Changes[0]

	assert.Equal(t, map[string]any{"name": "Paul"}, change.Changes)
	assert.Equal(t, "Chani", change.Record["name"])
}

func Test_Tracker_Delete_Default_Identity_Exposes_Key_Columns_Only(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.OnRelation(usersRelation(pgtypes.ReplicaIdentityDefault)))
	require.NoError(t, tracker.OnBegin(beginMessage(0x1A0, 42)))
	require.NoError(t, tracker.OnDelete(&pgtypes.DeleteMessage{
		RelationOID: usersRelationOID,
		OldTupleTag: pgtypes.TupleTagKey,
		OldTuple:    tuple("1", nil),
	}))

	frame, err := tracker.OnCommit(commitMessage(0x1A0))
	require.NoError(t, err)

	require.Len(t, frame.Changes, 1)
	change := frame.Changes[0]

	assert.Equal(t, pgtypes.ActionDelete, change.Action)
	assert.Equal(t, []any{int64(1)}, change.Ids)
	assert.Equal(t, map[string]any{"id": int64(1)}, change.OldRecord)
	assert.Nil(t, change.Record)
}

func Test_Tracker_Commit_LSN_Mismatch_Is_Fatal(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.OnRelation(usersRelation(pgtypes.ReplicaIdentityDefault)))
	require.NoError(t, tracker.OnBegin(beginMessage(0x1A0, 42)))
	require.NoError(t, tracker.OnInsert(&pgtypes.InsertMessage{
		RelationOID: usersRelationOID,
		NewTuple:    tuple("1", "Paul"),
	}))

	_, err := tracker.OnCommit(commitMessage(0x1B0))
	var violation *ProtocolViolationError
	require.ErrorAs(t, err, &violation)
}

func Test_Tracker_Commit_Timestamp_Mismatch_Is_Fatal(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.OnRelation(usersRelation(pgtypes.ReplicaIdentityDefault)))
	require.NoError(t, tracker.OnBegin(beginMessage(0x1A0, 42)))

	commit := commitMessage(0x1A0)
	commit.CommitTime = commitTime.Add(time.Second)

	_, err := tracker.OnCommit(commit)
	var violation *ProtocolViolationError
	require.ErrorAs(t, err, &violation)
}

func Test_Tracker_Row_Change_Outside_Transaction_Is_Fatal(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.OnRelation(usersRelation(pgtypes.ReplicaIdentityDefault)))

	err := tracker.OnInsert(&pgtypes.InsertMessage{
		RelationOID: usersRelationOID,
		NewTuple:    tuple("1", "Paul"),
	})
	var violation *ProtocolViolationError
	require.ErrorAs(t, err, &violation)
}

func Test_Tracker_Commit_Without_Begin_Is_Fatal(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	_, err := tracker.OnCommit(commitMessage(0x1A0))
	var violation *ProtocolViolationError
	require.ErrorAs(t, err, &violation)
}

func Test_Tracker_Unknown_Relation_Is_Fatal(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.OnBegin(beginMessage(0x1A0, 42)))
	require.NoError(t, tracker.OnInsert(&pgtypes.InsertMessage{
		RelationOID: 99999,
		NewTuple:    tuple("1", "Paul"),
	}))

	_, err := tracker.OnCommit(commitMessage(0x1A0))
	var violation *ProtocolViolationError
	require.ErrorAs(t, err, &violation)
}

func Test_Tracker_Sequences_Are_Strictly_Increasing_And_Contiguous(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.OnRelation(usersRelation(pgtypes.ReplicaIdentityDefault)))

	require.NoError(t, tracker.OnBegin(beginMessage(0x1A0, 42)))
	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.OnInsert(&pgtypes.InsertMessage{
			RelationOID: usersRelationOID,
			NewTuple:    tuple("1", "Paul"),
		}))
	}
	frame1, err := tracker.OnCommit(commitMessage(0x1A0))
	require.NoError(t, err)

	require.NoError(t, tracker.OnBegin(beginMessage(0x2A0, 43)))
	require.NoError(t, tracker.OnInsert(&pgtypes.InsertMessage{
		RelationOID: usersRelationOID,
		NewTuple:    tuple("2", "Chani"),
	}))
	frame2, err := tracker.OnCommit(commitMessage(0x2A0))
	require.NoError(t, err)

	seqs := make([]uint64, 0, 4)
	for _, change := range frame1.Changes {
		seqs = append(seqs, change.Seq)
	}
	for _, change := range frame2.Changes {
		seqs = append(seqs, change.Seq)
	}

	require.Len(t, seqs, 4)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func Test_Tracker_Changes_Dispatch_In_Source_Order(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.OnRelation(usersRelation(pgtypes.ReplicaIdentityDefault)))
	require.NoError(t, tracker.OnBegin(beginMessage(0x1A0, 42)))
	require.NoError(t, tracker.OnInsert(&pgtypes.InsertMessage{
		RelationOID: usersRelationOID,
		NewTuple:    tuple("1", "Paul"),
	}))
	require.NoError(t, tracker.OnUpdate(&pgtypes.UpdateMessage{
		RelationOID: usersRelationOID,
		NewTuple:    tuple("1", "Chani"),
	}))
	require.NoError(t, tracker.OnDelete(&pgtypes.DeleteMessage{
		RelationOID: usersRelationOID,
		OldTupleTag: pgtypes.TupleTagKey,
		OldTuple:    tuple("1", nil),
	}))

	frame, err := tracker.OnCommit(commitMessage(0x1A0))
	require.NoError(t, err)

	require.Len(t, frame.Changes, 3)
	assert.Equal(t, pgtypes.ActionInsert, frame.Changes[0].Action)
	assert.Equal(t, pgtypes.ActionUpdate, frame.Changes[1].Action)
	assert.Equal(t, pgtypes.ActionDelete, frame.Changes[2].Action)
}

func Test_Tracker_Unchanged_Toast_Is_Not_A_Change(
	t *testing.T,
) {

	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.OnRelation(usersRelation(pgtypes.ReplicaIdentityFull)))
	require.NoError(t, tracker.OnBegin(beginMessage(0x1A0, 42)))

	newTuple := &pgtypes.TupleData{
		Columns: []pgtypes.TupleColumn{
			{Kind: pgtypes.TupleText, Data: []byte("1")},
			{Kind: pgtypes.TupleUnchangedToast},
		},
	}
	require.NoError(t, tracker.OnUpdate(&pgtypes.UpdateMessage{
		RelationOID: usersRelationOID,
		OldTupleTag: pgtypes.TupleTagOld,
		OldTuple:    tuple("1", "Paul"),
		NewTuple:    newTuple,
	}))

	frame, err := tracker.OnCommit(commitMessage(0x1A0))
	require.NoError(t, err)

	require.Len(t, frame.Changes, 1)
	change := frame.Changes[0]

	assert.Empty(t, change.Changes)
	assert.Equal(t, pgtypes.UnchangedToast, change.Record["name"])
}
