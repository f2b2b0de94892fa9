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

package pgdecoding

import (
	"fmt"

	"github.com/jackc/pgio"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
)

// EncodeLogicalMessage renders a logical message back into its wire
// form. The codec is kept symmetric with ParseXLogData so decoded
// streams can be replayed byte-identically; the decoder round-trip
// tests depend on it.
func EncodeLogicalMessage(
	msg pgtypes.LogicalMessage,
) ([]byte, error) {

	buf := []byte{byte(msg.Type())}
	switch m := msg.(type) {
	case *pgtypes.BeginMessage:
		buf = pgio.AppendUint64(buf, uint64(m.FinalLSN))
		buf = pgio.AppendUint64(buf, uint64(pgtypes.ToPostgresTime(m.CommitTime)))
		buf = pgio.AppendUint32(buf, m.Xid)
	case *pgtypes.CommitMessage:
		buf = append(buf, m.Flags)
		buf = pgio.AppendUint64(buf, uint64(m.CommitLSN))
		buf = pgio.AppendUint64(buf, uint64(m.EndLSN))
		buf = pgio.AppendUint64(buf, uint64(pgtypes.ToPostgresTime(m.CommitTime)))
	case *pgtypes.RelationMessage:
		buf = pgio.AppendUint32(buf, m.RelationOID)
		buf = appendCString(buf, m.Namespace)
		buf = appendCString(buf, m.RelationName)
		buf = append(buf, byte(m.ReplicaIdentity))
		buf = pgio.AppendUint16(buf, uint16(len(m.Columns)))
		for _, column := range m.Columns {
			buf = append(buf, column.Flags)
			buf = appendCString(buf, column.Name)
			buf = pgio.AppendUint32(buf, column.DataTypeOID)
			buf = pgio.AppendUint32(buf, uint32(column.TypeModifier))
		}
	case *pgtypes.InsertMessage:
		buf = pgio.AppendUint32(buf, m.RelationOID)
		buf = append(buf, byte(pgtypes.TupleTagNew))
		buf = appendTupleData(buf, m.NewTuple)
	case *pgtypes.UpdateMessage:
		buf = pgio.AppendUint32(buf, m.RelationOID)
		if m.OldTupleTag != pgtypes.TupleTagNone {
			buf = append(buf, byte(m.OldTupleTag))
			buf = appendTupleData(buf, m.OldTuple)
		}
		buf = append(buf, byte(pgtypes.TupleTagNew))
		buf = appendTupleData(buf, m.NewTuple)
	case *pgtypes.DeleteMessage:
		buf = pgio.AppendUint32(buf, m.RelationOID)
		buf = append(buf, byte(m.OldTupleTag))
		buf = appendTupleData(buf, m.OldTuple)
	case *pgtypes.TruncateMessage:
		buf = pgio.AppendUint32(buf, uint32(len(m.RelationOIDs)))
		buf = append(buf, m.Options)
		for _, oid := range m.RelationOIDs {
			buf = pgio.AppendUint32(buf, oid)
		}
	case *pgtypes.TypeMessage:
		buf = pgio.AppendUint32(buf, m.TypeOID)
		buf = appendCString(buf, m.Namespace)
		buf = appendCString(buf, m.TypeName)
	case *pgtypes.OriginMessage:
		buf = pgio.AppendUint64(buf, uint64(m.CommitLSN))
		buf = appendCString(buf, m.Name)
	default:
		return nil, fmt.Errorf("unencodable message type %T", msg)
	}
	return buf, nil
}

func appendCString(
	buf []byte, s string,
) []byte {

	buf = append(buf, s...)
	return append(buf, 0)
}

func appendTupleData(
	buf []byte, tuple *pgtypes.TupleData,
) []byte {

	buf = pgio.AppendUint16(buf, uint16(len(tuple.Columns)))
	for _, column := range tuple.Columns {
		buf = append(buf, byte(column.Kind))
		if column.Kind == pgtypes.TupleText {
			buf = pgio.AppendUint32(buf, uint32(len(column.Data)))
			buf = append(buf, column.Data...)
		}
	}
	return buf
}
