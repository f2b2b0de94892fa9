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
	"encoding/binary"
	"fmt"

	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
)

// DecodeError is a protocol violation in an XLogData payload. It is
// fatal to the replication session; the supervisor reconnects and the
// server re-delivers from the last acknowledged position.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("logical decoding failed at offset %d: %s", e.Offset, e.Reason)
}

func decodeErrorf(
	offset int, format string, args ...any,
) *DecodeError {

	return &DecodeError{
		Offset: offset,
		Reason: fmt.Sprintf(format, args...),
	}
}

type decodeBuffer struct {
	data []byte
	pos  int
}

func (b *decodeBuffer) readUint8() (uint8, error) {
	if b.pos+1 > len(b.data) {
		return 0, decodeErrorf(b.pos, "unexpected end of message reading uint8")
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *decodeBuffer) readUint16() (uint16, error) {
	if b.pos+2 > len(b.data) {
		return 0, decodeErrorf(b.pos, "unexpected end of message reading uint16")
	}
	v := binary.BigEndian.Uint16(b.data[b.pos:])
	b.pos += 2
	return v, nil
}

func (b *decodeBuffer) readUint32() (uint32, error) {
	if b.pos+4 > len(b.data) {
		return 0, decodeErrorf(b.pos, "unexpected end of message reading uint32")
	}
	v := binary.BigEndian.Uint32(b.data[b.pos:])
	b.pos += 4
	return v, nil
}

func (b *decodeBuffer) readUint64() (uint64, error) {
	if b.pos+8 > len(b.data) {
		return 0, decodeErrorf(b.pos, "unexpected end of message reading uint64")
	}
	v := binary.BigEndian.Uint64(b.data[b.pos:])
	b.pos += 8
	return v, nil
}

func (b *decodeBuffer) readCString() (string, error) {
	for i := b.pos; i < len(b.data); i++ {
		if b.data[i] == 0 {
			v := string(b.data[b.pos:i])
			b.pos = i + 1
			return v, nil
		}
	}
	return "", decodeErrorf(b.pos, "unterminated string")
}

func (b *decodeBuffer) readBytes(
	n int,
) ([]byte, error) {

	if b.pos+n > len(b.data) {
		return nil, decodeErrorf(b.pos, "unexpected end of message reading %d bytes", n)
	}
	v := b.data[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

// ParseXLogData turns one XLogData payload into its typed logical
// message variant (protocol version 1).
func ParseXLogData(
	data []byte,
) (pgtypes.LogicalMessage, error) {

	if len(data) == 0 {
		return nil, decodeErrorf(0, "empty logical message")
	}

	buf := &decodeBuffer{data: data, pos: 1}
	switch pgtypes.MessageType(data[0]) {
	case pgtypes.MessageTypeBegin:
		return parseBegin(buf)
	case pgtypes.MessageTypeCommit:
		return parseCommit(buf)
	case pgtypes.MessageTypeRelation:
		return parseRelation(buf)
	case pgtypes.MessageTypeInsert:
		return parseInsert(buf)
	case pgtypes.MessageTypeUpdate:
		return parseUpdate(buf)
	case pgtypes.MessageTypeDelete:
		return parseDelete(buf)
	case pgtypes.MessageTypeTruncate:
		return parseTruncate(buf)
	case pgtypes.MessageTypeType:
		return parseType(buf)
	case pgtypes.MessageTypeOrigin:
		return parseOrigin(buf)
	}
	return nil, decodeErrorf(0, "unknown message type %q", data[0])
}

func parseBegin(
	buf *decodeBuffer,
) (*pgtypes.BeginMessage, error) {

	finalLSN, err := buf.readUint64()
	if err != nil {
		return nil, err
	}
	commitMicros, err := buf.readUint64()
	if err != nil {
		return nil, err
	}
	xid, err := buf.readUint32()
	if err != nil {
		return nil, err
	}
	return &pgtypes.BeginMessage{
		FinalLSN:   pgtypes.LSN(finalLSN),
		CommitTime: pgtypes.FromPostgresTime(int64(commitMicros)),
		Xid:        xid,
	}, nil
}

func parseCommit(
	buf *decodeBuffer,
) (*pgtypes.CommitMessage, error) {

	flags, err := buf.readUint8()
	if err != nil {
		return nil, err
	}
	commitLSN, err := buf.readUint64()
	if err != nil {
		return nil, err
	}
	endLSN, err := buf.readUint64()
	if err != nil {
		return nil, err
	}
	commitMicros, err := buf.readUint64()
	if err != nil {
		return nil, err
	}
	return &pgtypes.CommitMessage{
		Flags:      flags,
		CommitLSN:  pgtypes.LSN(commitLSN),
		EndLSN:     pgtypes.LSN(endLSN),
		CommitTime: pgtypes.FromPostgresTime(int64(commitMicros)),
	}, nil
}

func parseRelation(
	buf *decodeBuffer,
) (*pgtypes.RelationMessage, error) {

	oid, err := buf.readUint32()
	if err != nil {
		return nil, err
	}
	namespace, err := buf.readCString()
	if err != nil {
		return nil, err
	}
	name, err := buf.readCString()
	if err != nil {
		return nil, err
	}
	replicaIdentity, err := buf.readUint8()
	if err != nil {
		return nil, err
	}
	columnCount, err := buf.readUint16()
	if err != nil {
		return nil, err
	}

	columns := make([]pgtypes.RelationColumn, 0, columnCount)
	for i := uint16(0); i < columnCount; i++ {
		flags, err := buf.readUint8()
		if err != nil {
			return nil, err
		}
		columnName, err := buf.readCString()
		if err != nil {
			return nil, err
		}
		dataTypeOID, err := buf.readUint32()
		if err != nil {
			return nil, err
		}
		typeModifier, err := buf.readUint32()
		if err != nil {
			return nil, err
		}
		columns = append(columns, pgtypes.RelationColumn{
			Flags:        flags,
			Name:         columnName,
			DataTypeOID:  dataTypeOID,
			TypeModifier: int32(typeModifier),
		})
	}

	return &pgtypes.RelationMessage{
		RelationOID:     oid,
		Namespace:       namespace,
		RelationName:    name,
		ReplicaIdentity: pgtypes.ReplicaIdentity(replicaIdentity),
		Columns:         columns,
	}, nil
}

func parseInsert(
	buf *decodeBuffer,
) (*pgtypes.InsertMessage, error) {

	oid, err := buf.readUint32()
	if err != nil {
		return nil, err
	}
	tag, err := buf.readUint8()
	if err != nil {
		return nil, err
	}
	if pgtypes.TupleKindTag(tag) != pgtypes.TupleTagNew {
		return nil, decodeErrorf(buf.pos-1, "insert message with tuple tag %q", tag)
	}
	tuple, err := parseTupleData(buf)
	if err != nil {
		return nil, err
	}
	return &pgtypes.InsertMessage{
		RelationOID: oid,
		NewTuple:    tuple,
	}, nil
}

func parseUpdate(
	buf *decodeBuffer,
) (*pgtypes.UpdateMessage, error) {

	oid, err := buf.readUint32()
	if err != nil {
		return nil, err
	}
	tag, err := buf.readUint8()
	if err != nil {
		return nil, err
	}

	msg := &pgtypes.UpdateMessage{
		RelationOID: oid,
	}

	// The old tuple is only present for REPLICA IDENTITY FULL ('O') or
	// when key columns changed ('K').
	if t := pgtypes.TupleKindTag(tag); t == pgtypes.TupleTagKey || t == pgtypes.TupleTagOld {
		oldTuple, err := parseTupleData(buf)
		if err != nil {
			return nil, err
		}
		msg.OldTupleTag = t
		msg.OldTuple = oldTuple

		tag, err = buf.readUint8()
		if err != nil {
			return nil, err
		}
	}

	if pgtypes.TupleKindTag(tag) != pgtypes.TupleTagNew {
		return nil, decodeErrorf(buf.pos-1, "update message with tuple tag %q", tag)
	}
	newTuple, err := parseTupleData(buf)
	if err != nil {
		return nil, err
	}
	msg.NewTuple = newTuple
	return msg, nil
}

func parseDelete(
	buf *decodeBuffer,
) (*pgtypes.DeleteMessage, error) {

	oid, err := buf.readUint32()
	if err != nil {
		return nil, err
	}
	tag, err := buf.readUint8()
	if err != nil {
		return nil, err
	}
	t := pgtypes.TupleKindTag(tag)
	if t != pgtypes.TupleTagKey && t != pgtypes.TupleTagOld {
		return nil, decodeErrorf(buf.pos-1, "delete message with tuple tag %q", tag)
	}
	tuple, err := parseTupleData(buf)
	if err != nil {
		return nil, err
	}
	return &pgtypes.DeleteMessage{
		RelationOID: oid,
		OldTupleTag: t,
		OldTuple:    tuple,
	}, nil
}

func parseTruncate(
	buf *decodeBuffer,
) (*pgtypes.TruncateMessage, error) {

	relationCount, err := buf.readUint32()
	if err != nil {
		return nil, err
	}
	options, err := buf.readUint8()
	if err != nil {
		return nil, err
	}
	oids := make([]uint32, 0, relationCount)
	for i := uint32(0); i < relationCount; i++ {
		oid, err := buf.readUint32()
		if err != nil {
			return nil, err
		}
		oids = append(oids, oid)
	}
	return &pgtypes.TruncateMessage{
		Options:      options,
		RelationOIDs: oids,
	}, nil
}

func parseType(
	buf *decodeBuffer,
) (*pgtypes.TypeMessage, error) {

	oid, err := buf.readUint32()
	if err != nil {
		return nil, err
	}
	namespace, err := buf.readCString()
	if err != nil {
		return nil, err
	}
	name, err := buf.readCString()
	if err != nil {
		return nil, err
	}
	return &pgtypes.TypeMessage{
		TypeOID:   oid,
		Namespace: namespace,
		TypeName:  name,
	}, nil
}

func parseOrigin(
	buf *decodeBuffer,
) (*pgtypes.OriginMessage, error) {

	lsn, err := buf.readUint64()
	if err != nil {
		return nil, err
	}
	name, err := buf.readCString()
	if err != nil {
		return nil, err
	}
	return &pgtypes.OriginMessage{
		CommitLSN: pgtypes.LSN(lsn),
		Name:      name,
	}, nil
}

func parseTupleData(
	buf *decodeBuffer,
) (*pgtypes.TupleData, error) {

	columnCount, err := buf.readUint16()
	if err != nil {
		return nil, err
	}

	columns := make([]pgtypes.TupleColumn, 0, columnCount)
	for i := uint16(0); i < columnCount; i++ {
		kind, err := buf.readUint8()
		if err != nil {
			return nil, err
		}
		switch pgtypes.TupleKind(kind) {
		case pgtypes.TupleNull, pgtypes.TupleUnchangedToast:
			columns = append(columns, pgtypes.TupleColumn{
				Kind: pgtypes.TupleKind(kind),
			})
		case pgtypes.TupleText:
			length, err := buf.readUint32()
			if err != nil {
				return nil, err
			}
			data, err := buf.readBytes(int(length))
			if err != nil {
				return nil, err
			}
			columns = append(columns, pgtypes.TupleColumn{
				Kind: pgtypes.TupleText,
				Data: data,
			})
		default:
			return nil, decodeErrorf(buf.pos-1, "unknown tuple column kind %q", kind)
		}
	}
	return &pgtypes.TupleData{Columns: columns}, nil
}
