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

package pgtypes

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// LSN is a position in the write-ahead log, a 64 bit unsigned offset.
// On the wire it travels as two 32 bit halves; comparison is unsigned.
type LSN uint64

const InvalidLSN = LSN(0)

// postgresEpoch is 2000-01-01T00:00:00Z, the zero point of all
// timestamps in the replication protocol.
var postgresEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func MakeLSN(
	hi, lo uint32,
) LSN {

	return LSN(uint64(hi)<<32 | uint64(lo))
}

func ParseLSN(
	s string,
) (LSN, error) {

	var hi, lo uint32
	if n, err := fmt.Sscanf(s, "%X/%X", &hi, &lo); err != nil {
		return InvalidLSN, err
	} else if n != 2 {
		return InvalidLSN, fmt.Errorf("invalid LSN representation: %s", s)
	}
	return MakeLSN(hi, lo), nil
}

func (lsn LSN) Hi() uint32 {
	return uint32(lsn >> 32)
}

func (lsn LSN) Lo() uint32 {
	return uint32(lsn)
}

func (lsn LSN) String() string {
	return fmt.Sprintf("%X/%X", lsn.Hi(), lsn.Lo())
}

func (lsn LSN) AsXLogPos() pglogrepl.LSN {
	return pglogrepl.LSN(lsn)
}

// ToPostgresTime converts a wall clock time into microseconds since the
// Postgres epoch, the representation used by XLogData server clocks and
// standby status updates.
func ToPostgresTime(
	t time.Time,
) int64 {

	return t.Sub(postgresEpoch).Microseconds()
}

// FromPostgresTime converts microseconds since the Postgres epoch into
// a UTC wall clock time.
func FromPostgresTime(
	micros int64,
) time.Time {

	return postgresEpoch.Add(time.Duration(micros) * time.Microsecond)
}
