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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_LSN_Hi_Lo_Split_And_Join(
	t *testing.T,
) {

	lsn := MakeLSN(0x01, 0xA0)
	assert.Equal(t, uint32(0x01), lsn.Hi())
	assert.Equal(t, uint32(0xA0), lsn.Lo())
	assert.Equal(t, LSN(0x1000000A0), lsn)

	roundTripped := MakeLSN(lsn.Hi(), lsn.Lo())
	assert.Equal(t, lsn, roundTripped)
}

func Test_LSN_String_And_Parse(
	t *testing.T,
) {

	lsn := MakeLSN(0x16, 0xB374D848)
	assert.Equal(t, "16/B374D848", lsn.String())

	parsed, err := ParseLSN("16/B374D848")
	assert.NoError(t, err)
	assert.Equal(t, lsn, parsed)

	parsed, err = ParseLSN("0/1A0")
	assert.NoError(t, err)
	assert.Equal(t, LSN(0x1A0), parsed)

	_, err = ParseLSN("not-an-lsn")
	assert.Error(t, err)
}

func Test_LSN_Comparison_Is_Unsigned(
	t *testing.T,
) {

	smaller := MakeLSN(0x7FFFFFFF, 0xFFFFFFFF)
	larger := MakeLSN(0x80000000, 0x00000000)
	assert.True(t, larger > smaller)
}

func Test_Postgres_Time_Conversion(
	t *testing.T,
) {

	epoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(0), ToPostgresTime(epoch))
	assert.Equal(t, epoch, FromPostgresTime(0))

	commitTime := time.Date(2024, 3, 1, 16, 11, 32, 272722000, time.UTC)
	micros := ToPostgresTime(commitTime)
	assert.Equal(t, commitTime, FromPostgresTime(micros))
}
