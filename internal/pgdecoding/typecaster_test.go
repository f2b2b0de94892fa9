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
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
)

func Test_Cast_Integers(
	t *testing.T,
) {

	assert.Equal(t, int64(1), CastTextValue("1", "int4"))
	assert.Equal(t, int64(-42), CastTextValue("-42", "int2"))
	assert.Equal(t, int64(9223372036854775807), CastTextValue("9223372036854775807", "int8"))
	assert.Equal(t, int64(12345), CastTextValue("12345", "oid"))
}

func Test_Cast_Integer_Overflow_Passes_Through_Raw(
	t *testing.T,
) {

	raw := "92233720368547758080"
	assert.Equal(t, raw, CastTextValue(raw, "int8"))
}

func Test_Cast_Floats(
	t *testing.T,
) {

	assert.Equal(t, 1.5, CastTextValue("1.5", "float8"))
	assert.Equal(t, -0.25, CastTextValue("-0.25", "float4"))
}

func Test_Cast_Bool(
	t *testing.T,
) {

	assert.Equal(t, true, CastTextValue("t", "bool"))
	assert.Equal(t, false, CastTextValue("f", "bool"))
	assert.Equal(t, "true", CastTextValue("true", "bool"))
}

func Test_Cast_Numeric(
	t *testing.T,
) {

	value := CastTextValue("1234.5678", "numeric")
	numeric, ok := value.(pgtype.Numeric)
	assert.True(t, ok)
	assert.True(t, numeric.Valid)

	// Unparsable numerics keep the raw text
	assert.Equal(t, "NaNary", CastTextValue("NaNary", "numeric"))
}

func Test_Cast_Money(
	t *testing.T,
) {

	value := CastTextValue("$1,234.56", "money")
	numeric, ok := value.(pgtype.Numeric)
	assert.True(t, ok)
	assert.True(t, numeric.Valid)
}

func Test_Cast_Bytea_Hex(
	t *testing.T,
) {

	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, CastTextValue(`\xdeadbeef`, "bytea"))
}

func Test_Cast_Bytea_Escape(
	t *testing.T,
) {

	assert.Equal(t, []byte("ab\\c"), CastTextValue(`ab\\c`, "bytea"))
	assert.Equal(t, []byte{0x00, 'a'}, CastTextValue(`\000a`, "bytea"))
}

func Test_Cast_Timestamps(
	t *testing.T,
) {

	naive := CastTextValue("2024-03-01 16:11:32.272722", "timestamp")
	assert.Equal(t, time.Date(2024, 3, 1, 16, 11, 32, 272722000, time.UTC), naive)

	aware := CastTextValue("2024-03-01 17:11:32.272722+01", "timestamptz")
	assert.Equal(t, time.Date(2024, 3, 1, 16, 11, 32, 272722000, time.UTC), aware)
}

func Test_Cast_Date_And_Time(
	t *testing.T,
) {

	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), CastTextValue("2024-03-01", "date"))
	assert.Equal(
		t, time.Date(0, 1, 1, 16, 11, 32, 0, time.UTC), CastTextValue("16:11:32", "time"),
	)
}

func Test_Cast_Uuid(
	t *testing.T,
) {

	assert.Equal(
		t,
		"67f2e8e8-1111-4f38-aabb-7a0b60337bfa",
		CastTextValue("67F2E8E8-1111-4F38-AABB-7A0B60337BFA", "uuid"),
	)
	assert.Equal(t, "not-a-uuid", CastTextValue("not-a-uuid", "uuid"))
}

func Test_Cast_Json(
	t *testing.T,
) {

	value := CastTextValue(`{"name":"Paul","age":15}`, "jsonb")
	assert.Equal(t, map[string]any{"name": "Paul", "age": float64(15)}, value)

	assert.Equal(t, `{"broken`, CastTextValue(`{"broken`, "json"))
}

func Test_Cast_Text_Array_With_Embedded_Comma(
	t *testing.T,
) {

	value := CastTextValue(`{"royal,interest",plain}`, "_text")
	assert.Equal(t, []any{"royal,interest", "plain"}, value)
}

func Test_Cast_Array_With_Escaped_Quotes_And_Backslashes(
	t *testing.T,
) {

	value := CastTextValue(`{"say \"hi\"","back\\slash"}`, "_text")
	assert.Equal(t, []any{`say "hi"`, `back\slash`}, value)
}

func Test_Cast_Int_Array(
	t *testing.T,
) {

	value := CastTextValue("{1,2,3}", "_int4")
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, value)
}

func Test_Cast_Array_With_Null_Element(
	t *testing.T,
) {

	value := CastTextValue("{1,NULL,3}", "_int4")
	assert.Equal(t, []any{int64(1), nil, int64(3)}, value)
}

func Test_Cast_Empty_Array(
	t *testing.T,
) {

	assert.Equal(t, []any{}, CastTextValue("{}", "_text"))
}

func Test_Cast_Unknown_Type_Passes_Through(
	t *testing.T,
) {

	assert.Equal(t, "POINT(1 2)", CastTextValue("POINT(1 2)", "geometry"))
	assert.Equal(t, "anything", CastTextValue("anything", ""))
}

func Test_TypeName_For_Builtin_OIDs(
	t *testing.T,
) {

	name, ok := TypeNameForOID(23)
	assert.True(t, ok)
	assert.Equal(t, "int4", name)

	name, ok = TypeNameForOID(25)
	assert.True(t, ok)
	assert.Equal(t, "text", name)

	_, ok = TypeNameForOID(99999999)
	assert.False(t, ok)
}
