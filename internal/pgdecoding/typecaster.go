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
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

var typeMap = pgtype.NewMap()

// TypeNameForOID resolves a data type oid against the builtin pgx type
// map. Custom types unknown to the map fall back to an empty name, in
// which case values pass through as text.
func TypeNameForOID(
	oid uint32,
) (string, bool) {

	if t, ok := typeMap.TypeForOID(oid); ok {
		return t.Name, true
	}
	return "", false
}

const (
	timestampFormat   = "2006-01-02 15:04:05.999999"
	timestamptzFormat = "2006-01-02 15:04:05.999999Z07"
	dateFormat        = "2006-01-02"
	timeFormat        = "15:04:05.999999"
	timetzFormat      = "15:04:05.999999Z07"
)

// CastTextValue converts the textual representation of a column value
// into a semantic value, selected by the column's type name. A value
// that fails to cast is returned as the raw text; fidelity loss is
// logged by callers but never aborts a transaction.
func CastTextValue(
	raw string, typeName string,
) any {

	if strings.HasPrefix(typeName, "_") {
		return castArray(raw, typeName[1:])
	}

	switch typeName {
	case "int2", "int4", "int8", "oid":
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	case "float4", "float8":
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	case "numeric", "money":
		if v, ok := castNumeric(raw); ok {
			return v
		}
	case "bool":
		switch raw {
		case "t":
			return true
		case "f":
			return false
		}
	case "bytea":
		if v, ok := castBytea(raw); ok {
			return v
		}
	case "timestamp":
		if v, err := time.Parse(timestampFormat, raw); err == nil {
			return v
		}
	case "timestamptz":
		if v, err := time.Parse(timestamptzFormat, raw); err == nil {
			return v.UTC()
		}
	case "date":
		if v, err := time.Parse(dateFormat, raw); err == nil {
			return v
		}
	case "time":
		if v, err := time.Parse(timeFormat, raw); err == nil {
			return v
		}
	case "timetz":
		if v, err := time.Parse(timetzFormat, raw); err == nil {
			return v
		}
	case "uuid":
		if parsed, err := uuid.ParseUUID(raw); err == nil {
			if formatted, err := uuid.FormatUUID(parsed); err == nil {
				return formatted
			}
		}
	case "json", "jsonb":
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
	}
	return raw
}

func castNumeric(
	raw string,
) (any, bool) {

	// money values carry a currency prefix and thousands separators
	cleaned := strings.TrimLeft(raw, "-$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if strings.HasPrefix(raw, "-") {
		cleaned = "-" + cleaned
	}

	var numeric pgtype.Numeric
	if err := numeric.Scan(cleaned); err == nil && numeric.Valid {
		return numeric, true
	}
	return nil, false
}

func castBytea(
	raw string,
) ([]byte, bool) {

	if strings.HasPrefix(raw, `\x`) {
		if v, err := hex.DecodeString(raw[2:]); err == nil {
			return v, true
		}
		return nil, false
	}

	// escape format: doubled backslashes and octal escapes
	decoded := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); {
		if raw[i] != '\\' {
			decoded = append(decoded, raw[i])
			i++
			continue
		}
		if i+1 < len(raw) && raw[i+1] == '\\' {
			decoded = append(decoded, '\\')
			i += 2
			continue
		}
		if i+3 < len(raw) {
			if v, err := strconv.ParseUint(raw[i+1:i+4], 8, 8); err == nil {
				decoded = append(decoded, byte(v))
				i += 4
				continue
			}
		}
		return nil, false
	}
	return decoded, true
}

// castArray splits a Postgres array literal on unquoted commas,
// unquotes and unescapes each element, and recurses with the element
// type.
func castArray(
	raw string, elementType string,
) any {

	if len(raw) < 2 || raw[0] != '{' || raw[len(raw)-1] != '}' {
		return raw
	}

	body := raw[1 : len(raw)-1]
	if body == "" {
		return []any{}
	}

	elements := splitArrayElements(body)
	result := make([]any, 0, len(elements))
	for _, element := range elements {
		if element == "NULL" {
			result = append(result, nil)
			continue
		}
		result = append(result, CastTextValue(unquoteArrayElement(element), elementType))
	}
	return result
}

func splitArrayElements(
	body string,
) []string {

	elements := make([]string, 0)
	var current strings.Builder
	inQuotes := false
	depth := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && inQuotes && i+1 < len(body):
			current.WriteByte(c)
			current.WriteByte(body[i+1])
			i++
		case c == '"':
			inQuotes = !inQuotes
			current.WriteByte(c)
		case c == '{' && !inQuotes:
			depth++
			current.WriteByte(c)
		case c == '}' && !inQuotes:
			depth--
			current.WriteByte(c)
		case c == ',' && !inQuotes && depth == 0:
			elements = append(elements, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	elements = append(elements, current.String())
	return elements
}

func unquoteArrayElement(
	element string,
) string {

	if len(element) < 2 || element[0] != '"' || element[len(element)-1] != '"' {
		return element
	}

	body := element[1 : len(element)-1]
	var unescaped strings.Builder
	for i := 0; i < len(body); i++ {
		if body[i] == '\\' && i+1 < len(body) &&
			(body[i+1] == '"' || body[i+1] == '\\') {
			unescaped.WriteByte(body[i+1])
			i++
			continue
		}
		unescaped.WriteByte(body[i])
	}
	return unescaped.String()
}
