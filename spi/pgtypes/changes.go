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

import "time"

type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// EnrichedChange is a single row change joined with its relation
// metadata, decoded column values, and the commit coordinates of the
// enclosing transaction.
//
// Record carries the new row image (the old one for deletes is in
// OldRecord). Changes carries the previous values of columns whose
// value actually changed, and is only populated for updates under
// REPLICA IDENTITY FULL. Ids lists the primary key values in key
// column order.
type EnrichedChange struct {
	Action      Action
	Schema      string
	Table       string
	RelationOID uint32

	CommitLSN  LSN
	CommitTime time.Time
	Xid        uint32
	Seq        uint64
	TraceID    string

	Ids       []any
	Record    map[string]any
	OldRecord map[string]any
	Changes   map[string]any
}

// TransactionFrame is the ordered batch of enriched changes of one
// committed source transaction.
type TransactionFrame struct {
	Xid        uint32
	CommitLSN  LSN
	EndLSN     LSN
	CommitTime time.Time
	Changes    []EnrichedChange
}
