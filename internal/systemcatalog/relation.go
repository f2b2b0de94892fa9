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

package systemcatalog

import (
	"fmt"

	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
	"github.com/samber/lo"
)

type Column struct {
	Name         string
	TypeOID      uint32
	TypeName     string
	TypeModifier int32
	IsPrimaryKey bool
}

// Relation is the cached schema snapshot of one replicated table,
// assembled from the decoder's Relation message and the catalog's
// primary key information.
type Relation struct {
	OID             uint32
	Schema          string
	Name            string
	ReplicaIdentity pgtypes.ReplicaIdentity
	Columns         []Column
}

func (r *Relation) CanonicalName() string {
	return fmt.Sprintf("%s.%s", r.Schema, r.Name)
}

func (r *Relation) KeyColumns() []Column {
	return lo.Filter(r.Columns, func(column Column, _ int) bool {
		return column.IsPrimaryKey
	})
}

func (r *Relation) KeyColumnNames() []string {
	return lo.Map(r.KeyColumns(), func(column Column, _ int) string {
		return column.Name
	})
}

func (r *Relation) Column(
	name string,
) (Column, bool) {

	return lo.Find(r.Columns, func(column Column) bool {
		return column.Name == name
	})
}
