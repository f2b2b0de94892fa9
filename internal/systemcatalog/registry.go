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
	"github.com/go-errors/errors"
	"github.com/noctarius/postgres-cdc-ingester/internal/containers"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	"github.com/noctarius/postgres-cdc-ingester/internal/pgdecoding"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
	"github.com/samber/lo"
)

// PrimaryKeyReader resolves the primary key column names of a table
// from pg_index. Implemented by the replication side channel.
type PrimaryKeyReader interface {
	ReadPrimaryKeyColumns(
		schema, table string,
	) ([]string, error)
}

// RelationRegistry caches relation metadata per replication session,
// keyed by relation oid. Entries are created from decoder Relation
// messages and enriched with catalog primary keys on first sight. The
// registry is session local and reset on reconnect.
type RelationRegistry struct {
	cache            *containers.RelationCache[*Relation]
	customTypeNames  map[uint32]string
	primaryKeyReader PrimaryKeyReader
	logger           *logging.Logger
}

func NewRelationRegistry(
	primaryKeyReader PrimaryKeyReader,
) (*RelationRegistry, error) {

	logger, err := logging.NewLogger("RelationRegistry")
	if err != nil {
		return nil, err
	}

	return &RelationRegistry{
		cache:            containers.NewRelationCache[*Relation](),
		customTypeNames:  make(map[uint32]string),
		primaryKeyReader: primaryKeyReader,
		logger:           logger,
	}, nil
}

// Apply ingests a Relation message, resolving column type names and
// primary keys, and replaces any previously cached entry for the same
// oid.
func (rr *RelationRegistry) Apply(
	msg *pgtypes.RelationMessage,
) (*Relation, error) {

	primaryKeyColumns, err := rr.primaryKeyReader.ReadPrimaryKeyColumns(
		msg.Namespace, msg.RelationName,
	)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	columns := lo.Map(msg.Columns, func(column pgtypes.RelationColumn, _ int) Column {
		isPrimaryKey := lo.Contains(primaryKeyColumns, column.Name)
		if len(primaryKeyColumns) == 0 &&
			msg.ReplicaIdentity != pgtypes.ReplicaIdentityFull {
			// No catalog information available; under REPLICA IDENTITY
			// FULL the server raises the key flag on every column, so
			// the flag is only trustworthy otherwise.
			isPrimaryKey = column.IsKey()
		}

		return Column{
			Name:         column.Name,
			TypeOID:      column.DataTypeOID,
			TypeName:     rr.typeName(column.DataTypeOID),
			TypeModifier: column.TypeModifier,
			IsPrimaryKey: isPrimaryKey,
		}
	})

	relation := &Relation{
		OID:             msg.RelationOID,
		Schema:          msg.Namespace,
		Name:            msg.RelationName,
		ReplicaIdentity: msg.ReplicaIdentity,
		Columns:         columns,
	}

	if _, present := rr.cache.Get(msg.RelationOID); present {
		rr.logger.Debugf("relation %s (oid %d) redefined", relation.CanonicalName(), relation.OID)
	}
	rr.cache.Set(msg.RelationOID, relation)
	return relation, nil
}

// RegisterType records the name of a non-builtin data type announced
// through a Type message, making it available for later casts.
func (rr *RelationRegistry) RegisterType(
	msg *pgtypes.TypeMessage,
) {

	rr.customTypeNames[msg.TypeOID] = msg.TypeName
}

func (rr *RelationRegistry) Get(
	oid uint32,
) (*Relation, bool) {

	return rr.cache.Get(oid)
}

func (rr *RelationRegistry) Reset() {
	rr.cache.Reset()
	rr.customTypeNames = make(map[uint32]string)
}

func (rr *RelationRegistry) typeName(
	oid uint32,
) string {

	if name, ok := pgdecoding.TypeNameForOID(oid); ok {
		return name
	}
	if name, ok := rr.customTypeNames[oid]; ok {
		return name
	}
	return ""
}
