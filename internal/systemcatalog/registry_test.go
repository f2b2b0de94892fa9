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
	"testing"

	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPrimaryKeyReader struct {
	keys  map[string][]string
	calls int
}

func (s *stubPrimaryKeyReader) ReadPrimaryKeyColumns(
	schema, table string,
) ([]string, error) {

	s.calls++
	return s.keys[schema+"."+table], nil
}

func usersRelationMessage(
	replicaIdentity pgtypes.ReplicaIdentity, keyFlags uint8,
) *pgtypes.RelationMessage {

	return &pgtypes.RelationMessage{
		RelationOID:     16384,
		Namespace:       "public",
		RelationName:    "users",
		ReplicaIdentity: replicaIdentity,
		Columns: []pgtypes.RelationColumn{
			{Flags: keyFlags, Name: "id", DataTypeOID: 23, TypeModifier: -1},
			{Flags: keyFlags, Name: "name", DataTypeOID: 25, TypeModifier: -1},
		},
	}
}

func Test_Registry_Applies_Catalog_Primary_Keys(
	t *testing.T,
) {

	reader := &stubPrimaryKeyReader{
		keys: map[string][]string{"public.users": {"id"}},
	}
	registry, err := NewRelationRegistry(reader)
	require.NoError(t, err)

	relation, err := registry.Apply(usersRelationMessage(pgtypes.ReplicaIdentityDefault, 0))
	require.NoError(t, err)

	assert.Equal(t, "public.users", relation.CanonicalName())
	assert.Equal(t, []string{"id"}, relation.KeyColumnNames())
	assert.Equal(t, "int4", relation.Columns[0].TypeName)
	assert.Equal(t, "text", relation.Columns[1].TypeName)

	cached, present := registry.Get(16384)
	assert.True(t, present)
	assert.Equal(t, relation, cached)
}

func Test_Registry_Ignores_Protocol_Key_Flags_Under_Replica_Full(
	t *testing.T,
) {

	// Under REPLICA IDENTITY FULL the server flags every column as
	// key; only the catalog information may be trusted.
	reader := &stubPrimaryKeyReader{
		keys: map[string][]string{"public.users": {"id"}},
	}
	registry, err := NewRelationRegistry(reader)
	require.NoError(t, err)

	relation, err := registry.Apply(usersRelationMessage(pgtypes.ReplicaIdentityFull, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, relation.KeyColumnNames())
}

func Test_Registry_Falls_Back_To_Protocol_Flags_Without_Catalog_Keys(
	t *testing.T,
) {

	reader := &stubPrimaryKeyReader{keys: map[string][]string{}}
	registry, err := NewRelationRegistry(reader)
	require.NoError(t, err)

	msg := usersRelationMessage(pgtypes.ReplicaIdentityDefault, 0)
	msg.Columns[0].Flags = 1

	relation, err := registry.Apply(msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, relation.KeyColumnNames())
}

func Test_Registry_Relation_Redefinition_Overwrites(
	t *testing.T,
) {

	reader := &stubPrimaryKeyReader{
		keys: map[string][]string{"public.users": {"id"}},
	}
	registry, err := NewRelationRegistry(reader)
	require.NoError(t, err)

	_, err = registry.Apply(usersRelationMessage(pgtypes.ReplicaIdentityDefault, 0))
	require.NoError(t, err)

	redefined := usersRelationMessage(pgtypes.ReplicaIdentityDefault, 0)
	redefined.Columns = redefined.Columns[:1]

	relation, err := registry.Apply(redefined)
	require.NoError(t, err)
	assert.Len(t, relation.Columns, 1)

	cached, present := registry.Get(16384)
	assert.True(t, present)
	assert.Len(t, cached.Columns, 1)
}

func Test_Registry_Custom_Type_Names(
	t *testing.T,
) {

	reader := &stubPrimaryKeyReader{keys: map[string][]string{}}
	registry, err := NewRelationRegistry(reader)
	require.NoError(t, err)

	registry.RegisterType(&pgtypes.TypeMessage{
		TypeOID:   24576,
		Namespace: "public",
		TypeName:  "mood",
	})

	msg := usersRelationMessage(pgtypes.ReplicaIdentityDefault, 1)
	msg.Columns[1].DataTypeOID = 24576

	relation, err := registry.Apply(msg)
	require.NoError(t, err)
	assert.Equal(t, "mood", relation.Columns[1].TypeName)
}

func Test_Registry_Reset_Clears_Cache(
	t *testing.T,
) {

	reader := &stubPrimaryKeyReader{
		keys: map[string][]string{"public.users": {"id"}},
	}
	registry, err := NewRelationRegistry(reader)
	require.NoError(t, err)

	_, err = registry.Apply(usersRelationMessage(pgtypes.ReplicaIdentityDefault, 0))
	require.NoError(t, err)

	registry.Reset()
	_, present := registry.Get(16384)
	assert.False(t, present)
}
