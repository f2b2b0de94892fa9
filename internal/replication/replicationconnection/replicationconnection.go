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

package replicationconnection

import (
	stdcontext "context"
	"fmt"
	"time"

	"github.com/go-errors/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/replicationcontext"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/sidechannel"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
)

const outputPlugin = "pgoutput"

// ReplicationConnection owns the CopyBoth socket of one replication
// session: startup, frame reception, standby status updates, and
// teardown.
type ReplicationConnection struct {
	logger             *logging.Logger
	replicationContext *replicationcontext.ReplicationContext

	conn                   *pgconn.PgConn
	identification         pglogrepl.IdentifySystemResult
	replicationSlotCreated bool
}

func NewReplicationConnection(
	replicationContext *replicationcontext.ReplicationContext,
) (*ReplicationConnection, error) {

	logger, err := logging.NewLogger("ReplicationConnection")
	if err != nil {
		return nil, err
	}

	rc := &ReplicationConnection{
		logger:             logger,
		replicationContext: replicationContext,
	}

	if err := rc.connect(); err != nil {
		return nil, err
	}

	identification, err := pglogrepl.IdentifySystem(stdcontext.Background(), rc.conn)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	rc.identification = identification

	rc.logger.Infof("SystemId: %s, Timeline: %d, XLogPos: %s, DatabaseName: %s",
		identification.SystemID, identification.Timeline,
		identification.XLogPos, identification.DBName,
	)
	return rc, nil
}

// ReceiveMessage reads the next backend message, bounded by the given
// deadline. A timeout returns nil, nil so the caller can service its
// status update schedule.
func (rc *ReplicationConnection) ReceiveMessage(
	deadline time.Time,
) (pgproto3.BackendMessage, error) {

	ctx, cancel := stdcontext.WithDeadline(stdcontext.Background(), deadline)
	defer cancel()

	msg, err := rc.conn.ReceiveMessage(ctx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ReceiveMessage failed: %s", err)
	}
	return msg, nil
}

// SendStatusUpdate advertises the last durably processed position. The
// reported positions are incremented by one so the server doesn't
// re-deliver the already persisted commit record after a restart.
func (rc *ReplicationConnection) SendStatusUpdate() error {
	processedLSN := rc.replicationContext.LastProcessedLSN()
	if processedLSN == pgtypes.InvalidLSN {
		return nil
	}

	if err := pglogrepl.SendStandbyStatusUpdate(stdcontext.Background(), rc.conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: processedLSN.AsXLogPos() + 1,
			WALFlushPosition: processedLSN.AsXLogPos() + 1,
			WALApplyPosition: processedLSN.AsXLogPos() + 1,
		},
	); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

// CreateReplicationSlot ensures the server side slot exists if the
// configuration asks for it.
func (rc *ReplicationConnection) CreateReplicationSlot() (created bool, err error) {
	if !rc.replicationContext.ReplicationSlotCreate() {
		return false, nil
	}

	slotName := rc.replicationContext.ReplicationSlotName()

	sideChannel, err := sidechannel.GetSideChannel(rc.replicationContext.SlotConfig())
	if err != nil {
		return false, err
	}

	found, err := sideChannel.ExistsReplicationSlot(slotName)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	if _, err := pglogrepl.CreateReplicationSlot(
		stdcontext.Background(), rc.conn, slotName, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{
			SnapshotAction: "EXPORT_SNAPSHOT",
		},
	); err != nil {
		return false, errors.Wrap(err, 0)
	}

	rc.replicationSlotCreated = true
	rc.logger.Infof("Created replication slot %s", slotName)
	return true, nil
}

// StartReplication enters CopyBoth mode. The start position 0/0 lets
// the server resume from the slot's confirmed flush position.
func (rc *ReplicationConnection) StartReplication() error {
	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", rc.replicationContext.PublicationName()),
	}

	if err := pglogrepl.StartReplication(
		stdcontext.Background(), rc.conn,
		rc.replicationContext.ReplicationSlotName(), 0,
		pglogrepl.StartReplicationOptions{
			PluginArgs: pluginArguments,
		},
	); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

// StopReplication leaves CopyBoth mode. The server answers CopyDone
// with an internal error when the stream already collapsed; that case
// is not a failure.
func (rc *ReplicationConnection) StopReplication() error {
	_, err := pglogrepl.SendStandbyCopyDone(stdcontext.Background(), rc.conn)
	if e, ok := err.(*pgconn.PgError); ok {
		if e.Code == pgerrcode.InternalError {
			return nil
		}
	}
	if err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

// DropReplicationSlot removes the slot again if this session created
// it and the configuration asks for automatic cleanup.
func (rc *ReplicationConnection) DropReplicationSlot() error {
	if !rc.replicationSlotCreated || !rc.replicationContext.ReplicationSlotAutoDrop() {
		return nil
	}

	if err := pglogrepl.DropReplicationSlot(
		stdcontext.Background(), rc.conn, rc.replicationContext.ReplicationSlotName(),
		pglogrepl.DropReplicationSlotOptions{
			Wait: true,
		},
	); err != nil {
		return errors.Wrap(err, 0)
	}
	rc.logger.Infoln("Dropped replication slot")
	return nil
}

func (rc *ReplicationConnection) Close() error {
	return rc.conn.Close(stdcontext.Background())
}

func (rc *ReplicationConnection) connect() error {
	connectionString := fmt.Sprintf(
		"%s replication=database",
		sidechannel.ConnectionString(rc.replicationContext.Connection()),
	)

	connConfig, err := pgconn.ParseConfig(connectionString)
	if err != nil {
		return errors.Wrap(err, 0)
	}

	conn, err := pgconn.ConnectConfig(stdcontext.Background(), connConfig)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	rc.conn = conn
	return nil
}
