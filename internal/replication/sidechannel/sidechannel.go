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

package sidechannel

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-errors/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/noctarius/postgres-cdc-ingester/internal/containers"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	spiconfig "github.com/noctarius/postgres-cdc-ingester/spi/config"
)

const readPrimaryKeyColumnsQuery = `
SELECT a.attname
FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = (quote_ident($1) || '.' || quote_ident($2))::regclass
  AND i.indisprimary`

const existsPublicationQuery = `
SELECT true FROM pg_publication WHERE pubname = $1`

const existsReplicationSlotQuery = `
SELECT true FROM pg_replication_slots WHERE slot_name = $1`

const createPublicationForAllTablesQuery = "CREATE PUBLICATION %s FOR ALL TABLES"

const queryTimeout = time.Second * 15

// sideChannels deduplicates catalog connections per replication slot
// id; the catalog pool is shared by all sessions of the same slot and
// is distinct from the replication socket.
var sideChannels = containers.NewConcurrentMap[string, *SideChannel]()

type SideChannel struct {
	slotID string
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// GetSideChannel returns the side channel of the given slot, opening
// the catalog connection pool on first use.
func GetSideChannel(
	slotConfig spiconfig.SlotConfig,
) (*SideChannel, error) {

	if existing, ok := sideChannels.Load(slotConfig.ID); ok {
		return existing, nil
	}

	logger, err := logging.NewLogger("SideChannel")
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(ConnectionString(slotConfig.Connection))
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	poolConfig.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	sideChannel := &SideChannel{
		slotID: slotConfig.ID,
		pool:   pool,
		logger: logger,
	}

	if actual, loaded := sideChannels.LoadOrStore(slotConfig.ID, sideChannel); loaded {
		pool.Close()
		return actual, nil
	}
	return sideChannel, nil
}

// ReleaseSideChannel closes and unregisters the slot's catalog pool.
func ReleaseSideChannel(
	slotID string,
) {

	if sideChannel, loaded := sideChannels.LoadAndDelete(slotID); loaded {
		sideChannel.pool.Close()
	}
}

// ConnectionString renders the keyword/value connection string for the
// given connection parameters.
func ConnectionString(
	connection spiconfig.ConnectionConfig,
) string {

	sslMode := connection.Ssl
	if sslMode == "" {
		sslMode = spiconfig.SslPrefer
	}

	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		connection.Host, connection.Port, connection.Database,
		connection.User, connection.Password, sslMode,
	)
}

// ReadPrimaryKeyColumns returns the primary key column names of the
// given table; the order of the names is not defined. Transient failures are retried with
// exponential backoff; a definitive catalog error is returned to the
// caller and terminates the session.
func (sc *SideChannel) ReadPrimaryKeyColumns(
	schema, table string,
) ([]string, error) {

	var columnNames []string
	operation := func() error {
		names, err := sc.readPrimaryKeyColumns(schema, table)
		if err != nil {
			if isRetryableError(err) {
				sc.logger.Warnf(
					"primary key lookup for %s.%s failed, retrying: %s", schema, table, err,
				)
				return err
			}
			return backoff.Permanent(err)
		}
		columnNames = names
		return nil
	}

	retryPolicy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(operation, retryPolicy); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return columnNames, nil
}

func (sc *SideChannel) readPrimaryKeyColumns(
	schema, table string,
) ([]string, error) {

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := sc.pool.Query(ctx, readPrimaryKeyColumnsQuery, schema, table)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ExistsPublication checks the publication exists on the upstream
// server before replication starts.
func (sc *SideChannel) ExistsPublication(
	name string,
) (bool, error) {

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var exists bool
	if err := sc.pool.QueryRow(ctx, existsPublicationQuery, name).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, 0)
	}
	return exists, nil
}

// CreatePublication creates a FOR ALL TABLES publication with the
// given name.
func (sc *SideChannel) CreatePublication(
	name string,
) error {

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if _, err := sc.pool.Exec(
		ctx, fmt.Sprintf(createPublicationForAllTablesQuery, name),
	); err != nil {
		return errors.Wrap(err, 0)
	}
	sc.logger.Infof("created publication %s", name)
	return nil
}

// ExistsReplicationSlot checks for a server side replication slot of
// the given name.
func (sc *SideChannel) ExistsReplicationSlot(
	name string,
) (bool, error) {

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var exists bool
	if err := sc.pool.QueryRow(ctx, existsReplicationSlotQuery, name).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, 0)
	}
	return exists, nil
}

func isRetryableError(
	err error,
) bool {

	if pgErr, ok := err.(*pgconn.PgError); ok {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code) ||
			pgErr.Code == pgerrcode.LockNotAvailable
	}
	// Non-Postgres errors are assumed to be network conditions.
	return true
}
