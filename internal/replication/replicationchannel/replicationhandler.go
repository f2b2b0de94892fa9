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

package replicationchannel

import (
	"runtime"
	"time"

	"github.com/go-errors/errors"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/noctarius/postgres-cdc-ingester/internal/logging"
	"github.com/noctarius/postgres-cdc-ingester/internal/pgdecoding"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/replicationconnection"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/replicationcontext"
	"github.com/noctarius/postgres-cdc-ingester/internal/replication/transactiontracker"
	"github.com/noctarius/postgres-cdc-ingester/internal/stats"
	"github.com/noctarius/postgres-cdc-ingester/internal/waiting"
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
	"github.com/noctarius/postgres-cdc-ingester/spi/subscriptions"
)

const standbyMessageTimeout = time.Second * 10

// replicationHandler runs the per-session hot loop: read a frame,
// route it, maybe acknowledge. The loop owns the socket exclusively;
// everything downstream of it (enrichment, routing, persistence) runs
// synchronously on the same goroutine to preserve commit order.
type replicationHandler struct {
	replicationContext *replicationcontext.ReplicationContext
	tracker            *transactiontracker.TransactionTracker
	messageHandler     subscriptions.MessageHandler
	connection         *replicationconnection.ReplicationConnection
	shutdownAwaiter    *waiting.ShutdownAwaiter
	reporter           *stats.Reporter
	logger             *logging.Logger
}

func newReplicationHandler(
	replicationContext *replicationcontext.ReplicationContext,
	tracker *transactiontracker.TransactionTracker,
	messageHandler subscriptions.MessageHandler,
	reporter *stats.Reporter,
) (*replicationHandler, error) {

	logger, err := logging.NewLogger("ReplicationHandler")
	if err != nil {
		return nil, err
	}

	return &replicationHandler{
		replicationContext: replicationContext,
		tracker:            tracker,
		messageHandler:     messageHandler,
		shutdownAwaiter:    waiting.NewShutdownAwaiter(),
		reporter:           reporter,
		logger:             logger,
	}, nil
}

func (rh *replicationHandler) stopReplicationHandler() error {
	rh.logger.Println("Starting to shutdown")
	rh.shutdownAwaiter.SignalShutdown()
	return rh.shutdownAwaiter.AwaitDone()
}

func (rh *replicationHandler) startReplicationHandler(
	connection *replicationconnection.ReplicationConnection,
) error {

	rh.connection = connection
	nextStandbyMessageDeadline := time.Now().Add(standbyMessageTimeout)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer rh.shutdownAwaiter.SignalDone()

	for {
		select {
		case <-rh.shutdownAwaiter.AwaitShutdownChan():
			return nil
		default:
		}

		if time.Now().After(nextStandbyMessageDeadline) {
			if err := connection.SendStatusUpdate(); err != nil {
				return errors.Wrap(err, 0)
			}
			rh.reporter.CountAck(rh.replicationContext.SlotID())
			nextStandbyMessageDeadline = time.Now().Add(standbyMessageTimeout)
		}

		rawMsg, err := connection.ReceiveMessage(nextStandbyMessageDeadline)
		if err != nil {
			return errors.Wrap(err, 0)
		}

		// Timeout reached; loop around for the status update
		if rawMsg == nil {
			continue
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return errors.Errorf("received Postgres WAL error: %+v", errMsg)
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			rh.logger.Warnf("Received unexpected message: %T", rawMsg)
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			rh.reporter.CountFrame("keepalive")
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return errors.Wrap(err, 0)
			}

			// Nothing processed yet; answer with the server's WAL end
			// instead of position zero
			if rh.replicationContext.LastProcessedLSN() == pgtypes.InvalidLSN {
				rh.replicationContext.SetPositionLSNs(
					pgtypes.LSN(pkm.ServerWALEnd), pgtypes.LSN(pkm.ServerWALEnd),
				)
			}

			if pkm.ReplyRequested {
				nextStandbyMessageDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			rh.reporter.CountFrame("xlogdata")
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return errors.Wrap(err, 0)
			}
			if err := rh.handleXLogData(xld); err != nil {
				return err
			}

		default:
			rh.logger.Warnf("Skipping unknown replication frame tag %q", msg.Data[0])
		}
	}
}

func (rh *replicationHandler) handleXLogData(
	xld pglogrepl.XLogData,
) error {

	msg, err := pgdecoding.ParseXLogData(xld.WALData)
	if err != nil {
		return err
	}
	rh.reporter.CountMessage(msg.Type().String())

	if err := rh.dispatch(msg); err != nil {
		return err
	}

	rh.replicationContext.AcknowledgeReceived(
		pgtypes.LSN(xld.WALStart) + pgtypes.LSN(len(xld.WALData)),
	)

	// Free memory early, records may queue up behind a slow commit
	xld.WALData = nil
	return nil
}

func (rh *replicationHandler) dispatch(
	msg pgtypes.LogicalMessage,
) error {

	switch logicalMsg := msg.(type) {
	case *pgtypes.RelationMessage:
		return rh.tracker.OnRelation(logicalMsg)
	case *pgtypes.BeginMessage:
		return rh.tracker.OnBegin(logicalMsg)
	case *pgtypes.InsertMessage:
		return rh.tracker.OnInsert(logicalMsg)
	case *pgtypes.UpdateMessage:
		return rh.tracker.OnUpdate(logicalMsg)
	case *pgtypes.DeleteMessage:
		return rh.tracker.OnDelete(logicalMsg)
	case *pgtypes.TruncateMessage:
		rh.reporter.CountDiscardedMessage(msg.Type().String())
		return rh.tracker.OnTruncate(logicalMsg)
	case *pgtypes.TypeMessage:
		return rh.tracker.OnType(logicalMsg)
	case *pgtypes.OriginMessage:
		rh.reporter.CountDiscardedMessage(msg.Type().String())
		return rh.tracker.OnOrigin(logicalMsg)
	case *pgtypes.CommitMessage:
		return rh.handleCommit(logicalMsg)
	}
	return errors.Errorf("unknown message type in pgoutput stream: %T", msg)
}

// handleCommit finishes the transaction: the assembled frame is routed
// and persisted, and only after the store transaction committed does
// the acknowledgement cursor advance and the status update go out.
func (rh *replicationHandler) handleCommit(
	msg *pgtypes.CommitMessage,
) error {

	frame, err := rh.tracker.OnCommit(msg)
	if err != nil {
		return err
	}

	started := time.Now()

	var persisted int64
	if len(frame.Changes) > 0 {
		handlerContext, err := rh.messageHandler.Context(rh.replicationContext.SlotID())
		if err != nil {
			return errors.Wrap(err, 0)
		}

		persisted, err = rh.messageHandler.HandleMessages(handlerContext, frame.Changes)
		if err != nil {
			return err
		}
	}

	rh.replicationContext.AcknowledgeProcessed(frame.CommitLSN)
	if err := rh.connection.SendStatusUpdate(); err != nil {
		return err
	}
	rh.reporter.CountAck(rh.replicationContext.SlotID())
	rh.reporter.ObserveTransaction(
		rh.replicationContext.SlotID(), len(frame.Changes), persisted, time.Since(started),
	)
	return nil
}
