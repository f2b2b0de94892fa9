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

package subscriptions

import (
	"github.com/noctarius/postgres-cdc-ingester/spi/pgtypes"
)

// MessageKind selects the delivery shape of a consumer: event kinds
// receive one message per change, record kinds keep the latest state
// per grouping key.
type MessageKind string

const (
	EventKind  MessageKind = "event"
	RecordKind MessageKind = "record"
)

// Subscription is the predicate part shared by consumers and
// pipelines: a schema/table match (empty matches everything), an
// action set (empty matches all actions), and an optional condition
// expression compiled by the router.
type Subscription struct {
	Schema    string
	Table     string
	Actions   []pgtypes.Action
	Condition string
}

type Consumer struct {
	Subscription

	Name         string
	Kind         MessageKind
	GroupColumns []string
}

type Pipeline struct {
	Subscription

	Name string
}

// HandlerContext is the resolved subscription set of one replication
// slot at a point in time. The engine re-resolves it per transaction,
// which makes consumer and pipeline changes take effect without a
// session restart.
type HandlerContext struct {
	SlotID    string
	Consumers []Consumer
	Pipelines []Pipeline
}

// MessageHandler routes and persists the enriched changes of committed
// transactions. Implementations must not advance any durable cursor
// unless HandleMessages returned without error.
type MessageHandler interface {
	Context(slotID string) (*HandlerContext, error)

	HandleMessages(
		ctx *HandlerContext, changes []pgtypes.EnrichedChange,
	) (int64, error)
}
