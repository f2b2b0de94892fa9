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

package routing

import (
	"sync"
	"time"

	"github.com/noctarius/postgres-cdc-ingester/internal/containers"
)

// Notifier publishes in-process wal_event_inserted notifications per
// pipeline id after a transaction's persistence committed. Listeners
// get a coalescing signal channel; a slow listener never blocks the
// replication path.
type Notifier struct {
	mutex     sync.RWMutex
	listeners map[string][]chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{
		listeners: make(map[string][]chan struct{}),
	}
}

// Subscribe returns a signal channel for the given pipeline id. The
// channel carries at most one pending signal.
func (n *Notifier) Subscribe(
	pipelineID string,
) <-chan struct{} {

	n.mutex.Lock()
	defer n.mutex.Unlock()

	listener := make(chan struct{}, 1)
	n.listeners[pipelineID] = append(n.listeners[pipelineID], listener)
	return listener
}

// NotifyWalEventInserted signals all listeners of the touched
// pipelines.
func (n *Notifier) NotifyWalEventInserted(
	pipelineIDs []string,
) {

	n.mutex.RLock()
	defer n.mutex.RUnlock()

	for _, pipelineID := range pipelineIDs {
		for _, listener := range n.listeners[pipelineID] {
			select {
			case listener <- struct{}{}:
			default:
			}
		}
	}
}

// healthRegistry tracks the last successful delivery per consumer or
// pipeline, keyed by slot id and sink name.
var healthRegistry = containers.NewConcurrentMap[string, time.Time]()

func markHealthy(
	slotID string, sinkNames []string, at time.Time,
) {

	for _, sinkName := range sinkNames {
		healthRegistry.Store(slotID+"/"+sinkName, at)
	}
}

// LastHealthyAt reports when the given consumer or pipeline last
// received a successfully persisted batch.
func LastHealthyAt(
	slotID, sinkName string,
) (time.Time, bool) {

	return healthRegistry.Load(slotID + "/" + sinkName)
}
