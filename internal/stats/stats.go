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

package stats

import (
	"context"
	"net/http"
	"time"

	"github.com/go-errors/errors"
	"github.com/noctarius/postgres-cdc-ingester/internal/version"
	"github.com/segmentio/stats/v4"
	"github.com/segmentio/stats/v4/procstats"
	"github.com/segmentio/stats/v4/prometheus"
	spiconfig "github.com/noctarius/postgres-cdc-ingester/spi/config"
)

type Service struct {
	statsEnabled bool
	handler      *prometheus.Handler
	engine       *stats.Engine
	server       *http.Server
}

func NewStatsService(
	c *spiconfig.Config,
) *Service {

	statsHandler := &prometheus.Handler{
		TrimPrefix: version.BinName,
	}

	statsEnabled := spiconfig.GetOrDefault(c, spiconfig.PropertyStatsEnabled, true)
	runtimeStatsEnabled := spiconfig.GetOrDefault(c, spiconfig.PropertyRuntimeStatsEnabled, true)
	address := spiconfig.GetOrDefault(
		c, spiconfig.PropertyStatsAddress, spiconfig.DefaultStatsAddress,
	)

	engine := stats.NewEngine(version.BinName, statsHandler)
	if runtimeStatsEnabled {
		runtimeMetrics := procstats.NewGoMetricsWith(engine)
		procstats.StartCollector(runtimeMetrics)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", statsHandler.ServeHTTP)

	return &Service{
		statsEnabled: statsEnabled,
		handler:      statsHandler,
		engine:       engine,
		server: &http.Server{
			Addr:    address,
			Handler: mux,
		},
	}
}

func (s *Service) Start() error {
	if s.statsEnabled {
		go func() {
			err := s.server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				panic(err)
			}
		}()
	}
	return nil
}

func (s *Service) Stop() error {
	if !s.statsEnabled {
		return nil
	}
	return s.server.Shutdown(context.Background())
}

func (s *Service) NewReporter(
	prefix string,
) *Reporter {

	engine := s.engine.WithPrefix(prefix)
	return &Reporter{
		statsEnabled: s.statsEnabled,
		engine:       engine,
	}
}

// Reporter is a nil-safe metric sink handed to the replication
// components.
type Reporter struct {
	statsEnabled bool
	engine       *stats.Engine
}

func (r *Reporter) CountFrame(
	frameType string,
) {

	if r == nil || !r.statsEnabled {
		return
	}
	r.engine.Incr("frames.received", stats.Tag{Name: "type", Value: frameType})
}

func (r *Reporter) CountMessage(
	messageType string,
) {

	if r == nil || !r.statsEnabled {
		return
	}
	r.engine.Incr("messages.decoded", stats.Tag{Name: "type", Value: messageType})
}

func (r *Reporter) CountDiscardedMessage(
	messageType string,
) {

	if r == nil || !r.statsEnabled {
		return
	}
	r.engine.Incr("messages.discarded", stats.Tag{Name: "type", Value: messageType})
}

func (r *Reporter) ObserveTransaction(
	slotID string, changes int, persisted int64, elapsed time.Duration,
) {

	if r == nil || !r.statsEnabled {
		return
	}
	r.engine.Incr("transactions.committed", stats.Tag{Name: "slot", Value: slotID})
	r.engine.Add("changes.dispatched", float64(changes), stats.Tag{Name: "slot", Value: slotID})
	r.engine.Add("rows.persisted", float64(persisted), stats.Tag{Name: "slot", Value: slotID})
	r.engine.Observe("persistence.latency", elapsed, stats.Tag{Name: "slot", Value: slotID})
}

func (r *Reporter) CountAck(
	slotID string,
) {

	if r == nil || !r.statsEnabled {
		return
	}
	r.engine.Incr("acks.sent", stats.Tag{Name: "slot", Value: slotID})
}

func (r *Reporter) CountReconnect(
	slotID string,
) {

	if r == nil || !r.statsEnabled {
		return
	}
	r.engine.Incr("sessions.reconnects", stats.Tag{Name: "slot", Value: slotID})
}
