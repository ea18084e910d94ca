// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sink exports metric aggregates to InfluxDB for offline analysis
// and dashboards.
//
// Export is best effort: a write failure is logged and the next interval
// retries with fresh aggregates. The engine's own decisions never read from
// InfluxDB.
package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/expgate/expgate/services/rollout/metrics"
	"github.com/expgate/expgate/services/rollout/store"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Config configures the exporter.
type Config struct {
	// URL is the InfluxDB server URL. Required.
	URL string

	// Token is the API token. Required.
	Token string

	// Org is the InfluxDB organization. Required.
	Org string

	// Bucket receives the aggregate points. Required.
	Bucket string

	// Interval between exports. Default: 1m
	Interval time.Duration

	// Logger for export failures. If nil, slog.Default.
	Logger *slog.Logger
}

// AggregateSource provides aggregates per experiment. Satisfied by
// *metrics.Collector.
type AggregateSource interface {
	Aggregates(experimentID string) (map[metrics.Key]metrics.Aggregate, error)
}

// Exporter periodically writes per-variant aggregate summaries to InfluxDB.
//
// Thread Safety: Safe for concurrent use.
type Exporter struct {
	config   Config
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	store    *store.Store
	source   AggregateSource
	logger   *slog.Logger
}

// New creates an exporter.
//
// Inputs:
//   - config: Exporter config. URL, Token, Org, and Bucket are required.
//   - st: Configuration store for experiment enumeration. Must not be nil.
//   - source: Aggregate source. Must not be nil.
//
// Outputs:
//   - *Exporter: The new exporter. Never nil. Caller must call Close.
func New(config Config, st *store.Store, source AggregateSource) *Exporter {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(config.URL, config.Token)
	return &Exporter{
		config:   config,
		client:   client,
		writeAPI: client.WriteAPIBlocking(config.Org, config.Bucket),
		store:    st,
		source:   source,
		logger:   logger,
	}
}

// Run exports on the configured interval until ctx is canceled.
//
// Thread Safety: Call once.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Export(ctx)
		}
	}
}

// Export writes one round of aggregate points for every active experiment.
//
// Thread Safety: Safe for concurrent use.
func (e *Exporter) Export(ctx context.Context) {
	snap := e.store.Snapshot()
	now := time.Now()
	for _, exp := range snap.Experiments() {
		if exp.Archived {
			continue
		}
		aggs, err := e.source.Aggregates(exp.ID)
		if err != nil {
			e.logger.Error("aggregate read failed during export",
				slog.String("experiment", exp.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for key, agg := range aggs {
			point := influxdb2.NewPoint("rollout_aggregate",
				map[string]string{
					"experiment": key.ExperimentID,
					"variant":    key.VariantID,
					"metric":     key.Metric,
				},
				map[string]interface{}{
					"count":     agg.Count,
					"mean":      agg.Mean,
					"variance":  agg.Variance,
					"successes": agg.Successes,
				},
				now,
			)
			if err := e.writeAPI.WritePoint(ctx, point); err != nil {
				e.logger.Error("influx write failed",
					slog.String("experiment", key.ExperimentID),
					slog.String("metric", key.Metric),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Close releases the InfluxDB client.
func (e *Exporter) Close() {
	e.client.Close()
}
