/*
Copyright 2025 The AddLidar Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes the orchestrator's prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// ScansTotal counts completed change-detection scans.
	ScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lidar_scans_total",
		Help: "Number of change detection scans run.",
	})
	// FoldersChanged counts folders emitted to the worklist.
	FoldersChanged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lidar_folders_changed_total",
		Help: "Number of folders detected as changed.",
	})
	// JobsSubmitted counts cluster jobs created, by kind.
	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lidar_jobs_submitted_total",
		Help: "Number of cluster jobs submitted.",
	}, []string{"kind"})
	// JobsFinished counts jobs that reached a terminal status, by status.
	JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lidar_jobs_finished_total",
		Help: "Number of jobs that reached a terminal status.",
	}, []string{"status"})
	// ActiveWatchers tracks the number of live job watchers.
	ActiveWatchers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lidar_active_watchers",
		Help: "Number of background job watchers currently running.",
	})
)

func init() {
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(FoldersChanged)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(ActiveWatchers)
}

// Serve starts an HTTP server for prometheus metrics on the given port.
// It does not return.
func Serve(port int) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: metricsMux}
	logrus.WithError(server.ListenAndServe()).Fatal("Metrics server stopped.")
}
