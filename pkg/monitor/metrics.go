// Copyright The Sandboxd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MetricsHTTPRequestRt = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandboxd_http_request_rt_us",
		Help:    "The time of each http request in microseconds",
		Buckets: []float64{1000, 2000, 3000, 5000, 8000, 20000, 50000},
	}, []string{"path", "method"})

	MetricsHTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sandboxd_http_requests_total",
		Help: "The count of http requests by path, method, and status code",
	}, []string{"path", "method", "code"})

	MetricsHTTPCurrentRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sandboxd_http_current_requests",
		Help: "The count of in-flight http requests by path and method",
	}, []string{"path", "method"})

	MetricsSandboxesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sandboxd_sandboxes_created_total",
		Help: "The count of sandboxes created, by container runtime",
	}, []string{"runtime"})

	MetricsSandboxesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sandboxd_sandboxes_active",
		Help: "The count of sandboxes currently in the registry",
	})

	MetricsExecCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sandboxd_exec_calls_total",
		Help: "The count of exec calls, by standalone/session and outcome",
	}, []string{"mode", "outcome"})

	MetricsExecTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sandboxd_exec_timeouts_total",
		Help: "The count of exec calls that failed with CommandTimeout",
	}, []string{"mode"})

	MetricsReapedContainers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sandboxd_reaped_containers_total",
		Help: "The count of orphaned containers removed by the periodic reaper",
	}, []string{"runtime"})
)

func init() {
	prometheus.MustRegister(
		MetricsHTTPRequestRt,
		MetricsHTTPRequests,
		MetricsHTTPCurrentRequests,
		MetricsSandboxesCreated,
		MetricsSandboxesActive,
		MetricsExecCalls,
		MetricsExecTimeouts,
		MetricsReapedContainers,
	)
}
