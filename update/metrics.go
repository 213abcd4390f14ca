// Copyright 2024 The FUOTA Manager authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package update

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	counterUpdatesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuota_updates_started_total",
		Help: "Number of update sessions that passed policy and began downloading.",
	})
	counterUpdatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuota_updates_rejected_total",
		Help: "Number of start_update requests rejected by policy, by reason.",
	}, []string{"reason"})
	counterWriteVerifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuota_write_verify_failures_total",
		Help: "Number of chunk writes that failed read-back verification.",
	})
	counterSessionsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuota_sessions_abandoned_total",
		Help: "Number of sessions degraded to Idle before reaching PendingActivation.",
	})
	counterFinalizeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuota_finalize_failures_total",
		Help: "Number of downloads that failed integrity verification.",
	})
	counterUpdatesPending = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuota_updates_pending_total",
		Help: "Number of sessions that reached PendingActivation.",
	})
	counterUpdatesConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuota_updates_confirmed_total",
		Help: "Number of updates confirmed by the new firmware.",
	})
)
