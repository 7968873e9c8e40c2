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

// Package status holds the in-memory registry of job statuses and the
// subscriber associations used to push updates to connected clients.
package status

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job lifecycle phases. The last five are terminal.
const (
	Created            = "Created"
	Running            = "Running"
	Complete           = "Complete"
	SuccessCriteriaMet = "SuccessCriteriaMet"
	Failed             = "Failed"
	FailureTarget      = "FailureTarget"
	// Error means the watcher itself died, not a cluster-reported state.
	Error = "Error"
	// Pending is never stored; it is the snapshot sent to subscribers of
	// jobs the registry does not know yet.
	Pending = "Pending"
)

// statusRank orders the lifecycle so stale events cannot move a job
// backwards. Terminal states share a rank; the first one wins.
var statusRank = map[string]int{
	Created:            1,
	Running:            2,
	Complete:           3,
	SuccessCriteriaMet: 3,
	Failed:             3,
	FailureTarget:      3,
	Error:              3,
}

// IsTerminal reports whether a status ends the job lifecycle.
func IsTerminal(s string) bool {
	switch s {
	case Complete, SuccessCriteriaMet, Failed, FailureTarget, Error:
		return true
	}
	return false
}

// JobStatus is the full in-memory record for one job.
type JobStatus struct {
	JobName    string    `json:"job_name"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	TotalTimeS int64     `json:"total_time_s"`
	CLIArgs    []string  `json:"cli_args,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Logs       *string   `json:"logs"`
}

// Patch is a partial update. Nil fields leave the current value alone;
// a patch never clears a field by omission.
type Patch struct {
	Status     *string
	Message    *string
	CreatedAt  *time.Time
	CLIArgs    []string
	OutputPath *string
	Logs       *string
}

// Subscriber receives every registry update for one job. Deliver
// returning an error unregisters the subscriber; Close is called when
// it is evicted or its job is deleted.
type Subscriber interface {
	Deliver(JobStatus) error
	Close()
}

// Registry is the process-wide job status map. All methods are safe
// for concurrent use.
type Registry struct {
	mu          sync.Mutex
	jobs        map[string]*JobStatus
	subscribers map[string]Subscriber

	// now is the clock, overridable in tests.
	now func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:        map[string]*JobStatus{},
		subscribers: map[string]Subscriber{},
		now:         time.Now,
	}
}

// Update merges the patch into the job's record, creating it if absent,
// and delivers the merged record to the job's subscriber. A status that
// would move the lifecycle backwards is dropped from the patch; the
// other fields still apply.
func (r *Registry) Update(jobName string, patch Patch) JobStatus {
	r.mu.Lock()
	cur, ok := r.jobs[jobName]
	if !ok {
		cur = &JobStatus{JobName: jobName}
		r.jobs[jobName] = cur
	}
	if patch.Status != nil {
		if ok && statusRank[*patch.Status] < statusRank[cur.Status] {
			logrus.WithFields(logrus.Fields{
				"job":     jobName,
				"current": cur.Status,
				"stale":   *patch.Status,
			}).Debug("Suppressing out-of-order status.")
		} else if !(IsTerminal(cur.Status) && *patch.Status != cur.Status) {
			cur.Status = *patch.Status
		}
	}
	if patch.Message != nil {
		cur.Message = *patch.Message
	}
	if patch.CreatedAt != nil {
		cur.CreatedAt = *patch.CreatedAt
	}
	if patch.CLIArgs != nil {
		cur.CLIArgs = patch.CLIArgs
	}
	if patch.OutputPath != nil {
		cur.OutputPath = *patch.OutputPath
	}
	if patch.Logs != nil {
		cur.Logs = patch.Logs
	}
	cur.UpdatedAt = r.now()
	if !cur.CreatedAt.IsZero() {
		cur.TotalTimeS = int64(cur.UpdatedAt.Sub(cur.CreatedAt).Seconds())
	}
	snapshot := *cur
	sub := r.subscribers[jobName]
	r.mu.Unlock()

	if sub != nil {
		if err := sub.Deliver(snapshot); err != nil {
			logrus.WithError(err).WithField("job", jobName).Debug("Subscriber delivery failed, unregistering.")
			r.Unsubscribe(jobName, sub)
		}
	}
	return snapshot
}

// Get returns the job's record and whether it exists.
func (r *Registry) Get(jobName string) (JobStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[jobName]
	if !ok {
		return JobStatus{}, false
	}
	return *cur, true
}

// Delete removes the job's record and closes its subscriber, if any.
// It is a no-op for unknown jobs.
func (r *Registry) Delete(jobName string) {
	r.mu.Lock()
	delete(r.jobs, jobName)
	sub := r.subscribers[jobName]
	delete(r.subscribers, jobName)
	r.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

// Subscribe registers sub as the job's sole subscriber. A previously
// registered subscriber is closed first.
func (r *Registry) Subscribe(jobName string, sub Subscriber) {
	r.mu.Lock()
	prev := r.subscribers[jobName]
	r.subscribers[jobName] = sub
	r.mu.Unlock()

	if prev != nil && prev != sub {
		prev.Close()
	}
}

// Unsubscribe removes sub if it is still the registered subscriber.
// The identity check keeps an evicted subscriber's teardown from
// removing its replacement.
func (r *Registry) Unsubscribe(jobName string, sub Subscriber) {
	r.mu.Lock()
	if r.subscribers[jobName] == sub {
		delete(r.subscribers, jobName)
	}
	r.mu.Unlock()
}
