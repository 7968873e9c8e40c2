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

// Package controller submits jobs through the cluster adapter, owns
// their registry records and reconciles terminal states back into the
// catalog. One watcher goroutine runs per tracked job.
package controller

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"

	"github.com/epfl-enac/lidar-orchestrator/catalog"
	"github.com/epfl-enac/lidar-orchestrator/jobspec"
	"github.com/epfl-enac/lidar-orchestrator/kube"
	"github.com/epfl-enac/lidar-orchestrator/metrics"
	"github.com/epfl-enac/lidar-orchestrator/status"
)

// Batch recipe kinds accepted by SubmitBatch.
const (
	BatchArchive   = "archive"
	BatchConverter = "converter"
)

// batchTrack remembers which catalog rows a batch job carries so the
// controller can reconcile rows the in-container post-step never
// reached.
type batchTrack struct {
	kind      string
	keys      []string
	submitted time.Time
}

// Controller couples request intake and change detection to the
// cluster. Safe for concurrent use.
type Controller struct {
	Client    kube.Interface
	Registry  *status.Registry
	Catalog   *catalog.Store
	Config    jobspec.Config
	// OutputRoot is the host-side directory backing the output volume;
	// Stop removes artifacts beneath it.
	OutputRoot string

	Log *logrus.Entry
	// Now is the clock, overridable in tests.
	Now func() time.Time
	// WatchBackoff is the delay before reopening a server-closed watch
	// stream. Zero means the 2s default.
	WatchBackoff time.Duration

	mu       sync.Mutex
	watchers map[string]chan struct{}
	batches  map[string]batchTrack
	wg       sync.WaitGroup
}

func (c *Controller) log() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// SubmitSingle builds and submits a one-shot processor job for the
// CLI argument vector, records it as Created and starts its watcher.
// It returns as soon as the cluster accepts the manifest.
func (c *Controller) SubmitSingle(cliArgs []string) (string, string, error) {
	job, outputName, fullArgs := jobspec.Single(cliArgs, c.Config)
	name, err := c.Client.CreateJob(job)
	if err != nil {
		return "", "", fmt.Errorf("creating job: %w", err)
	}

	now := c.now()
	st := status.Created
	c.Registry.Update(name, status.Patch{
		Status:     &st,
		CreatedAt:  &now,
		CLIArgs:    fullArgs,
		OutputPath: &outputName,
	})
	metrics.JobsSubmitted.WithLabelValues("process").Inc()
	c.log().WithFields(logrus.Fields{"job": name, "output": outputName}).Info("Submitted job.")

	c.startWatcher(name, nil)
	return name, outputName, nil
}

// SubmitBatch renders one indexed job over the worklist keys and marks
// the corresponding catalog rows running. kind selects the recipe.
func (c *Controller) SubmitBatch(keys []string, kind string) (string, error) {
	if len(keys) == 0 {
		return "", errors.New("empty worklist")
	}
	now := c.now()
	var job *batchv1.Job
	switch kind {
	case BatchArchive:
		job = jobspec.ArchiveBatch(keys, c.Config, now)
	case BatchConverter:
		job = jobspec.ConverterBatch(keys, c.Config, now)
	default:
		return "", fmt.Errorf("unknown batch kind %q", kind)
	}

	name, err := c.Client.CreateJob(job)
	if err != nil {
		return "", fmt.Errorf("creating batch job: %w", err)
	}
	for _, key := range keys {
		var markErr error
		if kind == BatchConverter {
			markErr = c.Catalog.MarkMissionRunning(key)
		} else {
			markErr = c.Catalog.MarkFolderRunning(key)
		}
		if markErr != nil {
			c.log().WithError(markErr).WithField("key", key).Error("Error marking record running.")
		}
	}

	track := batchTrack{kind: kind, keys: keys, submitted: now}
	st := status.Created
	c.Registry.Update(name, status.Patch{Status: &st, CreatedAt: &now})
	metrics.JobsSubmitted.WithLabelValues(kind).Inc()
	c.log().WithFields(logrus.Fields{"job": name, "items": len(keys), "kind": kind}).Info("Submitted batch job.")

	c.startWatcher(name, &track)
	return name, nil
}

// Stop deletes the cluster job, cancels its watcher, removes its
// registry entry (closing any subscriber) and removes its output
// artifact. Idempotent; safe on already-terminal jobs.
func (c *Controller) Stop(jobName string) error {
	c.mu.Lock()
	if stop, ok := c.watchers[jobName]; ok {
		close(stop)
		delete(c.watchers, jobName)
	}
	delete(c.batches, jobName)
	c.mu.Unlock()

	if err := c.Client.DeleteJob(jobName); err != nil && !errors.Is(err, kube.ErrNotFound) {
		return fmt.Errorf("deleting job: %w", err)
	}

	if st, ok := c.Registry.Get(jobName); ok && st.OutputPath != "" && c.OutputRoot != "" {
		artifact := filepath.Join(c.OutputRoot, st.OutputPath)
		if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
			c.log().WithError(err).WithField("artifact", artifact).Warn("Could not remove output artifact.")
		}
	}
	c.Registry.Delete(jobName)
	c.log().WithField("job", jobName).Info("Stopped job.")
	return nil
}

// Shutdown cancels every watcher and waits for them to exit.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	for name, stop := range c.watchers {
		close(stop)
		delete(c.watchers, name)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// startWatcher launches a watcher goroutine for the named job. At most
// one watcher per name exists; a previous one is signalled to stop.
func (c *Controller) startWatcher(jobName string, track *batchTrack) {
	stop := make(chan struct{})

	c.mu.Lock()
	if c.watchers == nil {
		c.watchers = map[string]chan struct{}{}
	}
	if c.batches == nil {
		c.batches = map[string]batchTrack{}
	}
	if prev, ok := c.watchers[jobName]; ok {
		close(prev)
	}
	c.watchers[jobName] = stop
	if track != nil {
		c.batches[jobName] = *track
	}
	c.mu.Unlock()

	metrics.ActiveWatchers.Inc()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer metrics.ActiveWatchers.Dec()
		c.watch(jobName, stop)
	}()
}

// watch tracks its job across cluster event streams until a terminal
// condition, an unrecoverable failure or a stop signal. Api-servers
// close watch streams routinely (timeouts, etcd compaction), so a
// server-side close is not terminal: the job is re-read directly and
// the watch reopened.
func (c *Controller) watch(jobName string, stop <-chan struct{}) {
	log := c.log().WithField("job", jobName)
	defer c.clearWatcher(jobName, stop)

	for {
		events, err := c.Client.WatchJobs(stop)
		if err != nil {
			log.WithError(err).Error("Error opening watch.")
			c.markError(jobName, fmt.Sprintf("watch failed: %v", err))
			return
		}
		if reopen := c.consume(jobName, events, stop, log); !reopen {
			return
		}

		// The stream closed with the job unresolved. A terminal event
		// may have landed in the gap, so check the job directly before
		// watching again.
		job, err := c.Client.GetJob(jobName)
		if errors.Is(err, kube.ErrNotFound) {
			log.Warn("Job disappeared while the watch was down.")
			c.markError(jobName, "job deleted before reaching a terminal state")
			return
		}
		if err != nil {
			log.WithError(err).Error("Error re-reading job after watch close.")
			c.markError(jobName, fmt.Sprintf("watch lost: %v", err))
			return
		}
		if done := c.handleEvent(jobName, job, log); done {
			return
		}

		log.Debug("Watch stream closed, reopening.")
		select {
		case <-stop:
			return
		case <-time.After(c.watchBackoff()):
		}
	}
}

// consume drains one watch stream, keeping only events for its job.
// It reports whether the server closed the stream with the job still
// unresolved, meaning the watch should be reopened.
func (c *Controller) consume(jobName string, events <-chan kube.JobEvent, stop <-chan struct{}, log *logrus.Entry) bool {
	for {
		select {
		case <-stop:
			return false
		case ev, ok := <-events:
			if !ok {
				return true
			}
			if ev.Type == kube.WatchError {
				log.WithError(ev.Err).Error("Watch stream error.")
				c.markError(jobName, fmt.Sprintf("watch stream: %v", ev.Err))
				return false
			}
			if ev.Job.ObjectMeta.Name != jobName {
				continue
			}
			if done := c.handleEvent(jobName, &ev.Job, log); done {
				return false
			}
		}
	}
}

func (c *Controller) watchBackoff() time.Duration {
	if c.WatchBackoff > 0 {
		return c.WatchBackoff
	}
	return 2 * time.Second
}

// handleEvent applies one cluster event to the registry and, on a
// terminal condition, finalises the job. Returns true when the watcher
// should exit.
func (c *Controller) handleEvent(jobName string, job *batchv1.Job, log *logrus.Entry) bool {
	if cond := terminalCondition(job); cond != "" {
		c.finalize(jobName, job, cond, log)
		return true
	}
	if job.Status.Active >= 1 {
		if cur, ok := c.Registry.Get(jobName); !ok || cur.Status != status.Running {
			log.WithFields(logrus.Fields{"from": status.Created, "to": status.Running}).Info("Transitioning states.")
			st := status.Running
			c.Registry.Update(jobName, status.Patch{Status: &st})
		}
	}
	return false
}

// terminalCondition returns the matching lifecycle status for the
// job's first true terminal condition, or "".
func terminalCondition(job *batchv1.Job) string {
	for _, cond := range job.Status.Conditions {
		if cond.Status != "True" {
			continue
		}
		switch string(cond.Type) {
		case "Complete":
			return status.Complete
		case "SuccessCriteriaMet":
			return status.SuccessCriteriaMet
		case "Failed":
			return status.Failed
		case "FailureTarget":
			return status.FailureTarget
		}
	}
	return ""
}

// finalize fetches pod logs, patches the registry terminal, reconciles
// the catalog and deletes the cluster job.
func (c *Controller) finalize(jobName string, job *batchv1.Job, terminal string, log *logrus.Entry) {
	cur, _ := c.Registry.Get(jobName)
	log.WithFields(logrus.Fields{"from": cur.Status, "to": terminal}).Info("Transitioning states.")

	logs := c.fetchLogs(jobName, log)
	msg := "Job finished."
	if terminal == status.Failed || terminal == status.FailureTarget {
		msg = "Job failed."
	}
	c.Registry.Update(jobName, status.Patch{
		Status:  &terminal,
		Message: &msg,
		Logs:    &logs,
	})

	succeeded := terminal == status.Complete || terminal == status.SuccessCriteriaMet
	if succeeded {
		metrics.JobsFinished.WithLabelValues("complete").Inc()
	} else {
		metrics.JobsFinished.WithLabelValues("failed").Inc()
	}

	c.mu.Lock()
	track, isBatch := c.batches[jobName]
	delete(c.batches, jobName)
	c.mu.Unlock()
	if isBatch {
		c.reconcileBatch(track, succeeded, logs, log)
	}

	if err := c.Client.DeleteJob(jobName); err != nil && !errors.Is(err, kube.ErrNotFound) {
		log.WithError(err).Warn("Error deleting finished job.")
	}
}

// fetchLogs reads the log of the job's first pod via the job-name
// label. A failure still leaves the job terminal; the logs field then
// carries the error text.
func (c *Controller) fetchLogs(jobName string, log *logrus.Entry) string {
	pods, err := c.Client.ListPods("job-name=" + jobName)
	if err == nil && len(pods) == 0 {
		err = errors.New("no pods found")
	}
	if err != nil {
		log.WithError(err).Warn("Error retrieving logs.")
		metrics.JobsFinished.WithLabelValues("log_error").Inc()
		return "Error retrieving logs: " + err.Error()
	}
	out, err := c.Client.PodLog(pods[0].ObjectMeta.Name)
	if err != nil {
		log.WithError(err).Warn("Error retrieving logs.")
		return "Error retrieving logs: " + err.Error()
	}
	return out
}

// reconcileBatch settles catalog rows the in-container post-step never
// updated. Rows already complete are left alone; rows still running
// are marked with the batch outcome.
func (c *Controller) reconcileBatch(track batchTrack, succeeded bool, logs string, log *logrus.Entry) {
	now := c.now()
	elapsed := int64(now.Sub(track.submitted).Seconds())
	outcome := catalog.StatusComplete
	errMsg := ""
	if !succeeded {
		outcome = catalog.StatusFailed
		errMsg = logs
	}
	for _, key := range track.keys {
		var cur string
		if track.kind == BatchConverter {
			rec, err := c.Catalog.GetMission(key)
			if err != nil {
				log.WithError(err).WithField("key", key).Error("Error reading mission record.")
				continue
			}
			cur = rec.Status
		} else {
			rec, err := c.Catalog.GetFolder(key)
			if err != nil {
				log.WithError(err).WithField("key", key).Error("Error reading folder record.")
				continue
			}
			cur = rec.Status
		}
		if cur != catalog.StatusRunning {
			continue
		}
		var err error
		if track.kind == BatchConverter {
			err = c.Catalog.MarkMissionTerminal(key, outcome, elapsed, errMsg, now.Unix())
		} else {
			err = c.Catalog.MarkFolderTerminal(key, outcome, elapsed, errMsg, now.Unix())
		}
		if err != nil {
			log.WithError(err).WithField("key", key).Error("Error reconciling record.")
		}
	}
}

// markError records a watcher failure. No auto-retry; an operator
// decides what to do.
func (c *Controller) markError(jobName, msg string) {
	st := status.Error
	c.Registry.Update(jobName, status.Patch{Status: &st, Message: &msg})
	metrics.JobsFinished.WithLabelValues("error").Inc()
}

// clearWatcher drops the bookkeeping entry for a watcher that exited
// on its own. The identity check keeps a replaced watcher's exit from
// removing its successor.
func (c *Controller) clearWatcher(jobName string, stop <-chan struct{}) {
	c.mu.Lock()
	if cur, ok := c.watchers[jobName]; ok && (<-chan struct{})(cur) == stop {
		delete(c.watchers, jobName)
	}
	c.mu.Unlock()
}
