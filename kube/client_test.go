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

package kube

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	return &Client{
		baseURL:   server.URL,
		client:    server.Client(),
		token:     "abc",
		namespace: "lidar",
	}, server
}

func TestCreateJob(t *testing.T) {
	var gotPath, gotAuth string
	c, server := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var job batchv1.Job
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		json.NewEncoder(w).Encode(job)
	}))
	defer server.Close()

	job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "job-abcd1234"}}
	name, err := c.CreateJob(job)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if name != "job-abcd1234" {
		t.Errorf("returned name %q", name)
	}
	if gotPath != "/apis/batch/v1/namespaces/lidar/jobs" {
		t.Errorf("request path %q", gotPath)
	}
	if gotAuth != "Bearer abc" {
		t.Errorf("auth header %q", gotAuth)
	}
}

func TestCreateJobConflict(t *testing.T) {
	c, server := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "already exists", http.StatusConflict)
	}))
	defer server.Close()

	_, err := c.CreateJob(&batchv1.Job{})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetJob(t *testing.T) {
	var gotPath string
	c, server := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"metadata": {"name": "job-abcd1234"}, "status": {"conditions": [{"type": "Complete", "status": "True"}]}}`)
	}))
	defer server.Close()

	job, err := c.GetJob("job-abcd1234")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotPath != "/apis/batch/v1/namespaces/lidar/jobs/job-abcd1234" {
		t.Errorf("request path %q", gotPath)
	}
	if job.ObjectMeta.Name != "job-abcd1234" || len(job.Status.Conditions) != 1 {
		t.Errorf("job %+v", job)
	}
}

func TestGetJobNotFound(t *testing.T) {
	c, server := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()

	if _, err := c.GetJob("job-gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteJob(t *testing.T) {
	var gotMethod, gotPath, gotPolicy string
	c, server := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotPolicy = r.URL.Query().Get("propagationPolicy")
		fmt.Fprint(w, "{}")
	}))
	defer server.Close()

	if err := c.DeleteJob("job-abcd1234"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method %q", gotMethod)
	}
	if gotPath != "/apis/batch/v1/namespaces/lidar/jobs/job-abcd1234" {
		t.Errorf("request path %q", gotPath)
	}
	if gotPolicy != "Background" {
		t.Errorf("propagation policy %q", gotPolicy)
	}
}

func TestDeleteJobNotFound(t *testing.T) {
	c, server := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()

	if err := c.DeleteJob("job-gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListPods(t *testing.T) {
	var gotSelector string
	c, server := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSelector = r.URL.Query().Get("labelSelector")
		fmt.Fprint(w, `{"items": [{"metadata": {"name": "job-abcd1234-xyz"}}]}`)
	}))
	defer server.Close()

	pods, err := c.ListPods("job-name=job-abcd1234")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotSelector != "job-name=job-abcd1234" {
		t.Errorf("selector %q", gotSelector)
	}
	if len(pods) != 1 || pods[0].ObjectMeta.Name != "job-abcd1234-xyz" {
		t.Errorf("pods %v", pods)
	}
}

func TestPodLog(t *testing.T) {
	c, server := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/namespaces/lidar/pods/pod-1/log" {
			t.Errorf("request path %q", r.URL.Path)
		}
		fmt.Fprint(w, "processed 42 points")
	}))
	defer server.Close()

	out, err := c.PodLog("pod-1")
	if err != nil {
		t.Fatalf("pod log: %v", err)
	}
	if out != "processed 42 points" {
		t.Errorf("log %q", out)
	}
}

func TestWatchJobs(t *testing.T) {
	c, server := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("watch") != "true" {
			t.Errorf("watch param missing")
		}
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`{"type": "ADDED", "object": {"metadata": {"name": "job-1"}}}`,
			`{"type": "MODIFIED", "object": {"metadata": {"name": "job-1"}, "status": {"active": 1}}}`,
		} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer server.Close()

	stop := make(chan struct{})
	defer close(stop)
	events, err := c.WatchJobs(stop)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	first := <-events
	if first.Type != Added || first.Job.ObjectMeta.Name != "job-1" {
		t.Errorf("first event %+v", first)
	}
	second := <-events
	if second.Type != Modified || second.Job.Status.Active != 1 {
		t.Errorf("second event %+v", second)
	}
	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected stream to close after server EOF")
		}
	case <-time.After(5 * time.Second):
		t.Error("stream did not close")
	}
}

func TestWatchJobsStop(t *testing.T) {
	block := make(chan struct{})
	c, server := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type": "ADDED", "object": {"metadata": {"name": "job-1"}}}`)
		w.(http.Flusher).Flush()
		<-block
	}))
	defer server.Close()
	defer close(block)

	stop := make(chan struct{})
	events, err := c.WatchJobs(stop)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	<-events
	close(stop)

	select {
	case <-events:
		// Closed or drained; either way the stream wound down.
	case <-time.After(5 * time.Second):
		t.Error("stream did not stop")
	}
}
