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

// Package kube is the cluster adapter: the only component permitted to
// talk to the Kubernetes api-server. It exposes the narrow surface the
// orchestrator needs (create/delete/watch batch jobs, list pods, read
// pod logs) over a plain authenticated HTTP client.
package kube

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

const (
	inClusterBaseURL = "https://kubernetes.default.svc"
	tokenFile        = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	rootCAFile       = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"

	maxRetries = 8
	retryDelay = 2 * time.Second
)

// Sentinel errors mapped from api-server status codes.
var (
	ErrAlreadyExists = errors.New("kube: job already exists")
	ErrNotFound      = errors.New("kube: not found")
)

// EventType mirrors the api-server watch event types.
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	// WatchError is emitted when the stream itself fails.
	WatchError EventType = "ERROR"
)

// JobEvent is one entry of a WatchJobs stream.
type JobEvent struct {
	Type EventType
	Job  batchv1.Job
	// Err is set only for WatchError events.
	Err error
}

// Interface is the cluster capability surface consumed by the
// controller. Tests substitute an in-memory fake that emits scripted
// JobEvent streams.
type Interface interface {
	CreateJob(job *batchv1.Job) (string, error)
	GetJob(name string) (*batchv1.Job, error)
	DeleteJob(name string) error
	WatchJobs(stop <-chan struct{}) (<-chan JobEvent, error)
	ListPods(selector string) ([]corev1.Pod, error)
	PodLog(podName string) (string, error)
}

// Client talks to one namespace of one cluster.
type Client struct {
	baseURL   string
	client    *http.Client
	token     string
	namespace string
}

var _ Interface = &Client{}

// Cluster holds the information necessary to talk to a Kubernetes
// master endpoint, as stored in a cluster YAML file.
type Cluster struct {
	// The IP address of the cluster's master endpoint.
	Endpoint string `json:"endpoint"`
	// Base64-encoded public cert used by clients to authenticate to the
	// cluster endpoint.
	ClientCertificate string `json:"clientCertificate"`
	// Base64-encoded private key used by clients.
	ClientKey string `json:"clientKey"`
	// Base64-encoded public certificate that is the root of trust for
	// the cluster.
	ClusterCACertificate string `json:"clusterCaCertificate"`
}

// NewClient authenticates against the cluster, trying the cluster file
// first and falling back to in-cluster credentials when clusterPath is
// empty or unreadable. Both strategies failing is fatal to callers.
func NewClient(clusterPath, namespace string) (*Client, error) {
	if clusterPath != "" {
		c, err := NewClientFromFile(clusterPath, namespace)
		if err == nil {
			logrus.WithField("cluster", clusterPath).Info("Using cluster file for authentication.")
			return c, nil
		}
		logrus.WithError(err).Info("Could not load cluster file, trying in-cluster config.")
	}
	c, err := NewClientInCluster(namespace)
	if err != nil {
		return nil, fmt.Errorf("no usable cluster credentials: %w", err)
	}
	logrus.Info("Using in-cluster configuration.")
	return c, nil
}

// NewClientInCluster creates a Client that works from within a pod.
func NewClientInCluster(namespace string) (*Client, error) {
	token, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, err
	}
	certData, err := os.ReadFile(rootCAFile)
	if err != nil {
		return nil, err
	}
	cp := x509.NewCertPool()
	cp.AppendCertsFromPEM(certData)

	return &Client{
		baseURL: inClusterBaseURL,
		client: &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
				RootCAs:    cp,
			},
		}},
		token:     strings.TrimSpace(string(token)),
		namespace: namespace,
	}, nil
}

// NewClientFromFile reads a Cluster object at clusterPath and returns
// an authenticated client using the keys within.
func NewClientFromFile(clusterPath, namespace string) (*Client, error) {
	data, err := os.ReadFile(clusterPath)
	if err != nil {
		return nil, err
	}
	var c Cluster
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return newClusterClient(&c, namespace)
}

func newClusterClient(c *Cluster, namespace string) (*Client, error) {
	cc, err := base64.StdEncoding.DecodeString(c.ClientCertificate)
	if err != nil {
		return nil, err
	}
	ck, err := base64.StdEncoding.DecodeString(c.ClientKey)
	if err != nil {
		return nil, err
	}
	ca, err := base64.StdEncoding.DecodeString(c.ClusterCACertificate)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(cc, ck)
	if err != nil {
		return nil, err
	}
	cp := x509.NewCertPool()
	cp.AppendCertsFromPEM(ca)

	return &Client{
		baseURL: c.Endpoint,
		client: &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:   tls.VersionTLS12,
				Certificates: []tls.Certificate{cert},
				RootCAs:      cp,
			},
		}},
		namespace: namespace,
	}, nil
}

type request struct {
	method      string
	path        string
	query       map[string]string
	requestBody interface{}
}

func (c *Client) request(r *request, ret interface{}) error {
	out, err := c.requestRetry(r)
	if err != nil {
		return err
	}
	if ret != nil {
		if err := json.Unmarshal(out, ret); err != nil {
			return err
		}
	}
	return nil
}

// Retry on transport failures. Does not retry on api-server errors.
func (c *Client) requestRetry(r *request) ([]byte, error) {
	var resp *http.Response
	var err error
	backoff := retryDelay
	for retries := 0; retries < maxRetries; retries++ {
		resp, err = c.doRequest(r.method, r.path, r.query, r.requestBody)
		if err == nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, string(rb))
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, string(rb))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("response has status %q and body %q", resp.Status, string(rb))
	}
	return rb, nil
}

func (c *Client) doRequest(method, urlPath string, query map[string]string, body interface{}) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewBuffer(b)
	}
	req, err := http.NewRequest(method, c.baseURL+urlPath, buf)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")

	q := req.URL.Query()
	for k, v := range query {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()

	return c.client.Do(req)
}

// CreateJob submits the manifest and returns the server-assigned name.
func (c *Client) CreateJob(job *batchv1.Job) (string, error) {
	var created batchv1.Job
	err := c.request(&request{
		method:      http.MethodPost,
		path:        fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs", c.namespace),
		requestBody: job,
	}, &created)
	if err != nil {
		return "", err
	}
	return created.ObjectMeta.Name, nil
}

// GetJob reads the named job's current state, or ErrNotFound. Watchers
// use it to re-sync after the server closes a watch stream.
func (c *Client) GetJob(name string) (*batchv1.Job, error) {
	var job batchv1.Job
	err := c.request(&request{
		method: http.MethodGet,
		path:   fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs/%s", c.namespace, name),
	}, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteJob deletes the named job with background propagation so its
// pods are cleaned up too. ErrNotFound is returned as-is; callers
// treat it as non-fatal.
func (c *Client) DeleteJob(name string) error {
	return c.request(&request{
		method: http.MethodDelete,
		path:   fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs/%s", c.namespace, name),
		query:  map[string]string{"propagationPolicy": "Background"},
	}, nil)
}

// ListPods lists pods matching the label selector, typically
// "job-name=<name>".
func (c *Client) ListPods(selector string) ([]corev1.Pod, error) {
	var pl corev1.PodList
	err := c.request(&request{
		method: http.MethodGet,
		path:   fmt.Sprintf("/api/v1/namespaces/%s/pods", c.namespace),
		query:  map[string]string{"labelSelector": selector},
	}, &pl)
	return pl.Items, err
}

// PodLog reads the full log of one pod.
func (c *Client) PodLog(podName string) (string, error) {
	out, err := c.requestRetry(&request{
		method: http.MethodGet,
		path:   fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/log", c.namespace, podName),
	})
	return string(out), err
}

// WatchJobs opens a watch on the namespace's jobs and streams decoded
// events until stop fires or the server closes the connection. The
// returned channel is closed in both cases; a stream failure is
// reported as a final WatchError event.
func (c *Client) WatchJobs(stop <-chan struct{}) (<-chan JobEvent, error) {
	resp, err := c.doRequest(http.MethodGet,
		fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs", c.namespace),
		map[string]string{"watch": "true"}, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("watch request has status %q", resp.Status)
	}

	events := make(chan JobEvent)
	// Closing the body is what unblocks the decoder when stop fires.
	done := make(chan struct{})
	go func() {
		select {
		case <-stop:
		case <-done:
		}
		resp.Body.Close()
	}()
	go func() {
		defer close(events)
		defer close(done)
		dec := json.NewDecoder(resp.Body)
		for {
			var raw struct {
				Type   EventType       `json:"type"`
				Object json.RawMessage `json:"object"`
			}
			if err := dec.Decode(&raw); err != nil {
				if err != io.EOF && !stopped(stop) {
					select {
					case events <- JobEvent{Type: WatchError, Err: err}:
					case <-stop:
					}
				}
				return
			}
			var job batchv1.Job
			if err := json.Unmarshal(raw.Object, &job); err != nil {
				logrus.WithError(err).Warn("Dropping undecodable watch event.")
				continue
			}
			select {
			case events <- JobEvent{Type: raw.Type, Job: job}:
			case <-stop:
				return
			}
		}
	}()
	return events, nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
