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

package api

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/epfl-enac/lidar-orchestrator/status"
)

// defaultKeepalive is how long a push channel waits for client traffic
// before sending a ping frame.
const defaultKeepalive = 30 * time.Second

// keepalive is the ping message sent on idle channels.
type keepalive struct {
	Type    string `json:"type"`
	JobName string `json:"job_name"`
}

// wsChannel is one push channel: a websocket registered as a job's
// sole status subscriber. Writes are serialised by mu because the
// registry delivers from watcher goroutines while the read loop sends
// pings and snapshot replies.
type wsChannel struct {
	jobName string
	conn    *websocket.Conn
	log     *logrus.Entry

	mu     sync.Mutex
	closed bool
}

var _ status.Subscriber = &wsChannel{}

// Deliver pushes one status update to the client. Errors tell the
// registry to unregister this channel.
func (ch *wsChannel) Deliver(st status.JobStatus) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return net.ErrClosed
	}
	return ch.conn.WriteJSON(st)
}

// Close sends a final close message and tears the connection down. It
// is called when the channel is evicted by a new subscriber or when
// the job's registry entry is deleted. Idempotent.
func (ch *wsChannel) Close() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	deadline := time.Now().Add(time.Second)
	ch.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job closed"), deadline)
	ch.conn.Close()
}

func (ch *wsChannel) send(v interface{}) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return net.ErrClosed
	}
	return ch.conn.WriteJSON(v)
}

type inbound struct {
	msg []byte
	err error
}

// serve runs the channel protocol: snapshot on accept, register as the
// job's subscriber, then loop on client messages with a keepalive
// timeout. Returns when the client says "close", disconnects, or a
// write fails. Reads happen on their own goroutine because websocket
// read errors are permanent, so a read deadline cannot double as the
// keepalive timer.
func (ch *wsChannel) serve(registry *status.Registry, interval time.Duration) {
	snapshot, ok := registry.Get(ch.jobName)
	if !ok {
		snapshot = status.JobStatus{JobName: ch.jobName, Status: status.Pending}
	}
	if err := ch.send(snapshot); err != nil {
		ch.log.WithError(err).Debug("Error sending initial snapshot.")
		ch.Close()
		return
	}
	registry.Subscribe(ch.jobName, ch)
	defer func() {
		registry.Unsubscribe(ch.jobName, ch)
		ch.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	reads := make(chan inbound)
	go func() {
		for {
			_, msg, err := ch.conn.ReadMessage()
			select {
			case reads <- inbound{msg: msg, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			if err := ch.send(keepalive{Type: "ping", JobName: ch.jobName}); err != nil {
				ch.log.WithError(err).Debug("Keepalive failed, closing channel.")
				return
			}
			timer.Reset(interval)
		case in := <-reads:
			if in.err != nil {
				ch.log.WithError(in.err).Debug("Channel read ended.")
				return
			}
			if strings.TrimSpace(strings.Trim(string(in.msg), `"`)) == "close" {
				ch.log.Debug("Client requested close.")
				return
			}
			snapshot, ok := registry.Get(ch.jobName)
			if !ok {
				snapshot = status.JobStatus{JobName: ch.jobName, Status: status.Pending}
			}
			if err := ch.send(snapshot); err != nil {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(interval)
		}
	}
}
