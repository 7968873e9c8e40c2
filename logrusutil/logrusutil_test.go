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

package logrusutil

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestDefaultFieldsFormatter(t *testing.T) {
	formatter := &DefaultFieldsFormatter{
		DefaultFields: logrus.Fields{"component": "lidar-api"},
		WrappedFormatter: &logrus.JSONFormatter{
			DisableTimestamp: true,
		},
	}

	out, err := formatter.Format(&logrus.Entry{
		Message: "Submitted job.",
		Data:    logrus.Fields{"job": "job-abcd1234"},
	})
	if err != nil {
		t.Fatalf("format: %v", err)
	}

	var entry map[string]string
	if err := json.Unmarshal(out, &entry); err != nil {
		t.Fatalf("decoding entry: %v", err)
	}
	if entry["component"] != "lidar-api" {
		t.Errorf("component %q", entry["component"])
	}
	if entry["job"] != "job-abcd1234" {
		t.Errorf("job %q", entry["job"])
	}
	if entry["msg"] != "Submitted job." {
		t.Errorf("msg %q", entry["msg"])
	}
}

func TestDefaultFieldsDoNotOverrideEntry(t *testing.T) {
	formatter := &DefaultFieldsFormatter{
		DefaultFields: logrus.Fields{"component": "default"},
		WrappedFormatter: &logrus.JSONFormatter{
			DisableTimestamp: true,
		},
	}
	out, err := formatter.Format(&logrus.Entry{
		Message: "x",
		Data:    logrus.Fields{"component": "explicit"},
	})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	var entry map[string]string
	if err := json.Unmarshal(out, &entry); err != nil {
		t.Fatalf("decoding entry: %v", err)
	}
	if entry["component"] != "explicit" {
		t.Errorf("component %q, expected entry value to win", entry["component"])
	}
}
