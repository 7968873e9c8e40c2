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

package jobspec

import (
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
)

func testConfig() Config {
	return Config{
		Namespace:      "lidar",
		ProcessorImage: "registry.example/processor:1",
		ArchiveImage:   "registry.example/archiver:1",
		ConverterImage: "registry.example/converter:1",
		DataClaim:      "lidar-data",
		OutputClaim:    "lidar-output",
		DataMount:      "/data",
		OutputMount:    "/output",
		ZipMount:       "/output/zip",
		PotreeMount:    "/output/potree",
		DBPath:         "/output/catalog.db",
	}
}

func TestSingle(t *testing.T) {
	cliArgs := []string{"/data/m01/f01/a.las", "-f=lasv14"}
	job, outputName, fullArgs := Single(cliArgs, testConfig())

	if !strings.HasPrefix(job.ObjectMeta.Name, "job-") || len(job.ObjectMeta.Name) != len("job-")+8 {
		t.Errorf("unexpected job name %q", job.ObjectMeta.Name)
	}
	if !strings.HasPrefix(outputName, "output_") || !strings.HasSuffix(outputName, ".bin") {
		t.Errorf("unexpected output name %q", outputName)
	}
	last := fullArgs[len(fullArgs)-1]
	if last != "-o=/output/"+outputName {
		t.Errorf("output flag %q not injected last", last)
	}
	if got := fullArgs[0]; got != "/data/m01/f01/a.las" {
		t.Errorf("positional arg moved: %q", got)
	}

	if *job.Spec.BackoffLimit != 0 {
		t.Errorf("backoff limit %d, expected 0", *job.Spec.BackoffLimit)
	}
	if *job.Spec.TTLSecondsAfterFinished != 7200 {
		t.Errorf("ttl %d, expected 7200", *job.Spec.TTLSecondsAfterFinished)
	}
	pod := job.Spec.Template.Spec
	if pod.RestartPolicy != "Never" {
		t.Errorf("restart policy %q", pod.RestartPolicy)
	}
	if len(pod.Containers) != 1 || pod.Containers[0].Image != "registry.example/processor:1" {
		t.Fatal("processor container missing")
	}
	var dataRO bool
	for _, m := range pod.Containers[0].VolumeMounts {
		if m.MountPath == "/data" {
			dataRO = m.ReadOnly
		}
	}
	if !dataRO {
		t.Error("data volume is not mounted read-only")
	}
}

func TestSingleOutputUniqueness(t *testing.T) {
	cfg := testConfig()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		_, outputName, _ := Single([]string{"/data/a.las"}, cfg)
		if seen[outputName] {
			t.Fatalf("duplicate output name %q", outputName)
		}
		seen[outputName] = true
	}
}

func TestArchiveBatch(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	keys := []string{"m01/f01", "m01/f02", "m02/f01"}
	job := ArchiveBatch(keys, testConfig(), now)

	if job.ObjectMeta.Name != "lidar-zip-20250601123045" {
		t.Errorf("job name %q", job.ObjectMeta.Name)
	}
	if *job.Spec.Completions != 3 {
		t.Errorf("completions %d, expected 3", *job.Spec.Completions)
	}
	if *job.Spec.Parallelism != 3 {
		t.Errorf("parallelism %d, expected clamp to 3", *job.Spec.Parallelism)
	}
	if *job.Spec.CompletionMode != batchv1.IndexedCompletion {
		t.Errorf("completion mode %q", *job.Spec.CompletionMode)
	}
	if *job.Spec.BackoffLimit != 3 {
		t.Errorf("backoff limit %d, expected 3", *job.Spec.BackoffLimit)
	}

	cmd := job.Spec.Template.Spec.Containers[0].Command
	// The script consumes JOB_COMPLETION_INDEX to pick its key from the
	// trailing args.
	if cmd[0] != "/bin/sh" || cmd[1] != "-c" {
		t.Fatalf("unexpected command prefix %v", cmd[:2])
	}
	if !strings.Contains(cmd[2], "JOB_COMPLETION_INDEX") {
		t.Error("script does not select by completion index")
	}
	if got := cmd[len(cmd)-3:]; got[0] != "m01/f01" || got[2] != "m02/f01" {
		t.Errorf("worklist args %v", got)
	}
}

func TestBatchParallelismDefault(t *testing.T) {
	keys := make([]string, 10)
	for i := range keys {
		keys[i] = "m01/f0" + string(rune('0'+i))
	}
	job := ArchiveBatch(keys, testConfig(), time.Now())
	if *job.Spec.Parallelism != DefaultParallelism {
		t.Errorf("parallelism %d, expected default %d", *job.Spec.Parallelism, DefaultParallelism)
	}

	cfg := testConfig()
	cfg.Parallelism = 2
	job = ArchiveBatch(keys, cfg, time.Now())
	if *job.Spec.Parallelism != 2 {
		t.Errorf("parallelism %d, expected 2", *job.Spec.Parallelism)
	}
}

func TestConverterBatch(t *testing.T) {
	job := ConverterBatch([]string{"m01"}, testConfig(), time.Now())
	if !strings.HasPrefix(job.ObjectMeta.Name, "lidar-potree-") {
		t.Errorf("job name %q", job.ObjectMeta.Name)
	}
	var potreeRoot string
	for _, env := range job.Spec.Template.Spec.Containers[0].Env {
		if env.Name == "POTREE_ROOT" {
			potreeRoot = env.Value
		}
	}
	if potreeRoot != "/output/potree" {
		t.Errorf("POTREE_ROOT %q", potreeRoot)
	}
}

func TestExport(t *testing.T) {
	job := ArchiveBatch([]string{"m01/f01"}, testConfig(), time.Now())
	out, err := Export(job)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "kind: Job") {
		t.Error("exported YAML missing kind")
	}
	if !strings.Contains(out, "lidar-zip-") {
		t.Error("exported YAML missing job name")
	}
}
