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

// Package jobspec renders batch/v1 Job manifests for the three job
// recipes: the per-request point-cloud processor, the archive batch and
// the metacloud converter batch.
package jobspec

import (
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const (
	// DefaultParallelism caps concurrent batch items unless overridden.
	DefaultParallelism = 4
	// ttlAfterFinished lets the cluster clean up finished jobs.
	ttlAfterFinished = int32(2 * 60 * 60)

	batchBackoffLimit  = int32(3)
	singleBackoffLimit = int32(0)

	dataVolume   = "data-volume"
	outputVolume = "data-output-volume"
)

// Config carries the cluster-side settings shared by all recipes.
type Config struct {
	Namespace string

	// ProcessorImage runs single point-cloud requests; ArchiveImage and
	// ConverterImage run the batch recipes.
	ProcessorImage string
	ArchiveImage   string
	ConverterImage string

	// DataClaim and OutputClaim name the PVCs bound into each pod.
	DataClaim   string
	OutputClaim string

	// DataMount and OutputMount are the in-container mount paths
	// (typically /data and /output).
	DataMount   string
	OutputMount string

	// ZipMount and PotreeMount are where batch jobs write archives and
	// viewer trees, relative to OutputMount's volume.
	ZipMount    string
	PotreeMount string

	// DBPath is the in-container catalog path used by the batch
	// post-step to record per-item completion.
	DBPath string

	Parallelism int32
}

func (c Config) parallelism(items int) int32 {
	p := c.Parallelism
	if p <= 0 {
		p = DefaultParallelism
	}
	if int(p) > items {
		p = int32(items)
	}
	return p
}

// Single renders a one-shot processor job for the given CLI argument
// vector. It returns the manifest, the injected output filename
// (unique per submission, never reused) and the full argument vector
// including the -o flag.
func Single(cliArgs []string, cfg Config) (*batchv1.Job, string, []string) {
	nonce := hex.EncodeToString(uuidBytes())
	name := "job-" + nonce[:8]
	outputName := "output_" + nonce + ".bin"

	fullArgs := append(append([]string{}, cliArgs...),
		"-o="+path.Join(cfg.OutputMount, outputName))

	ttl := ttlAfterFinished
	backoff := singleBackoffLimit
	job := &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
			Labels:    jobLabels("process"),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:  "lidar-container",
						Image: cfg.ProcessorImage,
						Args:  fullArgs,
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("500m"),
								corev1.ResourceMemory: resource.MustParse("128Mi"),
							},
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("1"),
								corev1.ResourceMemory: resource.MustParse("256Mi"),
							},
						},
						VolumeMounts: []corev1.VolumeMount{
							{Name: dataVolume, MountPath: cfg.DataMount, ReadOnly: true},
							{Name: outputVolume, MountPath: cfg.OutputMount},
						},
					}},
					Volumes: claimVolumes(cfg),
				},
			},
		},
	}
	return job, outputName, fullArgs
}

// archiveScript tars one worklist item, selected by completion index,
// and records completion in the catalog from inside the container. The
// in-container update is authoritative; the controller reconciles rows
// left running if the batch dies.
const archiveScript = `set -e
shift "$JOB_COMPLETION_INDEX"
key="$1"
mkdir -p "$(dirname "$ZIP_ROOT/$key.tar.gz")"
tar czf "$ZIP_ROOT/$key.tar.gz" -C "$DATA_ROOT/$key" .
sqlite3 "$DB_PATH" "UPDATE folder_state SET processing_status='complete', last_processed=strftime('%s','now'), error_message=NULL WHERE folder_key='$key';"
`

// converterScript converts one mission's metacloud into a viewer tree.
const converterScript = `set -e
shift "$JOB_COMPLETION_INDEX"
key="$1"
mkdir -p "$POTREE_ROOT/$key"
metacloud-convert "$DATA_ROOT/$key" -o "$POTREE_ROOT/$key"
sqlite3 "$DB_PATH" "UPDATE potree_metacloud_state SET processing_status='complete', last_processed=strftime('%s','now'), error_message=NULL WHERE mission_key='$key';"
`

// ArchiveBatch renders one indexed job that archives every worklist
// key with the configured parallelism. now provides the timestamp
// suffix that keeps batch names unique.
func ArchiveBatch(keys []string, cfg Config, now time.Time) *batchv1.Job {
	return batchJob("lidar-zip", cfg.ArchiveImage, archiveScript, keys, cfg, now,
		[]corev1.EnvVar{
			{Name: "DATA_ROOT", Value: cfg.DataMount},
			{Name: "ZIP_ROOT", Value: cfg.ZipMount},
			{Name: "DB_PATH", Value: cfg.DBPath},
		},
		// Archival rewrites mtimes when fixing permissions, so the data
		// volume stays writable here.
		false)
}

// ConverterBatch renders one indexed job that converts every mission
// metacloud in the worklist.
func ConverterBatch(keys []string, cfg Config, now time.Time) *batchv1.Job {
	return batchJob("lidar-potree", cfg.ConverterImage, converterScript, keys, cfg, now,
		[]corev1.EnvVar{
			{Name: "DATA_ROOT", Value: cfg.DataMount},
			{Name: "POTREE_ROOT", Value: cfg.PotreeMount},
			{Name: "DB_PATH", Value: cfg.DBPath},
		},
		true)
}

func batchJob(prefix, image, script string, keys []string, cfg Config, now time.Time, env []corev1.EnvVar, readOnlyData bool) *batchv1.Job {
	parallelism := cfg.parallelism(len(keys))
	completions := int32(len(keys))
	backoff := batchBackoffLimit
	ttl := ttlAfterFinished
	mode := batchv1.IndexedCompletion

	command := append([]string{"/bin/sh", "-c", script, prefix}, keys...)

	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-%s", prefix, now.Format("20060102150405")),
			Namespace: cfg.Namespace,
			Labels:    jobLabels(prefix),
		},
		Spec: batchv1.JobSpec{
			Parallelism:             &parallelism,
			Completions:             &completions,
			CompletionMode:          &mode,
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    "batch-container",
						Image:   image,
						Command: command,
						Env:     env,
						VolumeMounts: []corev1.VolumeMount{
							{Name: dataVolume, MountPath: cfg.DataMount, ReadOnly: readOnlyData},
							{Name: outputVolume, MountPath: cfg.OutputMount},
						},
					}},
					Volumes: claimVolumes(cfg),
				},
			},
		},
	}
}

func claimVolumes(cfg Config) []corev1.Volume {
	return []corev1.Volume{
		{
			Name: dataVolume,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: cfg.DataClaim,
				},
			},
		},
		{
			Name: outputVolume,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: cfg.OutputClaim,
				},
			},
		},
	}
}

func jobLabels(kind string) map[string]string {
	return map[string]string{
		"app":               "lidar-orchestrator",
		"lidar.epfl.ch/job": kind,
	}
}

// Export renders a manifest as YAML for --export-only runs.
func Export(job *batchv1.Job) (string, error) {
	out, err := yaml.Marshal(job)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func uuidBytes() []byte {
	u := uuid.New()
	return u[:]
}
