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

// The scanner walks the mission root, diffs it against the catalog and
// submits archive and converter batch jobs for whatever changed. It is
// meant to run as a periodic task (cron or CronJob) and exits when the
// submitted batches reach a terminal state.
package main

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/epfl-enac/lidar-orchestrator/catalog"
	"github.com/epfl-enac/lidar-orchestrator/controller"
	"github.com/epfl-enac/lidar-orchestrator/jobspec"
	"github.com/epfl-enac/lidar-orchestrator/kube"
	"github.com/epfl-enac/lidar-orchestrator/logrusutil"
	"github.com/epfl-enac/lidar-orchestrator/scan"
	"github.com/epfl-enac/lidar-orchestrator/status"
)

type options struct {
	originalRoot string
	zipRoot      string
	potreeRoot   string
	dbPath       string
	logLevel     string

	dryRun     bool
	exportOnly bool
	maxJobs    int

	cluster        string
	namespace      string
	archiveImage   string
	converterImage string
	dataClaim      string
	outputClaim    string
	dataMount      string
	outputMount    string
	zipMount       string
	potreeMount    string
	containerDB    string
	parallelism    int

	waitTimeout time.Duration
}

func gatherOptions() options {
	o := options{}
	flag.StringVar(&o.originalRoot, "original-root", "", "Root of the two-level mission hierarchy.")
	flag.StringVar(&o.zipRoot, "zip-root", "", "Directory archives are written to.")
	flag.StringVar(&o.potreeRoot, "potree-root", "", "Directory viewer trees are written to.")
	flag.StringVar(&o.dbPath, "db-path", "", "Path to the catalog database.")
	flag.StringVar(&o.logLevel, "log-level", "info", "Minimum log level.")
	flag.BoolVar(&o.dryRun, "dry-run", false, "Emit the worklist without touching the catalog or the cluster.")
	flag.BoolVar(&o.exportOnly, "export-only", false, "Print job manifests as YAML instead of submitting them.")
	flag.IntVar(&o.maxJobs, "max-jobs", 0, "Cap the number of worklist items per run (0 = no cap).")
	flag.StringVar(&o.cluster, "cluster", "", "Path to a cluster credentials file. Uses in-cluster config if unset.")
	flag.StringVar(&o.namespace, "namespace", "default", "Namespace batch jobs run in.")
	flag.StringVar(&o.archiveImage, "archive-image", "", "Image for the archive batch job.")
	flag.StringVar(&o.converterImage, "converter-image", "", "Image for the metacloud converter batch job.")
	flag.StringVar(&o.dataClaim, "data-claim", "lidar-data", "PVC holding the mission data.")
	flag.StringVar(&o.outputClaim, "output-claim", "lidar-output", "PVC receiving archives and viewer trees.")
	flag.StringVar(&o.dataMount, "data-mount", "/data", "In-container mount of the data volume.")
	flag.StringVar(&o.outputMount, "output-mount", "/output", "In-container mount of the output volume.")
	flag.StringVar(&o.zipMount, "zip-mount", "/output/zip", "In-container directory for archives.")
	flag.StringVar(&o.potreeMount, "potree-mount", "/output/potree", "In-container directory for viewer trees.")
	flag.StringVar(&o.containerDB, "container-db", "/output/catalog.db", "In-container catalog path for batch post-steps.")
	flag.IntVar(&o.parallelism, "parallelism", jobspec.DefaultParallelism, "Concurrent items per batch job.")
	flag.DurationVar(&o.waitTimeout, "wait-timeout", 2*time.Hour, "How long to wait for submitted batches before giving up.")
	flag.Parse()
	return o
}

func (o *options) Validate() error {
	if o.originalRoot == "" {
		return errors.New("-original-root is required")
	}
	if o.zipRoot == "" {
		return errors.New("-zip-root is required")
	}
	if o.dbPath == "" {
		return errors.New("-db-path is required")
	}
	if !o.dryRun && !o.exportOnly {
		if o.archiveImage == "" {
			return errors.New("-archive-image is required when submitting jobs")
		}
	}
	return nil
}

func main() {
	o := gatherOptions()
	if err := o.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid options.")
	}
	logrusutil.ComponentInit("lidar-scanner")
	if lvl, err := logrus.ParseLevel(o.logLevel); err == nil {
		logrus.SetLevel(lvl)
	} else {
		logrus.WithField("log-level", o.logLevel).Fatal("Unknown log level.")
	}
	log := logrus.NewEntry(logrus.StandardLogger())

	store, err := catalog.Open(o.dbPath)
	if err != nil {
		log.WithError(err).Fatal("Error opening catalog.")
	}
	defer store.Close()

	detector := &scan.Detector{
		OriginalRoot: o.originalRoot,
		ZipRoot:      o.zipRoot,
		PotreeRoot:   o.potreeRoot,
		Catalog:      store,
		DryRun:       o.dryRun || o.exportOnly,
		Log:          log,
	}
	result, err := detector.Scan()
	if err != nil {
		log.WithError(err).Fatal("Scan failed.")
	}
	folders := capItems(result.Folders, o.maxJobs)
	manifests := capItems(result.Manifests, o.maxJobs)
	log.WithFields(logrus.Fields{
		"folders":   len(folders),
		"manifests": len(manifests),
	}).Info("Scan finished.")

	if len(folders) == 0 && len(manifests) == 0 {
		return
	}
	cfg := jobspec.Config{
		Namespace:      o.namespace,
		ArchiveImage:   o.archiveImage,
		ConverterImage: o.converterImage,
		DataClaim:      o.dataClaim,
		OutputClaim:    o.outputClaim,
		DataMount:      o.dataMount,
		OutputMount:    o.outputMount,
		ZipMount:       o.zipMount,
		PotreeMount:    o.potreeMount,
		DBPath:         o.containerDB,
		Parallelism:    int32(o.parallelism),
	}

	if o.exportOnly {
		exportManifests(folders, manifests, cfg, log)
		return
	}
	if o.dryRun {
		for _, item := range folders {
			log.WithFields(logrus.Fields{"folder": item.Key, "fingerprint": item.Fingerprint}).Info("Would archive.")
		}
		for _, item := range manifests {
			log.WithFields(logrus.Fields{"mission": item.Key, "fingerprint": item.Fingerprint}).Info("Would convert.")
		}
		return
	}

	client, err := kube.NewClient(o.cluster, o.namespace)
	if err != nil {
		log.WithError(err).Fatal("Error creating cluster client.")
	}
	registry := status.NewRegistry()
	ctl := &controller.Controller{
		Client:   client,
		Registry: registry,
		Catalog:  store,
		Config:   cfg,
		Log:      log,
	}

	var submitted []string
	if len(folders) > 0 {
		name, err := ctl.SubmitBatch(keys(folders), controller.BatchArchive)
		if err != nil {
			log.WithError(err).Fatal("Error submitting archive batch.")
		}
		submitted = append(submitted, name)
	}
	if len(manifests) > 0 && o.converterImage != "" {
		name, err := ctl.SubmitBatch(keys(manifests), controller.BatchConverter)
		if err != nil {
			log.WithError(err).Fatal("Error submitting converter batch.")
		}
		submitted = append(submitted, name)
	}

	if err := waitTerminal(registry, submitted, o.waitTimeout); err != nil {
		log.WithError(err).Fatal("Batches did not finish.")
	}
	ctl.Shutdown()
	log.Info("All batches finished.")
}

func capItems(items []scan.WorkItem, max int) []scan.WorkItem {
	if max > 0 && len(items) > max {
		return items[:max]
	}
	return items
}

func keys(items []scan.WorkItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Key
	}
	return out
}

func exportManifests(folders, manifests []scan.WorkItem, cfg jobspec.Config, log *logrus.Entry) {
	now := time.Now()
	if len(folders) > 0 {
		out, err := jobspec.Export(jobspec.ArchiveBatch(keys(folders), cfg, now))
		if err != nil {
			log.WithError(err).Fatal("Error exporting archive manifest.")
		}
		fmt.Println("---")
		fmt.Print(out)
	}
	if len(manifests) > 0 {
		out, err := jobspec.Export(jobspec.ConverterBatch(keys(manifests), cfg, now))
		if err != nil {
			log.WithError(err).Fatal("Error exporting converter manifest.")
		}
		fmt.Println("---")
		fmt.Print(out)
	}
}

// waitTerminal polls the registry until every named job is terminal.
func waitTerminal(registry *status.Registry, names []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for range tick.C {
		done := true
		for _, name := range names {
			st, ok := registry.Get(name)
			if !ok || !status.IsTerminal(st.Status) {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", timeout)
		}
	}
	return nil
}
