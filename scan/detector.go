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

// Package scan implements the change detector: it walks the two-level
// mission hierarchy, fingerprints each folder, diffs against the
// catalog and emits the minimal worklist of folders and metacloud
// manifests that need (re)processing.
package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/epfl-enac/lidar-orchestrator/catalog"
	"github.com/epfl-enac/lidar-orchestrator/fingerprint"
	"github.com/epfl-enac/lidar-orchestrator/metrics"
)

// WorkItem is one entry of a worklist.
type WorkItem struct {
	Key         string
	Fingerprint string
}

// Result holds the two worklists produced by a scan.
type Result struct {
	Folders   []WorkItem
	Manifests []WorkItem
}

// Detector scans OriginalRoot and reconciles the catalog. It never
// submits jobs; submission belongs to the controller.
type Detector struct {
	OriginalRoot string
	ZipRoot      string
	PotreeRoot   string
	Catalog      *catalog.Store
	// DryRun emits the worklist without touching the catalog.
	DryRun bool

	Log *logrus.Entry
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func (d *Detector) log() *logrus.Entry {
	if d.Log != nil {
		return d.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (d *Detector) now() int64 {
	if d.Now != nil {
		return d.Now().Unix()
	}
	return time.Now().Unix()
}

// needsProcessing is the three-clause decision rule: process when no
// record exists, the fingerprint changed, or the previous attempt did
// not complete.
func needsProcessing(stored string, status string, exists bool, fp string) bool {
	if !exists {
		return true
	}
	if stored != fp {
		return true
	}
	switch status {
	case catalog.StatusPending, catalog.StatusFailed, "":
		return true
	}
	return false
}

// Scan walks the mission root and returns the folder and manifest
// worklists. Unless DryRun is set, every emitted item is upserted into
// the catalog as pending with its new fingerprint, and unchanged
// records get their last_checked refreshed.
func (d *Detector) Scan() (*Result, error) {
	missions, err := os.ReadDir(d.OriginalRoot)
	if err != nil {
		return nil, fmt.Errorf("reading original root %s: %w", d.OriginalRoot, err)
	}

	result := &Result{}
	scannedMissions := map[string]bool{}

	for _, mission := range missions {
		if !mission.IsDir() {
			continue
		}
		missionKey := mission.Name()
		missionPath := filepath.Join(d.OriginalRoot, missionKey)
		folders, err := os.ReadDir(missionPath)
		if err != nil {
			d.log().WithError(err).WithField("mission", missionKey).Error("Error reading mission directory.")
			continue
		}
		for _, folder := range folders {
			if !folder.IsDir() {
				continue
			}
			key := missionKey + "/" + folder.Name()
			if err := d.scanFolder(missionKey, key, filepath.Join(missionPath, folder.Name()), result); err != nil {
				d.log().WithError(err).WithField("folder", key).Error("Error processing directory.")
				continue
			}
			scannedMissions[missionKey] = true
		}
	}

	for _, mission := range missions {
		if !mission.IsDir() || !scannedMissions[mission.Name()] {
			continue
		}
		if err := d.scanMetacloud(mission.Name(), result); err != nil {
			d.log().WithError(err).WithField("mission", mission.Name()).Error("Error processing metacloud.")
		}
	}

	metrics.ScansTotal.Inc()
	return result, nil
}

func (d *Detector) scanFolder(missionKey, key, path string, result *Result) error {
	stats, err := fingerprint.DirectoryStats(path)
	if err != nil {
		return err
	}
	log := d.log().WithFields(logrus.Fields{"folder": key, "fingerprint": stats.Fingerprint})
	log.WithFields(logrus.Fields{"size_kb": stats.SizeKB, "file_count": stats.FileCount}).Debug("Fingerprinted folder.")

	var stored, status string
	var exists bool
	rec, err := d.Catalog.GetFolder(key)
	switch {
	case err == nil:
		stored, status, exists = rec.Fingerprint, rec.Status, true
	case err == catalog.ErrNotFound:
	default:
		return err
	}

	if !needsProcessing(stored, status, exists, stats.Fingerprint) {
		if !d.DryRun {
			return d.Catalog.TouchFolder(key, d.now())
		}
		return nil
	}

	log.Info("Change detected.")
	result.Folders = append(result.Folders, WorkItem{Key: key, Fingerprint: stats.Fingerprint})
	metrics.FoldersChanged.Inc()
	if d.DryRun {
		return nil
	}
	return d.Catalog.UpsertFolderOnChange(&catalog.FolderRecord{
		FolderKey:   key,
		MissionKey:  missionKey,
		Fingerprint: stats.Fingerprint,
		SizeKB:      stats.SizeKB,
		FileCount:   stats.FileCount,
		LastChecked: d.now(),
		OutputPath:  filepath.Join(d.ZipRoot, key+".tar.gz"),
	})
}

// scanMetacloud looks for the mission's metacloud manifest and applies
// the same decision rule against potree_metacloud_state. Directory
// entries come back sorted by name, so "first found" is deterministic;
// extra manifests are reported and ignored.
func (d *Detector) scanMetacloud(missionKey string, result *Result) error {
	entries, err := os.ReadDir(filepath.Join(d.OriginalRoot, missionKey))
	if err != nil {
		return err
	}
	var manifests []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".metacloud") {
			manifests = append(manifests, e.Name())
		}
	}
	if len(manifests) == 0 {
		return nil
	}
	if len(manifests) > 1 {
		d.log().WithFields(logrus.Fields{
			"mission": missionKey,
			"used":    manifests[0],
			"ignored": manifests[1:],
		}).Warn("Multiple metacloud files in mission, using the first.")
	}

	fp, err := fingerprint.File(filepath.Join(d.OriginalRoot, missionKey, manifests[0]))
	if err != nil {
		return err
	}

	var stored, status string
	var exists bool
	rec, err := d.Catalog.GetMission(missionKey)
	switch {
	case err == nil:
		stored, status, exists = rec.Fingerprint, rec.Status, true
	case err == catalog.ErrNotFound:
	default:
		return err
	}

	if !needsProcessing(stored, status, exists, fp) {
		if !d.DryRun {
			return d.Catalog.TouchMission(missionKey, d.now())
		}
		return nil
	}

	d.log().WithFields(logrus.Fields{"mission": missionKey, "fingerprint": fp}).Info("Metacloud change detected.")
	result.Manifests = append(result.Manifests, WorkItem{Key: missionKey, Fingerprint: fp})
	if d.DryRun {
		return nil
	}
	return d.Catalog.UpsertMissionOnChange(&catalog.MissionRecord{
		MissionKey:  missionKey,
		Fingerprint: fp,
		OutputPath:  filepath.Join(d.PotreeRoot, missionKey),
		LastChecked: d.now(),
	})
}
