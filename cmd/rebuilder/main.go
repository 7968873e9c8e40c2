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

// The rebuilder reconstructs a lost catalog from what is on disk:
// every mission folder that already has an archive is recorded as
// complete with a fresh fingerprint, so the next scan only reprocesses
// what actually changed.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/epfl-enac/lidar-orchestrator/catalog"
	"github.com/epfl-enac/lidar-orchestrator/fingerprint"
	"github.com/epfl-enac/lidar-orchestrator/logrusutil"
)

type options struct {
	originalRoot string
	zipRoot      string
	dbPath       string
	logLevel     string
	force        bool
}

func gatherOptions() options {
	o := options{}
	flag.StringVar(&o.originalRoot, "original-root", "", "Root of the two-level mission hierarchy.")
	flag.StringVar(&o.zipRoot, "zip-root", "", "Directory archives are written to.")
	flag.StringVar(&o.dbPath, "db-path", "", "Path to the catalog database.")
	flag.StringVar(&o.logLevel, "log-level", "info", "Minimum log level.")
	flag.BoolVar(&o.force, "force", false, "Back up and replace an existing catalog.")
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
	return nil
}

func main() {
	o := gatherOptions()
	if err := o.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid options.")
	}
	logrusutil.ComponentInit("rebuilder")
	if lvl, err := logrus.ParseLevel(o.logLevel); err == nil {
		logrus.SetLevel(lvl)
	} else {
		logrus.WithField("log-level", o.logLevel).Fatal("Unknown log level.")
	}
	log := logrus.NewEntry(logrus.StandardLogger())

	if _, err := os.Stat(o.dbPath); err == nil {
		if !o.force {
			log.Fatal("Catalog already exists; pass -force to back it up and rebuild.")
		}
		backup := fmt.Sprintf("%s.bak.%s", o.dbPath, time.Now().Format("20060102150405"))
		if err := copyFile(o.dbPath, backup); err != nil {
			log.WithError(err).Fatal("Error backing up catalog.")
		}
		if err := os.Remove(o.dbPath); err != nil {
			log.WithError(err).Fatal("Error removing old catalog.")
		}
		log.WithField("backup", backup).Info("Backed up existing catalog.")
	}

	store, err := catalog.Open(o.dbPath)
	if err != nil {
		log.WithError(err).Fatal("Error opening catalog.")
	}
	defer store.Close()

	rebuilt, err := rebuild(store, o.originalRoot, o.zipRoot, log)
	if err != nil {
		log.WithError(err).Fatal("Rebuild failed.")
	}
	log.WithField("folders", rebuilt).Info("Catalog rebuilt.")
}

// rebuild inserts one complete row per mission folder whose archive
// exists on disk. Folders without an archive are left to the next
// scan.
func rebuild(store *catalog.Store, originalRoot, zipRoot string, log *logrus.Entry) (int, error) {
	missions, err := os.ReadDir(originalRoot)
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	rebuilt := 0
	for _, mission := range missions {
		if !mission.IsDir() {
			continue
		}
		folders, err := os.ReadDir(filepath.Join(originalRoot, mission.Name()))
		if err != nil {
			log.WithError(err).WithField("mission", mission.Name()).Error("Error reading mission directory.")
			continue
		}
		for _, folder := range folders {
			if !folder.IsDir() {
				continue
			}
			key := mission.Name() + "/" + folder.Name()
			archive := filepath.Join(zipRoot, key+".tar.gz")
			if _, err := os.Stat(archive); err != nil {
				continue
			}
			stats, err := fingerprint.DirectoryStats(filepath.Join(originalRoot, mission.Name(), folder.Name()))
			if err != nil {
				log.WithError(err).WithField("folder", key).Error("Error fingerprinting folder.")
				continue
			}
			if err := store.InsertFolderComplete(&catalog.FolderRecord{
				FolderKey:   key,
				MissionKey:  mission.Name(),
				Fingerprint: stats.Fingerprint,
				SizeKB:      stats.SizeKB,
				FileCount:   stats.FileCount,
				LastChecked: now,
				OutputPath:  archive,
			}); err != nil {
				log.WithError(err).WithField("folder", key).Error("Error inserting record.")
				continue
			}
			log.WithField("folder", key).Info("Recorded folder as complete.")
			rebuilt++
		}
	}
	return rebuilt, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
