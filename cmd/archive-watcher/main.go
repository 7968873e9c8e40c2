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

// The archive watcher follows the zip output tree and marks catalog
// rows complete once their archive has been stable for the settling
// window.
package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/epfl-enac/lidar-orchestrator/archivewatch"
	"github.com/epfl-enac/lidar-orchestrator/catalog"
	"github.com/epfl-enac/lidar-orchestrator/logrusutil"
)

type options struct {
	zipRoot    string
	dbPath     string
	logLevel   string
	minFileAge time.Duration
	interval   time.Duration
}

func gatherOptions() options {
	o := options{}
	flag.StringVar(&o.zipRoot, "zip-root", "", "Directory archives are written to.")
	flag.StringVar(&o.dbPath, "db-path", "", "Path to the catalog database.")
	flag.StringVar(&o.logLevel, "log-level", "info", "Minimum log level.")
	flag.DurationVar(&o.minFileAge, "min-file-age", archivewatch.DefaultMinFileAge, "How long an archive must sit unmodified before it counts as finished.")
	flag.DurationVar(&o.interval, "interval", archivewatch.DefaultInterval, "Sweep cadence for pending archives.")
	flag.Parse()
	return o
}

func (o *options) Validate() error {
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
	logrusutil.ComponentInit("archive-watcher")
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

	watcher := &archivewatch.Watcher{
		ZipRoot:    o.zipRoot,
		Catalog:    store,
		MinFileAge: o.minFileAge,
		Interval:   o.interval,
		Log:        log,
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("Shutting down.")
		close(stop)
	}()

	if err := watcher.Run(stop); err != nil {
		log.WithError(err).Fatal("Watcher failed.")
	}
}
