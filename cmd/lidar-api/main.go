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

// The API server accepts point-cloud processing requests, runs them as
// cluster jobs and serves their status, artifacts and the catalog.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/epfl-enac/lidar-orchestrator/api"
	"github.com/epfl-enac/lidar-orchestrator/catalog"
	"github.com/epfl-enac/lidar-orchestrator/controller"
	"github.com/epfl-enac/lidar-orchestrator/jobspec"
	"github.com/epfl-enac/lidar-orchestrator/kube"
	"github.com/epfl-enac/lidar-orchestrator/logrusutil"
	"github.com/epfl-enac/lidar-orchestrator/metrics"
	"github.com/epfl-enac/lidar-orchestrator/status"
)

type options struct {
	port        int
	metricsPort int
	pathPrefix  string
	logLevel    string

	dbPath              string
	outputRoot          string
	deleteAfterDownload bool

	cluster        string
	namespace      string
	processorImage string
	dataClaim      string
	outputClaim    string
	dataMount      string
	outputMount    string
}

func gatherOptions() options {
	o := options{}
	flag.IntVar(&o.port, "port", 8080, "Port to listen on.")
	flag.IntVar(&o.metricsPort, "metrics-port", 9090, "Prometheus metrics port.")
	flag.StringVar(&o.pathPrefix, "path-prefix", "", "Prefix for every route, e.g. /api.")
	flag.StringVar(&o.logLevel, "log-level", "info", "Minimum log level.")
	flag.StringVar(&o.dbPath, "db-path", "", "Path to the catalog database.")
	flag.StringVar(&o.outputRoot, "output-root", "", "Host directory finished artifacts land in.")
	flag.BoolVar(&o.deleteAfterDownload, "delete-after-download", false, "Remove artifacts once served.")
	flag.StringVar(&o.cluster, "cluster", "", "Path to a cluster credentials file. Uses in-cluster config if unset.")
	flag.StringVar(&o.namespace, "namespace", "default", "Namespace processing jobs run in.")
	flag.StringVar(&o.processorImage, "processor-image", "", "Image for single processing jobs.")
	flag.StringVar(&o.dataClaim, "data-claim", "lidar-data", "PVC holding the mission data.")
	flag.StringVar(&o.outputClaim, "output-claim", "lidar-output", "PVC receiving artifacts.")
	flag.StringVar(&o.dataMount, "data-mount", "/data", "In-container mount of the data volume.")
	flag.StringVar(&o.outputMount, "output-mount", "/output", "In-container mount of the output volume.")
	flag.Parse()
	return o
}

func (o *options) Validate() error {
	if o.dbPath == "" {
		return errors.New("-db-path is required")
	}
	if o.outputRoot == "" {
		return errors.New("-output-root is required")
	}
	if o.processorImage == "" {
		return errors.New("-processor-image is required")
	}
	return nil
}

func main() {
	o := gatherOptions()
	if err := o.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid options.")
	}
	logrusutil.ComponentInit("lidar-api")
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

	client, err := kube.NewClient(o.cluster, o.namespace)
	if err != nil {
		log.WithError(err).Fatal("Error creating cluster client.")
	}

	registry := status.NewRegistry()
	ctl := &controller.Controller{
		Client:   client,
		Registry: registry,
		Catalog:  store,
		Config: jobspec.Config{
			Namespace:      o.namespace,
			ProcessorImage: o.processorImage,
			DataClaim:      o.dataClaim,
			OutputClaim:    o.outputClaim,
			DataMount:      o.dataMount,
			OutputMount:    o.outputMount,
		},
		OutputRoot: o.outputRoot,
		Log:        log,
	}

	server := api.NewServer(ctl, registry, store, o.outputRoot)
	server.PathPrefix = o.pathPrefix
	server.DeleteAfterDownload = o.deleteAfterDownload
	server.Log = log.WithField("component", "api")

	go metrics.Serve(o.metricsPort)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", o.port),
		Handler: server.Routes(),
	}
	go func() {
		log.WithField("port", o.port).Info("Listening.")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed.")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down.")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Error draining server.")
	}
	ctl.Shutdown()
}
