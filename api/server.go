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

// Package api is the request front end: it accepts point-cloud
// processing requests, exposes job status over HTTP and websockets,
// serves finished artifacts and browses the catalog.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/epfl-enac/lidar-orchestrator/catalog"
	"github.com/epfl-enac/lidar-orchestrator/status"
)

const defaultPageLimit = 100

// jobManager is the slice of the controller the front end needs.
type jobManager interface {
	SubmitSingle(cliArgs []string) (jobName, outputName string, err error)
	Stop(jobName string) error
}

// Server wires the HTTP surface. Zero values fall back to sane
// defaults; see NewServer.
type Server struct {
	Manager  jobManager
	Registry *status.Registry
	Catalog  *catalog.Store

	// OutputRoot is the host directory finished artifacts land in.
	OutputRoot string
	// PathPrefix is prepended to every route, e.g. "/api".
	PathPrefix string
	// DeleteAfterDownload removes the artifact once it has been served.
	// Off by default so clients can re-download.
	DeleteAfterDownload bool
	// Keepalive is the push channel idle interval. Tests shrink it.
	Keepalive time.Duration

	Log      *logrus.Entry
	upgrader websocket.Upgrader
}

// NewServer builds a Server with default keepalive and logging.
func NewServer(m jobManager, reg *status.Registry, cat *catalog.Store, outputRoot string) *Server {
	return &Server{
		Manager:    m,
		Registry:   reg,
		Catalog:    cat,
		OutputRoot: outputRoot,
		Keepalive:  defaultKeepalive,
		Log:        logrus.NewEntry(logrus.StandardLogger()).WithField("component", "api"),
	}
}

func (s *Server) log() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (s *Server) keepalive() time.Duration {
	if s.Keepalive > 0 {
		return s.Keepalive
	}
	return defaultKeepalive
}

// Routes returns the router for the full HTTP surface.
func (s *Server) Routes() *mux.Router {
	root := mux.NewRouter()
	r := root
	if s.PathPrefix != "" {
		r = root.PathPrefix(s.PathPrefix).Subrouter()
	}
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/start-job", s.handleStartJob).Methods(http.MethodPost)
	r.HandleFunc("/job-status/{name}", s.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/download/{name}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/stop-job/{name}", s.handleStopJob).Methods(http.MethodDelete)
	r.HandleFunc("/ws/job-status/{name}", s.handleChannel).Methods(http.MethodGet)
	r.HandleFunc("/catalog/folders", s.handleListFolders).Methods(http.MethodGet)
	r.HandleFunc("/catalog/folders/{subpath:.+}", s.handleFoldersBySubpath).Methods(http.MethodGet)
	r.HandleFunc("/catalog/missions/{mission}", s.handleFoldersByMission).Methods(http.MethodGet)
	r.HandleFunc("/catalog/manifests", s.handleListManifests).Methods(http.MethodGet)
	r.HandleFunc("/catalog/status", s.handleCatalogStatus).Methods(http.MethodGet)
	return root
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req PointCloudRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "ValidationError", "malformed request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}

	name, _, err := s.Manager.SubmitSingle(req.CLIArgs())
	if err != nil {
		s.log().WithError(err).Error("Error submitting job.")
		s.errorResponse(w, http.StatusInternalServerError, "ClusterError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_name":   name,
		"status_url": s.PathPrefix + "/job-status/" + name,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	st, ok := s.Registry.Get(name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "NotFound", "no such job: "+name)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	st, ok := s.Registry.Get(name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "NotFound", "no such job: "+name)
		return
	}
	if st.Status != status.Complete && st.Status != status.SuccessCriteriaMet {
		s.errorResponse(w, http.StatusNotFound, "ArtifactMissing", "job is not complete: "+st.Status)
		return
	}
	artifact := filepath.Join(s.OutputRoot, filepath.FromSlash(st.OutputPath))
	f, err := os.Open(artifact)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "ArtifactMissing", "artifact not found for "+name)
		return
	}
	defer f.Close()

	ext, mediaType := contentTypeFor(formatFromArgs(st.CLIArgs))
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+ext+`"`)
	http.ServeContent(w, r, name+ext, time.Time{}, f)

	if s.DeleteAfterDownload {
		if err := os.Remove(artifact); err != nil {
			s.log().WithError(err).WithField("artifact", artifact).Warn("Could not remove artifact after download.")
		}
	}
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.Registry.Get(name); !ok {
		s.errorResponse(w, http.StatusNotFound, "NotFound", "no such job: "+name)
		return
	}
	if err := s.Manager.Stop(name); err != nil {
		s.log().WithError(err).WithField("job", name).Error("Error stopping job.")
		s.errorResponse(w, http.StatusInternalServerError, "ClusterError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_name": name,
		"status":   "Job stopped successfully",
	})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log().WithError(err).Debug("Websocket upgrade failed.")
		return
	}
	ch := &wsChannel{
		jobName: name,
		conn:    conn,
		log:     s.log().WithField("job", name),
	}
	ch.serve(s.Registry, s.keepalive())
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	recs, err := s.Catalog.ListFolders(limit, offset)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "CatalogError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleFoldersBySubpath(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	recs, err := s.Catalog.ListFoldersBySubpath(mux.Vars(r)["subpath"], limit, offset)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "CatalogError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleFoldersByMission(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	recs, err := s.Catalog.ListFoldersByMission(mux.Vars(r)["mission"], limit, offset)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "CatalogError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleListManifests(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	recs, err := s.Catalog.ListMissions(limit, offset)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "CatalogError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCatalogStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Catalog.StatusOverview()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "CatalogError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// errorResponse writes the structured error body shared by every
// failing endpoint.
func (s *Server) errorResponse(w http.ResponseWriter, code int, errType, details string) {
	writeJSON(w, code, map[string]string{
		"status":        "error",
		"error_type":    errType,
		"error_details": details,
		"output":        "",
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("Error encoding response.")
	}
}
