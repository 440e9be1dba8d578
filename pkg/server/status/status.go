// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package status serves the importer's status endpoints over HTTP: the
// jobs it knows about, the region descriptors it has cached and its
// prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kvimport/pkg/importer"
	"github.com/cockroachdb/kvimport/pkg/kv/kvpb"
	"github.com/cockroachdb/kvimport/pkg/util/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobSource reports the state of import jobs.
type JobSource interface {
	Jobs() []importer.JobStatus
	JobState(id uuid.UUID) (importer.JobStatus, error)
}

// jobResponse is the JSON rendering of a job.
type jobResponse struct {
	ID      uuid.UUID `json:"id"`
	State   string    `json:"state"`
	Created time.Time `json:"created"`
	// StagedBytes and StagedEntries are zero once the job released its
	// staging store.
	StagedBytes   int64 `json:"staged_bytes"`
	StagedEntries int64 `json:"staged_entries"`

	Segments         int   `json:"segments"`
	SubSegments      int   `json:"sub_segments"`
	EmptySubSegments int   `json:"empty_sub_segments"`
	Ingested         int   `json:"ingested"`
	Resplits         int   `json:"resplits"`
	IngestedBytes    int64 `json:"ingested_bytes"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

func makeJobResponse(st importer.JobStatus) jobResponse {
	resp := jobResponse{
		ID:               st.ID,
		State:            st.State.String(),
		Created:          st.Created,
		StagedBytes:      st.Staged.Bytes,
		StagedEntries:    st.Staged.Entries,
		Segments:         st.Summary.Segments,
		SubSegments:      st.Summary.SubSegments,
		EmptySubSegments: st.Summary.EmptySubSegments,
		Ingested:         st.Summary.Ingested,
		Resplits:         st.Summary.Resplits,
		IngestedBytes:    st.Summary.Bytes,
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
		resp.Code = st.Code.String()
	}
	return resp
}

type jobsResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

// Server is the status HTTP server.
type Server struct {
	jobs     JobSource
	regions  fmt.Stringer
	gatherer prometheus.Gatherer

	srv *http.Server
	ln  net.Listener
}

// NewServer returns a server reporting on jobs, the region cache rendered by
// regions and the metrics collected by gatherer. It does not listen until
// Start is called.
func NewServer(jobs JobSource, regions fmt.Stringer, gatherer prometheus.Gatherer) *Server {
	s := &Server{jobs: jobs, regions: regions, gatherer: gatherer}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.NewStdLogger(log.SeverityError, "status"),
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/_status/jobs", s.listJobs).Methods("GET")
	router.HandleFunc("/_status/jobs/{job_id}", s.getJob).Methods("GET")
	router.HandleFunc("/_status/regions", s.listRegions).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog: log.NewStdLogger(log.SeverityError, "metrics"),
	})).Methods("GET")
	return router
}

// Start listens on addr and serves in the background until Stop is called.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	s.ln = ln
	log.Infof(ctx, "status server listening on %s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(ctx, "status server: %v", err)
		}
	}()
	return nil
}

// Addr returns the address the server listens on, once started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the server down, waiting for in-flight requests until ctx is
// done.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var resp jobsResponse
	resp.Jobs = []jobResponse{}
	for _, st := range s.jobs.Jobs() {
		resp.Jobs = append(resp.Jobs, makeJobResponse(st))
	}
	writeJSONResponse(r.Context(), w, http.StatusOK, resp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["job_id"])
	if err != nil {
		http.Error(w, "invalid job ID", http.StatusBadRequest)
		return
	}
	st, err := s.jobs.JobState(id)
	if err != nil {
		if errors.Is(err, kvpb.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		log.Warningf(r.Context(), "job %s: %v", id, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(r.Context(), w, http.StatusOK, makeJobResponse(st))
}

func (s *Server) listRegions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, s.regions.String())
}

func writeJSONResponse(ctx context.Context, w http.ResponseWriter, code int, payload interface{}) {
	res, err := json.Marshal(payload)
	if err != nil {
		log.Errorf(ctx, "encoding response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(res)
}
