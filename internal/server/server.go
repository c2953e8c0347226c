/*
 * © 2024 Snyk Limited
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package server exposes the washer over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slices"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/snyk/manifest-washer/internal/cleaner"
	"github.com/snyk/manifest-washer/internal/dryrun"
	"github.com/snyk/manifest-washer/internal/metrics"
	"github.com/snyk/manifest-washer/internal/washer"
)

// maxBodyBytes limits the size of request bodies.
const maxBodyBytes = 10 << 20

const requestIDHeader = "X-Request-Id"

type Server struct {
	washer *washer.Washer
	logger logr.Logger
	mux    *http.ServeMux
}

// New returns the API server. Metrics are registered with and served from reg.
func New(w *washer.Washer, logger logr.Logger, reg *prometheus.Registry) *Server {
	s := &Server{
		washer: w,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	requests := metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "http_requests_total",
		Help:      "Number of API requests by handler and status code.",
	}, []string{"handler", "code"}))
	instrument := func(name string, h http.HandlerFunc) http.Handler {
		return promhttp.InstrumentHandlerCounter(requests.MustCurryWith(prometheus.Labels{"handler": name}), h)
	}

	s.mux.Handle("POST /api/smart-clean", instrument("smart-clean", s.smartClean))
	s.mux.Handle("POST /api/wash", instrument("wash", s.wash))

	checks := &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}
	s.mux.Handle("/healthz", http.StripPrefix("/healthz", checks))
	s.mux.Handle("/healthz/", http.StripPrefix("/healthz", checks))
	s.mux.Handle("/readyz", http.StripPrefix("/readyz", checks))
	s.mux.Handle("/readyz/", http.StripPrefix("/readyz", checks))
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server stopped: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not shut down API server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type smartCleanRequest struct {
	Manifest   string `json:"manifest"`
	ClusterURL string `json:"clusterUrl"`
	AuthType   string `json:"authType"`
	Token      string `json:"token,omitempty"`
	ClientCert string `json:"clientCert,omitempty"`
	ClientKey  string `json:"clientKey,omitempty"`
}

type smartCleanResponse struct {
	CleanedManifest string   `json:"cleanedManifest"`
	RemovedFields   []string `json:"removedFields"`
	Errors          []string `json:"errors"`
}

type washRequest struct {
	Manifest          string `json:"manifest"`
	Mode              string `json:"mode"`
	KubernetesVersion string `json:"kubernetesVersion,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) smartClean(w http.ResponseWriter, r *http.Request) {
	ctx := s.requestContext(w, r)

	req := smartCleanRequest{}
	if !s.decode(ctx, w, r, &req) {
		return
	}
	if req.AuthType == "" {
		req.AuthType = dryrun.AuthToken
	}
	if !slices.Contains(dryrun.AuthTypes, req.AuthType) {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("unknown authType %q, expected one of %v", req.AuthType, dryrun.AuthTypes))
		return
	}

	target := dryrun.Target{
		ClusterURL: req.ClusterURL,
		Credential: dryrun.CredentialFor(req.AuthType, req.Token, req.ClientCert, req.ClientKey),
	}
	result, err := s.washer.SmartClean(ctx, req.Manifest, target)
	if err != nil {
		s.writeWashError(ctx, w, err)
		return
	}

	s.writeJSON(ctx, w, http.StatusOK, smartCleanResponse{
		CleanedManifest: result.CleanedManifest,
		RemovedFields:   result.RemovedPaths(),
		Errors:          result.Errors,
	})
}

func (s *Server) wash(w http.ResponseWriter, r *http.Request) {
	ctx := s.requestContext(w, r)

	req := washRequest{}
	if !s.decode(ctx, w, r, &req) {
		return
	}
	mode, err := cleaner.ParseMode(req.Mode)
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	if mode == cleaner.ModeSmart {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("smart mode is served by /api/smart-clean"))
		return
	}

	result, err := s.washer.WashAll(ctx, req.Manifest, washer.Options{
		Mode:              mode,
		KubernetesVersion: req.KubernetesVersion,
	})
	if err != nil {
		s.writeWashError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, result)
}

// requestContext attaches a logger with a fresh request ID to the request context.
func (s *Server) requestContext(w http.ResponseWriter, r *http.Request) context.Context {
	id := uuid.NewString()
	w.Header().Set(requestIDHeader, id)
	return log.IntoContext(r.Context(), s.logger.WithValues("request_id", id, "path", r.URL.Path))
}

func (s *Server) decode(ctx context.Context, w http.ResponseWriter, r *http.Request, into interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("could not decode request body: %w", err))
		return false
	}
	return true
}

func (s *Server) writeWashError(ctx context.Context, w http.ResponseWriter, err error) {
	if washer.IsInputError(err) {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	s.writeError(ctx, w, http.StatusInternalServerError, fmt.Errorf("could not process manifest: %w", err))
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, code int, err error) {
	logger := log.FromContext(ctx)
	if code >= http.StatusInternalServerError {
		logger.Error(err, "request failed")
	} else {
		logger.V(1).Info("rejected request", "reason", err.Error())
	}
	s.writeJSON(ctx, w, code, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.FromContext(ctx).Error(err, "could not write response")
	}
}
