// Package server wires the balancer's HTTP surface: routing (gorilla/mux),
// CORS, structured request logging, panic recovery, and the handlers for
// every endpoint in spec.md §6.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/sgl-project/disagg-lb/internal/chatapi"
	"github.com/sgl-project/disagg-lb/internal/fanout"
	"github.com/sgl-project/disagg-lb/internal/lberrors"
	"github.com/sgl-project/disagg-lb/internal/registry"
	"github.com/sgl-project/disagg-lb/internal/selector"
)

// Server bundles everything an HTTP handler needs to serve a request.
type Server struct {
	Topology   *registry.Topology
	Selector   *selector.Selector
	Dispatcher *fanout.Dispatcher
	Log        *logrus.Logger

	PrefillDPSize uint
	DecodeDPSize  uint

	httpClient *http.Client
}

// New builds the gorilla/mux router with CORS, logging, and recovery
// middleware applied, ready to pass to http.Server.Handler.
func New(s *Server) http.Handler {
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health_generate", s.handleHealthGenerate).Methods(http.MethodGet)
	r.HandleFunc("/flush_cache", s.handleFlushCache).Methods(http.MethodPost)
	r.HandleFunc("/get_server_info", s.handleGetServerInfo).Methods(http.MethodGet)
	r.HandleFunc("/get_model_info", s.handleGetModelInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/models", s.handleListModels).Methods(http.MethodGet)
	r.HandleFunc("/v1/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	}).Handler(r)

	return s.recoverMiddleware(s.loggingMiddleware(handler))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.Log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request handled")
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.Log.WithField("stack", string(debug.Stack())).Errorf("panic handling %s: %v", r.URL.Path, rec)
				writeError(w, fmt.Sprintf("(%s) Error: internal error", r.URL.Path), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so streamed responses are not held
// back by the logging wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealthGenerate(w http.ResponseWriter, r *http.Request) {
	prefills := s.Topology.Prefills()
	ok := fanoutGET(r.Context(), s.httpClient, workerURLs(prefills), "/health_generate")
	if ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeError(w, "(/health_generate) Error: one or more prefill workers failed health check", http.StatusInternalServerError)
}

func (s *Server) handleFlushCache(w http.ResponseWriter, r *http.Request) {
	prefills := s.Topology.Prefills()
	decodes := s.Topology.Decodes()
	urls := workerURLs(prefills)
	for _, d := range decodes {
		urls = append(urls, d.Worker.URL)
	}
	if fanoutGET(r.Context(), s.httpClient, urls, "/flush_cache") {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeError(w, "(/flush_cache) Error: one or more workers failed to flush cache", http.StatusInternalServerError)
}

func (s *Server) handleGetServerInfo(w http.ResponseWriter, r *http.Request) {
	prefills := s.Topology.Prefills()
	decodes := s.Topology.Decodes()
	out := map[string]interface{}{
		"prefill": aggregateJSON(r.Context(), s.httpClient, workerURLs(prefills), "/get_server_info"),
		"decode":  aggregateJSON(r.Context(), s.httpClient, decodeURLs(decodes), "/get_server_info"),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleGetModelInfo(w http.ResponseWriter, r *http.Request) {
	s.passthroughFirstPrefill(w, r, "/get_model_info")
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	s.passthroughFirstPrefill(w, r, "/v1/models")
}

func (s *Server) passthroughFirstPrefill(w http.ResponseWriter, r *http.Request, path string) {
	prefills := s.Topology.Prefills()
	if len(prefills) == 0 {
		writeError(w, fmt.Sprintf("(%s) Error: no prefill workers registered", path), http.StatusInternalServerError)
		return
	}
	resp, err := httpGet(r.Context(), s.httpClient, prefills[0].Worker.URL+path)
	if err != nil {
		writeError(w, fmt.Sprintf("(%s) Error: %v", path, err), http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	copyBody(w, resp)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "(/v1/chat/completions) Error: reading request body", http.StatusBadRequest)
		return
	}
	chatReq, err := chatapi.Parse(body)
	if err != nil {
		writeError(w, err.Error(), lberrors.StatusOf(err))
		return
	}

	pair, err := s.Selector.Select(chatReq.Messages, chatReq.Tools)
	if err != nil {
		writeError(w, err.Error(), lberrors.StatusOf(err))
		return
	}

	if err := s.Dispatcher.ChatCompletions(r.Context(), w, r.Header, chatReq,
		pair.PrefillWorker, pair.PrefillRank, pair.PrefillSlot,
		pair.DecodeWorker, pair.DecodeRank, pair.DecodeSlot); err != nil {
		s.Log.WithError(err).Warn("chat completions fan-out failed")
		writeError(w, err.Error(), lberrors.StatusOf(err))
	}
}

// registerRequest is the /register POST body per spec.md §4.E.
type registerRequest struct {
	Mode          string `json:"mode"`
	RegistryURL   string `json:"registry_url"`
	BootstrapPort uint16 `json:"bootstrap_port"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "(/register) Error: invalid JSON body", http.StatusBadRequest)
		return
	}
	switch req.Mode {
	case "prefill":
		s.Topology.RegisterPrefill(registry.PrefillWorker{
			URL:           req.RegistryURL,
			BootstrapPort: req.BootstrapPort,
			DPSize:        s.PrefillDPSize,
		})
	case "decode":
		s.Topology.RegisterDecode(registry.DecodeWorker{
			URL:    req.RegistryURL,
			DPSize: s.DecodeDPSize,
		})
	default:
		writeError(w, fmt.Sprintf("(/register) Error: unknown mode %q", req.Mode), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func workerURLs(prefills []*registry.PrefillSnapshot) []string {
	out := make([]string, len(prefills))
	for i, p := range prefills {
		out[i] = p.Worker.URL
	}
	return out
}

func decodeURLs(decodes []*registry.DecodeSnapshot) []string {
	out := make([]string, len(decodes))
	for i, d := range decodes {
		out[i] = d.Worker.URL
	}
	return out
}

func fanoutGET(ctx context.Context, client *http.Client, urls []string, path string) bool {
	ok := true
	for _, u := range urls {
		resp, err := httpGet(ctx, client, u+path)
		if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			ok = false
			if resp != nil {
				resp.Body.Close()
			}
			continue
		}
		resp.Body.Close()
	}
	return ok
}

func aggregateJSON(ctx context.Context, client *http.Client, urls []string, path string) []interface{} {
	out := make([]interface{}, 0, len(urls))
	for _, u := range urls {
		resp, err := httpGet(ctx, client, u+path)
		if err != nil {
			out = append(out, map[string]string{"url": u, "error": err.Error()})
			continue
		}
		var v interface{}
		_ = json.NewDecoder(resp.Body).Decode(&v)
		resp.Body.Close()
		out = append(out, v)
	}
	return out
}

func httpGet(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func copyBody(w http.ResponseWriter, resp *http.Response) {
	_, _ = io.Copy(w, resp.Body)
}
