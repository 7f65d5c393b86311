// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/arena/observability"
)

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	// ListenAddr is the host:port to bind.
	ListenAddr string

	// CardURL is the externally reachable base URL advertised on the
	// agent card. Defaults to http://<ListenAddr>/.
	CardURL string

	// Version is reported on the agent card.
	Version string
}

// HTTPServer serves the evaluation agent: JSON-RPC at the root, the
// well-known agent card, health and metrics endpoints.
type HTTPServer struct {
	cfg      HTTPConfig
	executor *Executor
	metrics  *observability.Metrics
	server   *http.Server
}

// NewHTTPServer wires the executor into the HTTP surface.
func NewHTTPServer(cfg HTTPConfig, executor *Executor, metrics *observability.Metrics) *HTTPServer {
	return &HTTPServer{
		cfg:      cfg,
		executor: executor,
		metrics:  metrics,
	}
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	slog.Info("HTTP server shutting down")
	return s.server.Shutdown(shutdownCtx)
}

func (s *HTTPServer) setupRoutes() http.Handler {
	card := s.buildAgentCard()
	requestHandler := a2asrv.NewHandler(s.executor)

	r := chi.NewRouter()
	r.Use(loggingMiddleware)

	r.Post("/", a2asrv.NewJSONRPCHandler(requestHandler).ServeHTTP)
	r.Get(a2asrv.WellKnownAgentCardPath, a2asrv.NewStaticAgentCardHandler(card).ServeHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	return r
}

// buildAgentCard advertises the evaluator as a single A2A agent.
func (s *HTTPServer) buildAgentCard() *a2a.AgentCard {
	url := s.cfg.CardURL
	if url == "" {
		url = "http://" + s.cfg.ListenAddr + "/"
	}
	version := s.cfg.Version
	if version == "" {
		version = "1.0.0"
	}

	return &a2a.AgentCard{
		Name:               "StructureEvaluator",
		Description:        "Gives instructions and evaluates how the builder follows them",
		URL:                url,
		Version:            version,
		ProtocolVersion:    "1.0",
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills: []a2a.AgentSkill{{
			ID:          "evaluation_instruction_following",
			Name:        "Evaluate built structure",
			Description: "Runs a scripted building scenario against a builder agent and scores the result",
			Tags:        []string{"instructor", "building", "evaluation"},
			Examples: []string{
				`{"participants": {"builder": "http://builder.example.com:443"}, "config": {"scenario": "blocks"}}`,
			},
		}},
		Capabilities: a2a.AgentCapabilities{
			Streaming: true,
		},
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		Provider: &a2a.AgentProvider{
			Org: "Arena",
			URL: "https://github.com/kadirpekel/arena",
		},
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}
