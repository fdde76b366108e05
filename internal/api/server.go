// Package api exposes the management REST API and the streaming fabric's
// WebSocket endpoint.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/reguard/reguard/internal/audit"
	"github.com/reguard/reguard/internal/config"
	"github.com/reguard/reguard/internal/fabric"
	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/metrics"
	"github.com/reguard/reguard/internal/orchestrator"
	"github.com/reguard/reguard/internal/rules"
	"github.com/reguard/reguard/internal/translator"
)

// Server is the management API server.
type Server struct {
	config     config.ServerConfig
	cfgLoader  *config.Loader
	rules      *rules.Engine
	translator *translator.Translator
	audit      *audit.Engine
	orch       *orchestrator.Orchestrator
	wsHandler  *fabric.WSHandler
	limiter    *ipLimiter
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer wires the engines into HTTP routes. wsHandler may be nil when the
// fabric is disabled.
func NewServer(
	cfg config.ServerConfig,
	cfgLoader *config.Loader,
	ruleEngine *rules.Engine,
	tr *translator.Translator,
	auditEngine *audit.Engine,
	orch *orchestrator.Orchestrator,
	wsHandler *fabric.WSHandler,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api.Server")
	s := &Server{
		config:     cfg,
		cfgLoader:  cfgLoader,
		rules:      ruleEngine,
		translator: tr,
		audit:      auditEngine,
		orch:       orch,
		wsHandler:  wsHandler,
		limiter:    newIPLimiter(cfg.RateLimitRPM, logger),
		mux:        http.NewServeMux(),
		logger:     logger,
		startedAt:  time.Now().UTC(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Detection
	s.mux.HandleFunc("POST /api/rules/evaluate", s.handleEvaluate)
	s.mux.HandleFunc("POST /api/rules/evaluate/batch", s.handleEvaluateBatch)

	// Rule management
	s.mux.HandleFunc("GET /api/rules", s.handleListRules)
	s.mux.HandleFunc("POST /api/rules", s.handleCreateRule)
	s.mux.HandleFunc("GET /api/rules/{id}", s.handleGetRule)
	s.mux.HandleFunc("PUT /api/rules/{id}", s.handleUpdateRule)
	s.mux.HandleFunc("DELETE /api/rules/{id}", s.handleDeleteRule)
	s.mux.HandleFunc("POST /api/rules/{id}/deactivate", s.handleDeactivateRule)
	s.mux.HandleFunc("GET /api/rules/{id}/metrics", s.handleRuleMetrics)
	s.mux.HandleFunc("POST /api/rules/reload", s.handleReloadRules)

	// Translation
	s.mux.HandleFunc("POST /api/translator/translate", s.handleTranslate)
	s.mux.HandleFunc("POST /api/translator/translate/batch", s.handleTranslateBatch)
	s.mux.HandleFunc("POST /api/translator/detect", s.handleDetectProtocol)
	s.mux.HandleFunc("GET /api/translator/rules", s.handleListTranslationRules)
	s.mux.HandleFunc("POST /api/translator/rules", s.handleCreateTranslationRule)
	s.mux.HandleFunc("PUT /api/translator/rules/{id}", s.handleUpdateTranslationRule)
	s.mux.HandleFunc("DELETE /api/translator/rules/{id}", s.handleDeleteTranslationRule)
	s.mux.HandleFunc("POST /api/translator/schemas/{protocol}", s.handleRegisterSchema)

	// Audit trail
	s.mux.HandleFunc("GET /api/audit/changes", s.handleQueryChanges)
	s.mux.HandleFunc("GET /api/audit/changes/{id}", s.handleGetChange)
	s.mux.HandleFunc("POST /api/audit/changes/{id}/approve", s.handleApproveChange)
	s.mux.HandleFunc("POST /api/audit/changes/{id}/reject", s.handleRejectChange)
	s.mux.HandleFunc("GET /api/audit/approvals", s.handleListPendingApprovals)
	s.mux.HandleFunc("GET /api/audit/entity/{kind}/{id}/history", s.handleEntityHistory)
	s.mux.HandleFunc("GET /api/audit/entity/{kind}/{id}/verify", s.handleVerifyChain)
	s.mux.HandleFunc("GET /api/audit/entity/{kind}/{id}/versions", s.handleEntityVersions)
	s.mux.HandleFunc("POST /api/audit/snapshots", s.handleCreateSnapshot)
	s.mux.HandleFunc("POST /api/audit/rollback", s.handleSubmitRollback)
	s.mux.HandleFunc("GET /api/audit/rollbacks", s.handleListRollbacks)
	s.mux.HandleFunc("POST /api/audit/rollback/{id}/execute", s.handleExecuteRollback)
	s.mux.HandleFunc("POST /api/audit/rollback/{id}/cancel", s.handleCancelRollback)
	s.mux.HandleFunc("GET /api/audit/reports/activity", s.handleAuditReport)
	s.mux.HandleFunc("GET /api/audit/reports/certification", s.handleCertification)
	s.mux.HandleFunc("GET /api/audit/reports/soc2", s.handleSOC2Report)

	// Orchestration
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/agents/{type}/enable", s.handleEnableAgent)
	s.mux.HandleFunc("POST /api/agents/{type}/disable", s.handleDisableAgent)

	// System
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	if s.wsHandler != nil {
		s.mux.Handle("GET /api/ws", s.wsHandler)
	}
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	h := s.rateLimited(s.requestLogged(s.mux))
	h = s.withRequestID(h)
	if s.config.CORS {
		h = corsMiddleware(h)
	}
	return h
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			s.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
			writeFault(w, r, faults.Newf(faults.KindRateLimit,
				"rate limit of %d requests per minute exceeded", s.config.RateLimitRPM))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFrom(r))
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

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("management API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
