package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/clasperhq/clasper/pkg/approval"
	"github.com/clasperhq/clasper/pkg/audit"
	"github.com/clasperhq/clasper/pkg/auth"
	"github.com/clasperhq/clasper/pkg/budget"
	"github.com/clasperhq/clasper/pkg/decision"
	"github.com/clasperhq/clasper/pkg/errdef"
	"github.com/clasperhq/clasper/pkg/policy"
	"github.com/clasperhq/clasper/pkg/registry"
	"github.com/clasperhq/clasper/pkg/telemetry"
	"github.com/clasperhq/clasper/pkg/tooltoken"
	"github.com/clasperhq/clasper/pkg/trace"
)

// Server binds the domain services to their HTTP routes.
type Server struct {
	db        *sql.DB
	decisions *decision.Orchestrator
	queue     *approval.Queue
	tokens    *tooltoken.Service
	ingest    *telemetry.Service
	auditLog  *audit.Log
	policies  *policy.Engine
	adapters  *registry.Registry
	traces    *trace.Store
	budgets   *budget.Store
	logger    *slog.Logger
}

// Services is everything the server needs.
type Services struct {
	DB        *sql.DB
	Decisions *decision.Orchestrator
	Queue     *approval.Queue
	Tokens    *tooltoken.Service
	Ingest    *telemetry.Service
	Audit     *audit.Log
	Policies  *policy.Engine
	Adapters  *registry.Registry
	Traces    *trace.Store
	Budgets   *budget.Store
}

// NewServer creates the HTTP server facade.
func NewServer(svc Services) *Server {
	return &Server{
		db:        svc.DB,
		decisions: svc.Decisions,
		queue:     svc.Queue,
		tokens:    svc.Tokens,
		ingest:    svc.Ingest,
		auditLog:  svc.Audit,
		policies:  svc.Policies,
		adapters:  svc.Adapters,
		traces:    svc.Traces,
		budgets:   svc.Budgets,
		logger:    slog.Default().With("component", "api"),
	}
}

// Handler builds the full route table and wraps it in the request-id, body
// cap, and caller-supplied middleware (metrics, rate limiting, auth), applied
// outermost first.
func (s *Server) Handler(middleware ...func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)

	mux.HandleFunc("POST /v1/executions/decide", s.handleDecide)

	mux.HandleFunc("GET /v1/decisions/{id}", s.handleGetDecision)
	mux.HandleFunc("POST /v1/decisions/{id}/resolve", s.handleResolveDecision)
	mux.HandleFunc("POST /v1/decisions/{id}/consume", s.handleConsumeDecision)

	mux.HandleFunc("POST /v1/tool-tokens", s.handleIssueToolToken)
	mux.HandleFunc("POST /v1/tool-tokens/consume", s.handleConsumeToolToken)

	mux.HandleFunc("POST /v1/telemetry/ingest", s.handleTelemetryIngest)
	mux.HandleFunc("PUT /v1/telemetry/mode", auth.RequireRole("admin", WriteError, s.handleTelemetryMode))

	mux.HandleFunc("GET /v1/audit", s.handleAuditList)
	mux.HandleFunc("GET /v1/audit/export", s.handleAuditExport)
	mux.HandleFunc("GET /v1/audit/verify", s.handleAuditVerify)

	mux.HandleFunc("GET /v1/policies", s.handlePolicyList)
	mux.HandleFunc("PUT /v1/policies", auth.RequireRole("admin", WriteError, s.handlePolicyUpsert))
	mux.HandleFunc("POST /v1/policies/evaluate", s.handlePolicyEvaluate)

	mux.HandleFunc("GET /v1/adapters", s.handleAdapterList)
	mux.HandleFunc("PUT /v1/adapters", auth.RequireRole("admin", WriteError, s.handleAdapterUpsert))
	mux.HandleFunc("GET /v1/adapters/{id}", s.handleAdapterGet)
	mux.HandleFunc("POST /v1/adapters/{id}/disable", auth.RequireRole("admin", WriteError, s.handleAdapterDisable))
	mux.HandleFunc("POST /v1/adapters/{id}/keys", auth.RequireRole("admin", WriteError, s.handleKeySet))
	mux.HandleFunc("DELETE /v1/adapters/{id}/keys/{keyID}", auth.RequireRole("admin", WriteError, s.handleKeyRevoke))

	mux.HandleFunc("GET /v1/traces", s.handleTraceList)
	mux.HandleFunc("GET /v1/traces/{id}", s.handleTraceGet)
	mux.HandleFunc("DELETE /v1/traces", auth.RequireRole("admin", WriteError, s.handleTraceRetention))

	mux.HandleFunc("GET /v1/budget", s.handleBudgetGet)
	mux.HandleFunc("PUT /v1/budget", auth.RequireRole("admin", WriteError, s.handleBudgetSet))

	var h http.Handler = mux
	h = BodyLimit(h)
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return RequestID(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		WriteError(w, r, errdef.Wrap(errdef.KindStoreUnavailable, "database ping", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decode reads a JSON body into v, translating size-cap and syntax failures
// into taxonomy kinds.
func decode(r *http.Request, v any) error {
	if err := jsonDecode(r, v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errdef.Newf(errdef.KindPayloadTooLarge, "request body exceeds %d bytes", maxErr.Limit)
		}
		return errdef.Wrap(errdef.KindSchemaInvalid, "decode request body", err)
	}
	return nil
}
