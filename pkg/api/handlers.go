package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/clasperhq/clasper/pkg/approval"
	"github.com/clasperhq/clasper/pkg/audit"
	"github.com/clasperhq/clasper/pkg/auth"
	"github.com/clasperhq/clasper/pkg/budget"
	"github.com/clasperhq/clasper/pkg/config"
	"github.com/clasperhq/clasper/pkg/decision"
	"github.com/clasperhq/clasper/pkg/errdef"
	"github.com/clasperhq/clasper/pkg/policy"
	"github.com/clasperhq/clasper/pkg/registry"
	"github.com/clasperhq/clasper/pkg/tooltoken"
	"github.com/clasperhq/clasper/pkg/trace"
)

func jsonDecode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req decision.ExecutionRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	// The caller's tenant wins over anything in the body.
	req.TenantID = id.TenantID
	// The identity's budget claim binds before tenant-level budgets do.
	if req.EstimatedCost != nil && !id.HasBudget(*req.EstimatedCost) {
		WriteError(w, r, errdef.Newf(errdef.KindBudgetExceeded,
			"estimated cost %.2f exceeds the caller's remaining budget", *req.EstimatedCost))
		return
	}
	d, err := s.decisions.Decide(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	d, err := s.queue.Get(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleResolveDecision(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req struct {
		Action        string `json:"action"` // approve | deny
		ReasonCode    string `json:"reason_code"`
		Justification string `json:"justification"`
	}
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	d, err := s.queue.Resolve(r.Context(), id.TenantID, r.PathValue("id"), req.Action, req.ReasonCode, req.Justification,
		approval.Approver{Subject: id.Subject, Roles: id.Roles})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleConsumeDecision(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req struct {
		DecisionToken string `json:"decision_token"`
	}
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	scope, err := s.queue.Consume(r.Context(), tenant, r.PathValue("id"), req.DecisionToken)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granted_scope": scope})
}

func (s *Server) handleIssueToolToken(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req struct {
		WorkspaceID string          `json:"workspace_id"`
		AdapterID   string          `json:"adapter_id"`
		ExecutionID string          `json:"execution_id"`
		Tool        string          `json:"tool"`
		Scope       json.RawMessage `json:"scope"`
		TTLSeconds  int             `json:"ttl_seconds"`
	}
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if !id.CanUseTool(req.Tool) {
		WriteError(w, r, errdef.Newf(errdef.KindPermissionDenied, "tool %q is not in the caller's allowlist", req.Tool))
		return
	}
	issued, err := s.tokens.Issue(r.Context(), tooltoken.IssueRequest{
		TenantID:    id.TenantID,
		WorkspaceID: req.WorkspaceID,
		AdapterID:   req.AdapterID,
		ExecutionID: req.ExecutionID,
		Tool:        req.Tool,
		Scope:       req.Scope,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleConsumeToolToken(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	// Verify before consuming so a cross-tenant token is rejected without
	// burning it.
	claims, err := s.tokens.Verify(r.Context(), req.Token)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if claims.TenantID != tenant {
		WriteError(w, r, errdef.New(errdef.KindPermissionDenied, "tool token belongs to another tenant"))
		return
	}
	claims, err = s.tokens.Consume(r.Context(), req.Token)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tool":         claims.Tool,
		"execution_id": claims.ExecutionID,
		"adapter_id":   claims.AdapterID,
		"scope_hash":   claims.ScopeHash,
	})
}

func (s *Server) handleTelemetryIngest(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, r, errdef.Newf(errdef.KindPayloadTooLarge, "envelope exceeds %d bytes", maxErr.Limit))
			return
		}
		WriteError(w, r, errdef.Wrap(errdef.KindSchemaInvalid, "read body", err))
		return
	}
	receipt, err := s.ingest.Ingest(r.Context(), tenant, raw)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleTelemetryMode(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if err := s.ingest.SetMode(r.Context(), tenant, config.EnforcementMode(req.Mode)); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenant_id": tenant, "mode": req.Mode})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	q := audit.Query{
		EventType: r.URL.Query().Get("event_type"),
		Actor:     r.URL.Query().Get("actor"),
		TargetID:  r.URL.Query().Get("target_id"),
	}
	if v := r.URL.Query().Get("after_seq"); v != "" {
		q.AfterSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	entries, err := s.auditLog.List(r.Context(), tenant, q)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	bundle, err := s.auditLog.Export(r.Context(), tenant)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	report, err := s.auditLog.VerifyChain(r.Context(), tenant)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	policies, err := s.policies.List(r.Context(), tenant)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handlePolicyUpsert(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var p policy.Policy
	if err := decode(r, &p); err != nil {
		WriteError(w, r, err)
		return
	}
	p.TenantID = tenant
	if err := s.policies.Upsert(r.Context(), p); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req struct {
		WorkspaceID           string         `json:"workspace_id"`
		Environment           string         `json:"environment"`
		Tool                  string         `json:"tool"`
		AdapterID             string         `json:"adapter_id"`
		AdapterRiskClass      string         `json:"adapter_risk_class"`
		SkillState            string         `json:"skill_state"`
		RiskLevel             string         `json:"risk_level"`
		EstimatedCost         *float64       `json:"estimated_cost"`
		RequestedCapabilities []string       `json:"requested_capabilities"`
		Intent                string         `json:"intent"`
		Context               map[string]any `json:"context"`
		Provenance            map[string]any `json:"provenance"`
	}
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	result, err := s.policies.Evaluate(r.Context(), policy.Context{
		TenantID:              tenant,
		WorkspaceID:           req.WorkspaceID,
		Environment:           req.Environment,
		Tool:                  req.Tool,
		AdapterID:             req.AdapterID,
		AdapterRiskClass:      req.AdapterRiskClass,
		SkillState:            req.SkillState,
		RiskLevel:             req.RiskLevel,
		EstimatedCost:         req.EstimatedCost,
		RequestedCapabilities: req.RequestedCapabilities,
		Intent:                req.Intent,
		Context:               req.Context,
		Provenance:            req.Provenance,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdapterList(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	adapters, err := s.adapters.List(r.Context(), tenant)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adapters": adapters})
}

func (s *Server) handleAdapterUpsert(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var a registry.Adapter
	if err := decode(r, &a); err != nil {
		WriteError(w, r, err)
		return
	}
	a.TenantID = tenant
	if err := s.adapters.Upsert(r.Context(), a); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAdapterGet(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	a, err := s.adapters.Get(r.Context(), tenant, r.PathValue("id"), r.URL.Query().Get("version"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAdapterDisable(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req struct {
		Version string `json:"version"`
	}
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if err := s.adapters.Disable(r.Context(), tenant, r.PathValue("id"), req.Version); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) handleKeySet(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req struct {
		Version   string          `json:"version"`
		Algorithm string          `json:"algorithm"`
		PublicJWK json.RawMessage `json:"public_jwk"`
		KeyID     string          `json:"key_id"`
	}
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	key, err := s.adapters.SetKey(r.Context(), tenant, r.PathValue("id"), req.Version, req.Algorithm, req.PublicJWK, req.KeyID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	err = s.adapters.RevokeKey(r.Context(), tenant, r.PathValue("id"), r.URL.Query().Get("version"), r.PathValue("keyID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleTraceList(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	f := trace.Filter{
		WorkspaceID: r.URL.Query().Get("workspace_id"),
		AdapterID:   r.URL.Query().Get("adapter_id"),
		Status:      r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, r, errdef.Wrap(errdef.KindSchemaInvalid, "since is not RFC 3339", err))
			return
		}
		f.Since = &t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, r, errdef.Wrap(errdef.KindSchemaInvalid, "until is not RFC 3339", err))
			return
		}
		f.Until = &t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	traces, err := s.traces.List(r.Context(), tenant, f)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

func (s *Server) handleTraceGet(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	t, verdict, err := s.traces.Get(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace": t, "verdict": verdict})
}

func (s *Server) handleTraceRetention(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	before := r.URL.Query().Get("before")
	cutoff, err := time.Parse(time.RFC3339, before)
	if err != nil {
		WriteError(w, r, errdef.Wrap(errdef.KindSchemaInvalid, "before is not RFC 3339", err))
		return
	}
	n, err := s.traces.DeleteOlderThan(r.Context(), tenant, cutoff)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleBudgetGet(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	b, err := s.budgets.Get(r.Context(), tenant)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBudgetSet(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.TenantFrom(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var b budget.Budget
	if err := decode(r, &b); err != nil {
		WriteError(w, r, err)
		return
	}
	b.TenantID = tenant
	if err := s.budgets.Set(r.Context(), b); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
