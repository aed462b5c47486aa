package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/castellan-io/castellan/pkg/admission"
	"github.com/castellan-io/castellan/pkg/audit"
	"github.com/castellan-io/castellan/pkg/consensus"
	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/index"
	"github.com/castellan-io/castellan/pkg/ledger"
	"github.com/castellan-io/castellan/pkg/manifest"
	"github.com/castellan-io/castellan/pkg/observability"
	"github.com/castellan-io/castellan/pkg/payload"
	"github.com/castellan-io/castellan/pkg/policy"
)

// maxIngestBytes bounds an ingestion request body.
const maxIngestBytes = 64 << 20

// Server wires the engine's boundaries to HTTP handlers. External
// consumers only ever read the governance log; in-flight artifacts and
// disputes are never exposed beyond their own lifecycle endpoints.
type Server struct {
	validator *manifest.Validator
	engine    *admission.Engine
	disputes  *consensus.Engine
	idx       *index.Index
	policies  *policy.Engine
	log       *ledger.Log
	vault     *payload.Vault
	exporter  *audit.Exporter
	auditLog  audit.Logger
	obs       *observability.Provider
}

// ServerConfig collects the server's collaborators. Validator, engine,
// disputes, index, and log are required; the rest are optional.
type ServerConfig struct {
	Validator *manifest.Validator
	Engine    *admission.Engine
	Disputes  *consensus.Engine
	Index     *index.Index
	Policies  *policy.Engine
	Log       *ledger.Log
	Vault     *payload.Vault
	Exporter  *audit.Exporter
	AuditLog  audit.Logger
	Obs       *observability.Provider
}

// NewServer creates the HTTP boundary.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Validator == nil || cfg.Engine == nil || cfg.Disputes == nil || cfg.Index == nil || cfg.Log == nil {
		return nil, fmt.Errorf("api: validator, engine, disputes, index, and log are required")
	}
	if cfg.AuditLog == nil {
		cfg.AuditLog = audit.NewLogger()
	}
	return &Server{
		validator: cfg.Validator,
		engine:    cfg.Engine,
		disputes:  cfg.Disputes,
		idx:       cfg.Index,
		policies:  cfg.Policies,
		log:       cfg.Log,
		vault:     cfg.Vault,
		exporter:  cfg.Exporter,
		auditLog:  cfg.AuditLog,
		obs:       cfg.Obs,
	}, nil
}

// Routes registers all handlers on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	mux.HandleFunc("POST /api/artifacts", s.handleIngest)
	mux.HandleFunc("POST /api/index/changes", s.handleIndexChange)
	mux.HandleFunc("GET /api/disputes", s.handleListDisputes)
	mux.HandleFunc("GET /api/disputes/{id}", s.handleGetDispute)
	mux.HandleFunc("POST /api/disputes/{id}/ballots", s.handleBallot)
	mux.HandleFunc("POST /api/disputes/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/log", s.handleLogRead)
	mux.HandleFunc("GET /api/log/head", s.handleLogHead)
	mux.HandleFunc("GET /api/export", s.handleExport)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness checks the governance log chain; a broken chain means
// the service must not take traffic.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	ok, detail := s.log.Verify()
	if !ok {
		WriteError(w, http.StatusServiceUnavailable, "Not Ready", detail)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ingestRequest is the artifact ingestion payload: a structured
// manifest plus opaque bytes. Archive format adapters live outside this
// boundary; they must produce this shape.
type ingestRequest struct {
	Manifest      json.RawMessage `json:"manifest"`
	PayloadBase64 string          `json:"payload_base64,omitempty"`
}

type ingestResponse struct {
	Verdict     *contracts.Verdict `json:"verdict"`
	Fingerprint string             `json:"fingerprint,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ingestRequest
	body := http.MaxBytesReader(w, r.Body, maxIngestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed ingestion request: "+err.Error())
		return
	}

	m, err := s.validator.Decode(req.Manifest)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	var data []byte
	if req.PayloadBase64 != "" {
		data, err = base64.StdEncoding.DecodeString(req.PayloadBase64)
		if err != nil {
			WriteBadRequest(w, "payload is not valid base64")
			return
		}
	}

	artifact := &contracts.Artifact{
		Manifest:   *m,
		Payload:    data,
		ReceivedAt: time.Now(),
	}

	_ = s.auditLog.Record(r.Context(), audit.EventIngestion, "submit", m.ArtifactID,
		map[string]any{"entries": len(m.Entries), "payload_bytes": len(data)})

	verdict, err := s.engine.Admit(r.Context(), artifact)
	if err != nil {
		WriteInternalError(w, "evaluation failed")
		return
	}
	if s.obs != nil {
		s.obs.RecordVerdict(r.Context(), string(verdict.Outcome), verdict.RiskLevel, time.Since(start))
	}

	resp := ingestResponse{Verdict: verdict}
	if verdict.Admitted() && s.vault != nil && len(data) > 0 {
		fingerprint, err := s.vault.Deposit(r.Context(), verdict, artifact)
		if err != nil {
			WriteInternalError(w, "payload storage failed")
			return
		}
		resp.Fingerprint = fingerprint
	}
	WriteJSON(w, http.StatusOK, resp)
}

// indexChangeRequest is the trust index mutation boundary.
type indexChangeRequest struct {
	Change index.Change `json:"change"`

	// Policy selects which contest predicate applies; empty means the
	// default predicate.
	Policy string `json:"policy,omitempty"`
}

func (s *Server) handleIndexChange(w http.ResponseWriter, r *http.Request) {
	var req indexChangeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed change request: "+err.Error())
		return
	}
	if req.Change.Authority == "" {
		req.Change.Authority = audit.ActorFromContext(r.Context())
	}

	policyID := req.Policy
	if policyID == "" {
		policyID = policy.DefaultPolicyID
	}

	_, existing := s.idx.Lookup(req.Change.Entry.Path)
	contested := s.policies != nil && s.policies.Contested(policyID, req.Change, existing)

	if contested {
		if err := s.idx.Stage(req.Change); err != nil {
			if errors.Is(err, index.ErrPendingChange) {
				WriteConflict(w, err.Error())
				return
			}
			WriteBadRequest(w, err.Error())
			return
		}
		_ = s.auditLog.Record(r.Context(), audit.EventIndex, "stage", string(req.Change.Entry.Path),
			map[string]any{"contested": true})
		WriteJSON(w, http.StatusAccepted, map[string]any{
			"status": "pending",
			"detail": "contested change staged; a dispute will resolve it",
		})
		return
	}

	if err := s.idx.Apply(req.Change); err != nil {
		if errors.Is(err, index.ErrPendingChange) {
			WriteConflict(w, err.Error())
			return
		}
		WriteBadRequest(w, err.Error())
		return
	}
	if _, err := s.log.RecordIndexChange(string(req.Change.Entry.Path), req.Change.Authority,
		req.Change.Entry.Admitted, string(req.Change.Entry.RequiredTier), false); err != nil {
		WriteInternalError(w, "log append failed")
		return
	}
	_ = s.auditLog.Record(r.Context(), audit.EventIndex, "apply", string(req.Change.Entry.Path), nil)
	WriteJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleListDisputes(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.disputes.List())
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputes.Get(r.PathValue("id"))
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// ballotRequest is the consensus participation boundary. The voter
// identity comes from the authenticated token, never the body.
type ballotRequest struct {
	TrialNumber int              `json:"trial_number"`
	Choice      consensus.Choice `json:"choice"`
}

func (s *Server) handleBallot(w http.ResponseWriter, r *http.Request) {
	disputeID := r.PathValue("id")

	var req ballotRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed ballot: "+err.Error())
		return
	}

	participant := audit.ActorFromContext(r.Context())
	err := s.disputes.Submit(disputeID, req.TrialNumber, participant, req.Choice)
	switch {
	case err == nil:
	case errors.Is(err, consensus.ErrUnknownDispute):
		WriteNotFound(w, err.Error())
		return
	case errors.Is(err, consensus.ErrUnknownParticipant):
		WriteForbidden(w, err.Error())
		return
	case errors.Is(err, consensus.ErrDuplicateBallot),
		errors.Is(err, consensus.ErrNoOpenTrial),
		errors.Is(err, consensus.ErrDisputeClosed):
		WriteConflict(w, err.Error())
		return
	default:
		WriteBadRequest(w, err.Error())
		return
	}

	_ = s.auditLog.Record(r.Context(), audit.EventBallot, "cast", disputeID,
		map[string]any{"trial": req.TrialNumber, "choice": string(req.Choice)})
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	// Cancellation is a supervisory override: an authenticated voter
	// is not enough.
	if CapabilityFromContext(r.Context()) != CapabilitySupervisor {
		WriteForbidden(w, "supervisor capability required")
		return
	}

	disputeID := r.PathValue("id")

	var req cancelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed cancel request: "+err.Error())
		return
	}

	supervisor := audit.ActorFromContext(r.Context())
	err := s.disputes.Cancel(disputeID, supervisor, req.Reason)
	switch {
	case err == nil:
	case errors.Is(err, consensus.ErrUnknownDispute):
		WriteNotFound(w, err.Error())
		return
	case errors.Is(err, consensus.ErrDisputeClosed):
		WriteConflict(w, err.Error())
		return
	default:
		WriteBadRequest(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (s *Server) handleLogRead(w http.ResponseWriter, r *http.Request) {
	from := parseSeq(r.URL.Query().Get("from"), 1)
	to := parseSeq(r.URL.Query().Get("to"), uint64(s.log.Length()))
	WriteJSON(w, http.StatusOK, map[string]any{
		"entries": s.log.Range(from, to),
		"head":    s.log.Head(),
	})
}

func (s *Server) handleLogHead(w http.ResponseWriter, _ *http.Request) {
	ok, detail := s.log.Verify()
	WriteJSON(w, http.StatusOK, map[string]any{
		"head":   s.log.Head(),
		"length": s.log.Length(),
		"intact": ok,
		"detail": detail,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		WriteNotFound(w, "export not configured")
		return
	}

	req := audit.ExportRequest{
		From: parseSeq(r.URL.Query().Get("from"), 0),
		To:   parseSeq(r.URL.Query().Get("to"), 0),
	}
	zipBytes, pack, err := s.exporter.GeneratePack(r.Context(), req)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidRange) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternalError(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=evidence-%d-%d.zip", pack.From, pack.To))
	w.Header().Set("X-Evidence-Checksum", pack.Checksum)
	_, _ = w.Write(zipBytes)
}

func parseSeq(raw string, fallback uint64) uint64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
