package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/pkg/admission"
	"github.com/castellan-io/castellan/pkg/audit"
	"github.com/castellan-io/castellan/pkg/authz"
	"github.com/castellan-io/castellan/pkg/canonicalize"
	"github.com/castellan-io/castellan/pkg/consensus"
	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/index"
	"github.com/castellan-io/castellan/pkg/ledger"
	"github.com/castellan-io/castellan/pkg/manifest"
	"github.com/castellan-io/castellan/pkg/payload"
	"github.com/castellan-io/castellan/pkg/policy"
	"github.com/castellan-io/castellan/pkg/tiers"
)

type serverFixture struct {
	server   *Server
	mux      *http.ServeMux
	idx      *index.Index
	disputes *consensus.Engine
	log      *ledger.Log
	store    payload.Store
	signer   *authz.ProvisionedIdentity
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	signer, err := authz.Provision("signer-1", tiers.TierPrivileged, tiers.TierBasic)
	require.NoError(t, err)
	verifier := authz.NewVerifier()
	require.NoError(t, verifier.Register(signer.Record))

	log := ledger.New()
	disputes := consensus.NewEngine(consensus.Config{
		TrialWindow:    time.Second,
		DefaultOutcome: contracts.OutcomeReject,
	}, log)

	idx := index.New()
	engine, err := admission.NewEngine(admission.Config{
		EngineVersion: "1.4.0",
		Roster:        []consensus.Participant{{ID: "alice"}, {ID: "bob"}, {ID: "carol"}},
	}, idx, verifier, disputes, log, admission.NewObserver(nil))
	require.NoError(t, err)

	validator, err := manifest.NewValidator()
	require.NoError(t, err)

	policies, err := policy.NewEngine()
	require.NoError(t, err)
	require.NoError(t, policies.Load(policy.DefaultPolicyID, policy.DefaultContestPredicate))

	store, err := payload.NewFSStore(t.TempDir())
	require.NoError(t, err)
	vault := payload.NewVault(store)

	srv, err := NewServer(ServerConfig{
		Validator: validator,
		Engine:    engine,
		Disputes:  disputes,
		Index:     idx,
		Policies:  policies,
		Log:       log,
		Vault:     vault,
		Exporter:  audit.NewExporter(log, store),
		AuditLog:  audit.NewLoggerWithWriter(&bytes.Buffer{}),
	})
	require.NoError(t, err)

	return &serverFixture{
		server:   srv,
		mux:      srv.Routes(),
		idx:      idx,
		disputes: disputes,
		log:      log,
		store:    store,
		signer:   signer,
	}
}

func (f *serverFixture) allow(t *testing.T, path string) {
	t.Helper()
	cp, err := canonicalize.Path(path)
	require.NoError(t, err)
	require.NoError(t, f.idx.Apply(index.Change{
		Entry:     index.Entry{Path: cp, Admitted: true, RequiredTier: tiers.TierBasic},
		Authority: "root-authority",
	}))
}

func (f *serverFixture) do(t *testing.T, method, target, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.doWith(t, method, target, actor, "", body)
}

// doWith issues a request as an actor carrying a token capability, the
// way AuthMiddleware would populate the context.
func (f *serverFixture) doWith(t *testing.T, method, target, actor, capability string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	ctx := req.Context()
	if actor != "" {
		ctx = audit.WithActor(ctx, actor)
	}
	if capability != "" {
		ctx = WithCapability(ctx, capability)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

// signedManifest builds and signs a one-entry manifest as raw JSON.
func (f *serverFixture) signedManifest(t *testing.T, artifactID, path string, payload []byte) json.RawMessage {
	t.Helper()
	sum := sha256.Sum256(payload)
	m := contracts.Manifest{
		ArtifactID: artifactID,
		Root:       "bundle",
		Entries: []contracts.Entry{{
			Path:        path,
			Size:        int64(len(payload)),
			Fingerprint: "sha256:" + hex.EncodeToString(sum[:]),
		}},
	}
	message, err := canonicalize.ManifestBytes(&m)
	require.NoError(t, err)
	m.Signature = contracts.SignatureBlock{SignerID: "signer-1", Signature: f.signer.SignPrimary(message)}

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func TestIngestAdmitsAndStoresPayload(t *testing.T) {
	f := newServerFixture(t)
	f.allow(t, "lib/a.so")

	data := []byte("payload bytes")
	rec := f.do(t, http.MethodPost, "/api/artifacts", "", ingestRequest{
		Manifest:      f.signedManifest(t, "artifact-1", "lib/a.so", data),
		PayloadBase64: base64.StdEncoding.EncodeToString(data),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Verdict.Admitted())
	require.NotEmpty(t, resp.Fingerprint)

	ok, err := f.store.Exists(t.Context(), resp.Fingerprint)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIngestRejectionSkipsVault(t *testing.T) {
	f := newServerFixture(t)
	// Path never allow-listed: the artifact is rejected and the payload
	// stays out of the vault.
	data := []byte("never stored")
	rec := f.do(t, http.MethodPost, "/api/artifacts", "", ingestRequest{
		Manifest:      f.signedManifest(t, "artifact-2", "lib/unknown.so", data),
		PayloadBase64: base64.StdEncoding.EncodeToString(data),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, contracts.OutcomeReject, resp.Verdict.Outcome)
	assert.Empty(t, resp.Fingerprint)
}

func TestIngestRejectsMalformedManifest(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/artifacts", "", ingestRequest{
		Manifest: json.RawMessage(`{"artifact_id":"x"}`),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusBadRequest, problem.Status)
}

func TestIndexChangeUncontestedApplies(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/index/changes", "root-authority", indexChangeRequest{
		Change: index.Change{
			Entry:     index.Entry{Path: "lib/new.so", Admitted: true, RequiredTier: tiers.TierBasic},
			Authority: "root-authority",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, ok := f.idx.Lookup("lib/new.so")
	assert.True(t, ok)

	// Committed changes land in the governance log.
	require.Equal(t, 1, f.log.Length())
	logged, err := f.log.Get(1)
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryIndexChange, logged.EntryType)
}

func TestIndexChangeContestedIsStaged(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/index/changes", "", indexChangeRequest{
		Change: index.Change{
			Entry:     index.Entry{Path: "lib/hot.so", Admitted: true, RequiredTier: tiers.TierPrivileged},
			Authority: "secondary-authority",
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// Staged, not committed.
	_, ok := f.idx.Lookup("lib/hot.so")
	assert.False(t, ok)
	assert.True(t, f.idx.Ambiguous("lib/hot.so"))

	// A second change to the same path conflicts with the pending one.
	rec = f.do(t, http.MethodPost, "/api/index/changes", "", indexChangeRequest{
		Change: index.Change{
			Entry:     index.Entry{Path: "lib/hot.so", Admitted: false, RequiredTier: tiers.TierBasic},
			Authority: "root-authority",
		},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBallotSubmission(t *testing.T) {
	f := newServerFixture(t)

	opened, err := f.disputes.Open("lib/contested.so", []consensus.Participant{
		{ID: "alice"}, {ID: "bob"}, {ID: "carol"},
	})
	require.NoError(t, err)
	disputeID := opened.ID
	go func() { _, _ = f.disputes.Resolve(t.Context(), disputeID) }()

	require.Eventually(t, func() bool {
		d, err := f.disputes.Get(disputeID)
		return err == nil && len(d.Trials) == 1 && d.Trials[0].State == consensus.TrialCollecting
	}, 2*time.Second, 5*time.Millisecond)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/disputes/%s/ballots", disputeID), "alice",
		ballotRequest{TrialNumber: 1, Choice: consensus.ChoiceApprove})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// Same participant again is a conflict.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/disputes/%s/ballots", disputeID), "alice",
		ballotRequest{TrialNumber: 1, Choice: consensus.ChoiceApprove})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// A stranger is forbidden.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/disputes/%s/ballots", disputeID), "mallory",
		ballotRequest{TrialNumber: 1, Choice: consensus.ChoiceReject})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown dispute is not found.
	rec = f.do(t, http.MethodPost, "/api/disputes/no-such-id/ballots", "alice",
		ballotRequest{TrialNumber: 1, Choice: consensus.ChoiceApprove})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSupervisoryCancelEndpoint(t *testing.T) {
	f := newServerFixture(t)

	opened, err := f.disputes.Open("lib/contested.so", []consensus.Participant{{ID: "alice"}})
	require.NoError(t, err)
	disputeID := opened.ID
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.disputes.Resolve(t.Context(), disputeID)
	}()

	require.Eventually(t, func() bool {
		d, err := f.disputes.Get(disputeID)
		return err == nil && len(d.Trials) == 1
	}, 2*time.Second, 5*time.Millisecond)

	rec := f.doWith(t, http.MethodPost, fmt.Sprintf("/api/disputes/%s/cancel", disputeID),
		"supervisor-1", CapabilitySupervisor, cancelRequest{Reason: "superseded"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resolution did not terminate after cancellation")
	}

	d, err := f.disputes.Get(disputeID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeCancelled, d.FinalOutcome)
}

func TestCancelRequiresSupervisorCapability(t *testing.T) {
	f := newServerFixture(t)

	opened, err := f.disputes.Open("lib/contested.so",
		[]consensus.Participant{{ID: "alice"}, {ID: "bob"}, {ID: "carol"}})
	require.NoError(t, err)
	disputeID := opened.ID
	go func() { _, _ = f.disputes.Resolve(t.Context(), disputeID) }()

	require.Eventually(t, func() bool {
		d, err := f.disputes.Get(disputeID)
		return err == nil && len(d.Trials) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.disputes.Submit(disputeID, 1, "bob", consensus.ChoiceApprove))

	// A voter on the losing side cannot short-circuit the dispute.
	target := fmt.Sprintf("/api/disputes/%s/cancel", disputeID)
	rec := f.do(t, http.MethodPost, target, "alice", cancelRequest{Reason: "I disagree"})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	d, err := f.disputes.Get(disputeID)
	require.NoError(t, err)
	assert.Equal(t, consensus.DisputeResolving, d.State)

	// A capability other than supervisor is equally refused.
	rec = f.doWith(t, http.MethodPost, target, "alice", "auditor", cancelRequest{Reason: "still no"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.doWith(t, http.MethodPost, target, "supervisor-1", CapabilitySupervisor,
		cancelRequest{Reason: "incident response"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestLogReadBoundary(t *testing.T) {
	f := newServerFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.log.RecordIndexChange(fmt.Sprintf("lib/p%d.so", i), "root-authority", true, "basic", false)
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/log?from=2&to=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []ledger.Entry `json:"entries"`
		Head    string         `json:"head"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 2)
	assert.Equal(t, f.log.Head(), resp.Head)

	rec = f.do(t, http.MethodGet, "/api/log/head", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var head struct {
		Intact bool `json:"intact"`
		Length int  `json:"length"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &head))
	assert.True(t, head.Intact)
	assert.Equal(t, 3, head.Length)
}

func TestExportEndpoint(t *testing.T) {
	f := newServerFixture(t)
	_, err := f.log.RecordIndexChange("lib/a.so", "root-authority", true, "basic", false)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/export", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Evidence-Checksum"))
	assert.NotEmpty(t, rec.Body.Bytes())

	rec = f.do(t, http.MethodGet, "/api/export?from=5&to=2", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newServerFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readiness", "", nil).Code)
}
