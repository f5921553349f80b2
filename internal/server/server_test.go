package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opentrail/opentrail/internal/ledger"
	"github.com/opentrail/opentrail/internal/server"
	"github.com/opentrail/opentrail/internal/signer"
	"github.com/opentrail/opentrail/internal/storage"
	"github.com/opentrail/opentrail/pkg/merkle"
)

var ctx = context.Background()

func setup(t *testing.T) (*gin.Engine, *ledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sgn, err := signer.NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Open(ctx, storage.NewMemory(), sgn, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	router := server.NewRouter(l, server.Options{}, zap.NewNop())
	return router, l
}

func do(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func appendOne(t *testing.T, l *ledger.Ledger, op string) *ledger.Entry {
	t.Helper()
	e, err := l.Append(ctx, ledger.Submission{
		Operation:       op,
		Inputs:          map[string]any{"a": 1.0},
		Output:          map[string]any{"v": 2.0},
		Coverage:        0.9,
		InvariantPassed: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestStats_200(t *testing.T) {
	router, l := setup(t)
	appendOne(t, l, "op")

	w := do(t, router, http.MethodGet, "/api/v1/ledger", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stats ledger.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Errorf("entries: got %d, want 1", stats.Entries)
	}
	if stats.Root != l.Root() {
		t.Errorf("root mismatch in stats")
	}
}

func TestVerify_200_clean(t *testing.T) {
	router, l := setup(t)
	appendOne(t, l, "op")

	w := do(t, router, http.MethodGet, "/api/v1/ledger/verify", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var report ledger.IntegrityReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if !report.OK {
		t.Errorf("expected clean report, got findings: %+v", report.Findings)
	}
}

func TestAppendEntry_201_and_errors(t *testing.T) {
	router, _ := setup(t)

	w := do(t, router, http.MethodPost, "/api/v1/ledger/entries", ledger.Submission{
		Operation: "interval_add",
		Inputs:    map[string]any{"a": 1.0},
		Coverage:  0.99,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var e ledger.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.OpID == "" || len(e.Signature) == 0 {
		t.Error("returned entry is not finalized")
	}

	// Unknown parent maps to 409 with a specific kind.
	w = do(t, router, http.MethodPost, "/api/v1/ledger/entries", ledger.Submission{
		Operation: "op",
		ParentID:  "nope",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["kind"] != "unknown_parent" {
		t.Errorf("kind: got %v, want unknown_parent", resp["kind"])
	}

	// Missing operation maps to 400.
	w = do(t, router, http.MethodPost, "/api/v1/ledger/entries", ledger.Submission{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetEntry_200_and_404(t *testing.T) {
	router, l := setup(t)
	e := appendOne(t, l, "op")

	w := do(t, router, http.MethodGet, "/api/v1/ledger/entries/"+e.OpID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = do(t, router, http.MethodGet, "/api/v1/ledger/entries/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestTrace_200(t *testing.T) {
	router, l := setup(t)

	a := appendOne(t, l, "origin")
	b, err := l.Append(ctx, ledger.Submission{Operation: "derived", ParentID: a.OpID})
	if err != nil {
		t.Fatal(err)
	}

	w := do(t, router, http.MethodGet, fmt.Sprintf("/api/v1/ledger/entries/%s/trace", b.OpID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Chain []ledger.Entry `json:"chain"`
		Depth int            `json:"depth"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Depth != 2 || resp.Chain[0].OpID != a.OpID || resp.Chain[1].OpID != b.OpID {
		t.Errorf("unexpected chain: %+v", resp)
	}
}

func TestProof_200_verifiable(t *testing.T) {
	router, l := setup(t)
	for i := 0; i < 4; i++ {
		appendOne(t, l, "op")
	}
	e := appendOne(t, l, "proven")

	w := do(t, router, http.MethodGet, fmt.Sprintf("/api/v1/ledger/entries/%s/proof", e.OpID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Proof merkle.Proof `json:"proof"`
		Root  merkle.Hash  `json:"root"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !merkle.VerifyProof(resp.Proof, resp.Root) {
		t.Error("served proof does not verify against served root")
	}
}

func TestListEntries_filtersAndValidation(t *testing.T) {
	router, l := setup(t)
	for i := 0; i < 5; i++ {
		appendOne(t, l, "op")
	}

	w := do(t, router, http.MethodGet, "/api/v1/ledger/entries?limit=2&offset=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("count: got %d, want 2", resp.Count)
	}

	w = do(t, router, http.MethodGet, "/api/v1/ledger/entries?limit=banana", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAppendEntry_authRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)

	sgn, err := signer.NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Open(ctx, storage.NewMemory(), sgn, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	secretHash, err := server.HashSecret("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	auth := server.NewIssuer([]byte("signing-key"), []byte(secretHash),
		"http://localhost", time.Minute, zap.NewNop())
	router := server.NewRouter(l, server.Options{Auth: auth}, zap.NewNop())

	// No token: rejected, ledger unchanged.
	w := do(t, router, http.MethodPost, "/api/v1/ledger/entries", ledger.Submission{Operation: "op"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if l.Len() != 0 {
		t.Error("unauthorized append mutated the ledger")
	}

	// Wrong secret cannot mint a token.
	w = do(t, router, http.MethodPost, "/api/v1/auth/token",
		map[string]string{"secret": "wrong", "producer": "kernel"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Right secret mints a token that authorizes the append.
	w = do(t, router, http.MethodPost, "/api/v1/auth/token",
		map[string]string{"secret": "s3cret", "producer": "kernel"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &tokenResp); err != nil {
		t.Fatal(err)
	}

	raw, _ := json.Marshal(ledger.Submission{Operation: "op"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ledger/entries", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokenResp.Token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimit_429AfterBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)

	sgn, err := signer.NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Open(ctx, storage.NewMemory(), sgn, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	router := server.NewRouter(l, server.Options{RateLimitRPS: 1}, zap.NewNop())

	// rps 1 gives a burst of 2; the third immediate request is rejected.
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := do(t, router, http.MethodGet, "/healthz", nil)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("requests within burst rejected: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %v", codes)
	}
}

func TestHealthz(t *testing.T) {
	router, _ := setup(t)
	w := do(t, router, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
