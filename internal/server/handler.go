// Package server exposes the ledger over HTTP. Handlers are thin
// pass-throughs to ledger operations and carry no logic of their own.
package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opentrail/opentrail/internal/ledger"
)

// LedgerHandler exposes the ledger's operations as HTTP endpoints.
type LedgerHandler struct {
	ledger *ledger.Ledger
	auth   *Issuer // nil disables the producer endpoint guard
	logger *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler. auth may be nil for read-only
// deployments without a producer surface.
func NewLedgerHandler(l *ledger.Ledger, auth *Issuer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, auth: auth, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	lg := rg.Group("/ledger")
	{
		lg.GET("", h.Stats)
		lg.GET("/verify", h.Verify)
		lg.GET("/root", h.Root)
		lg.GET("/export", h.Export)
		lg.GET("/public-key", h.PublicKey)
		lg.GET("/entries", h.ListEntries)
		lg.GET("/entries/:op_id", h.GetEntry)
		lg.GET("/entries/:op_id/trace", h.Trace)
		lg.GET("/entries/:op_id/proof", h.Proof)

		if h.auth != nil {
			lg.POST("/entries", h.auth.RequireToken(), h.AppendEntry)
		} else {
			lg.POST("/entries", h.AppendEntry)
		}
	}
	if h.auth != nil {
		rg.POST("/auth/token", h.auth.HandleIssueToken)
	}
}

// Stats handles GET /ledger.
func (h *LedgerHandler) Stats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, "ledger stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Verify handles GET /ledger/verify. A tampered ledger is a 200 with
// ok=false and findings; only infrastructure failures are error statuses.
func (h *LedgerHandler) Verify(c *gin.Context) {
	report, err := h.ledger.VerifyIntegrity(c.Request.Context())
	if err != nil {
		h.fail(c, "ledger verify", err)
		return
	}
	if !report.OK {
		h.logger.Warn("integrity audit found problems",
			zap.Int("findings", len(report.Findings)),
			zap.Int("first_bad_index", report.FirstBadIndex),
		)
	}
	verifyRuns.WithLabelValues(verifyResult(report.OK)).Inc()
	c.JSON(http.StatusOK, report)
}

// Root handles GET /ledger/root.
func (h *LedgerHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"root": h.ledger.Root()})
}

// PublicKey handles GET /ledger/public-key, serving the verifying key for
// independent audits.
func (h *LedgerHandler) PublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": h.ledger.PublicKey()})
}

// ListEntries handles GET /ledger/entries with paging and filters.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	q, ok := h.queryFromRequest(c)
	if !ok {
		return
	}
	entries, err := h.ledger.Entries(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "list entries", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Export handles GET /ledger/export: the full matching range, no default
// page cap, for offline verification tooling. Entries and root come from a
// single ledger snapshot.
func (h *LedgerHandler) Export(c *gin.Context) {
	q, ok := h.queryFromRequest(c)
	if !ok {
		return
	}
	entries, root, err := h.ledger.Export(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "export entries", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"count":      len(entries),
		"root":       root,
		"public_key": h.ledger.PublicKey(),
	})
}

// GetEntry handles GET /ledger/entries/:op_id.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	e, err := h.ledger.Get(c.Request.Context(), c.Param("op_id"))
	if err != nil {
		h.fail(c, "get entry", err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// Trace handles GET /ledger/entries/:op_id/trace.
func (h *LedgerHandler) Trace(c *gin.Context) {
	chain, err := h.ledger.Trace(c.Request.Context(), c.Param("op_id"))
	if err != nil {
		h.fail(c, "trace entry", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain": chain, "depth": len(chain)})
}

// Proof handles GET /ledger/entries/:op_id/proof. The proof and the root
// come from a single ledger snapshot so the served pair always verifies.
func (h *LedgerHandler) Proof(c *gin.Context) {
	proof, root, err := h.ledger.Proof(c.Param("op_id"))
	if err != nil {
		h.fail(c, "generate proof", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proof": proof, "root": root})
}

// AppendEntry handles POST /ledger/entries, the producer interface.
func (h *LedgerHandler) AppendEntry(c *gin.Context) {
	var sub ledger.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed submission: " + err.Error()})
		return
	}

	e, err := h.ledger.Append(c.Request.Context(), sub)
	if err != nil {
		appendFailures.WithLabelValues(errorKind(err)).Inc()
		h.fail(c, "append entry", err)
		return
	}
	entriesAppended.Inc()
	c.JSON(http.StatusCreated, e)
}

func (h *LedgerHandler) queryFromRequest(c *gin.Context) (ledger.Query, bool) {
	var q ledger.Query
	q.Operation = c.Query("operation")

	for param, dst := range map[string]*int64{
		"from": &q.FromTimestamp,
		"to":   &q.ToTimestamp,
	} {
		if raw := c.Query(param); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": param + " must be an integer timestamp"})
				return ledger.Query{}, false
			}
			*dst = v
		}
	}
	for param, dst := range map[string]*int{
		"limit":  &q.Limit,
		"offset": &q.Offset,
	} {
		if raw := c.Query(param); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": param + " must be a non-negative integer"})
				return ledger.Query{}, false
			}
			*dst = v
		}
	}
	if raw := c.Query("invariant_passed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invariant_passed must be a boolean"})
			return ledger.Query{}, false
		}
		q.InvariantPassed = &v
	}
	return q, true
}

// fail maps ledger error kinds to HTTP statuses. Every rejected operation
// surfaces its specific kind so callers never see a generic failure.
func (h *LedgerHandler) fail(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidRange), errors.Is(err, ledger.ErrBadPayload):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnknownParent), errors.Is(err, ledger.ErrOrderingViolation),
		errors.Is(err, ledger.ErrDuplicateID):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(op, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": errorKind(err)})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ledger.ErrOrderingViolation):
		return "ordering_violation"
	case errors.Is(err, ledger.ErrUnknownParent):
		return "unknown_parent"
	case errors.Is(err, ledger.ErrDuplicateID):
		return "duplicate_identifier"
	case errors.Is(err, ledger.ErrSignatureFailure):
		return "signature_failure"
	case errors.Is(err, ledger.ErrBadPayload):
		return "bad_payload"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrInvalidRange):
		return "invalid_range"
	case errors.Is(err, ledger.ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "internal"
	}
}

func verifyResult(ok bool) string {
	if ok {
		return "clean"
	}
	return "findings"
}
