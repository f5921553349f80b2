// Package client provides the OpenTrail Go SDK for appending to and
// auditing a trail ledger service over its REST API. Inclusion proofs are
// verified locally, so a consumer never has to trust the server's word for
// an entry's membership.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/opentrail/opentrail/pkg/merkle"
)

// Entry mirrors one ledger record as served by the API.
type Entry struct {
	Timestamp       int64          `json:"timestamp"`
	OpID            string         `json:"op_id"`
	ParentID        string         `json:"parent_id,omitempty"`
	Operation       string         `json:"operation"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Coverage        float64        `json:"coverage"`
	InvariantPassed bool           `json:"invariant_passed"`
	Signature       []byte         `json:"signature"`
	ContentHash     merkle.Hash    `json:"content_hash"`
}

// Submission is the payload for Append.
type Submission struct {
	Operation       string         `json:"operation"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Coverage        float64        `json:"coverage"`
	InvariantPassed bool           `json:"invariant_passed"`
	ParentID        string         `json:"parent_id,omitempty"`
	Timestamp       int64          `json:"timestamp,omitempty"`
}

// Stats summarizes the ledger served by GET /api/v1/ledger.
type Stats struct {
	Entries        int         `json:"entries"`
	Root           merkle.Hash `json:"root"`
	FirstTimestamp int64       `json:"first_timestamp,omitempty"`
	LastTimestamp  int64       `json:"last_timestamp,omitempty"`
}

// Finding localizes one integrity problem found by a server-side audit.
type Finding struct {
	Index  int    `json:"index"`
	OpID   string `json:"op_id,omitempty"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// IntegrityReport is the result of GET /api/v1/ledger/verify.
type IntegrityReport struct {
	OK             bool        `json:"ok"`
	Entries        int         `json:"entries"`
	FirstBadIndex  int         `json:"first_bad_index"`
	Findings       []Finding   `json:"findings,omitempty"`
	RecomputedRoot merkle.Hash `json:"recomputed_root"`
	StoredRoot     merkle.Hash `json:"stored_root"`
	RootMatches    bool        `json:"root_matches"`
}

// ProofResult pairs an inclusion proof with the root it was issued against.
type ProofResult struct {
	Proof merkle.Proof `json:"proof"`
	Root  merkle.Hash  `json:"root"`
}

// ExportResult is the full verification bundle from GET /api/v1/ledger/export.
type ExportResult struct {
	Entries   []*Entry    `json:"entries"`
	Count     int         `json:"count"`
	Root      merkle.Hash `json:"root"`
	PublicKey []byte      `json:"public_key"`
}

// ListQuery selects and pages entries for Entries and Export. Zero values
// mean "no constraint".
type ListQuery struct {
	Operation       string
	InvariantPassed *bool
	FromTimestamp   int64
	ToTimestamp     int64
	Limit           int
	Offset          int
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if q.Operation != "" {
		v.Set("operation", q.Operation)
	}
	if q.InvariantPassed != nil {
		v.Set("invariant_passed", strconv.FormatBool(*q.InvariantPassed))
	}
	if q.FromTimestamp != 0 {
		v.Set("from", strconv.FormatInt(q.FromTimestamp, 10))
	}
	if q.ToTimestamp != 0 {
		v.Set("to", strconv.FormatInt(q.ToTimestamp, 10))
	}
	if q.Limit != 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset != 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// Client is the OpenTrail SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client
	token      string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken attaches a producer Bearer token to every request. Required for
// Append against a server with authentication enabled.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client talking to the trail service at base, for example
// "http://localhost:8420".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Stats fetches ledger statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.get(ctx, "/api/v1/ledger", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Root fetches the current Merkle root.
func (c *Client) Root(ctx context.Context) (merkle.Hash, error) {
	var out struct {
		Root merkle.Hash `json:"root"`
	}
	if err := c.get(ctx, "/api/v1/ledger/root", nil, &out); err != nil {
		return merkle.Hash{}, err
	}
	return out.Root, nil
}

// PublicKey fetches the ledger's verifying key.
func (c *Client) PublicKey(ctx context.Context) ([]byte, error) {
	var out struct {
		PublicKey []byte `json:"public_key"`
	}
	if err := c.get(ctx, "/api/v1/ledger/public-key", nil, &out); err != nil {
		return nil, err
	}
	return out.PublicKey, nil
}

// Verify runs a server-side integrity audit. A tampered ledger is not an
// error: inspect the report's OK flag and findings.
func (c *Client) Verify(ctx context.Context) (*IntegrityReport, error) {
	var r IntegrityReport
	if err := c.get(ctx, "/api/v1/ledger/verify", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Append submits a new entry and returns the committed record.
func (c *Client) Append(ctx context.Context, sub Submission) (*Entry, error) {
	var e Entry
	if err := c.post(ctx, "/api/v1/ledger/entries", sub, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Entry fetches a single entry by op_id.
func (c *Client) Entry(ctx context.Context, opID string) (*Entry, error) {
	var e Entry
	if err := c.get(ctx, "/api/v1/ledger/entries/"+url.PathEscape(opID), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Entries fetches a page of entries matching q.
func (c *Client) Entries(ctx context.Context, q ListQuery) ([]*Entry, error) {
	var out struct {
		Entries []*Entry `json:"entries"`
		Count   int      `json:"count"`
	}
	if err := c.get(ctx, "/api/v1/ledger/entries", q.values(), &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Trace fetches the causal chain ending at opID, ordered origin first.
func (c *Client) Trace(ctx context.Context, opID string) ([]*Entry, error) {
	var out struct {
		Chain []*Entry `json:"chain"`
		Depth int      `json:"depth"`
	}
	path := "/api/v1/ledger/entries/" + url.PathEscape(opID) + "/trace"
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Chain, nil
}

// Proof fetches the inclusion proof for opID together with the root it
// commits to.
func (c *Client) Proof(ctx context.Context, opID string) (*ProofResult, error) {
	var out ProofResult
	path := "/api/v1/ledger/entries/" + url.PathEscape(opID) + "/proof"
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyInclusion fetches the proof for opID and checks it locally against
// the server-reported root. It returns the verified root, or an error if the
// proof does not hold.
func (c *Client) VerifyInclusion(ctx context.Context, opID string) (merkle.Hash, error) {
	pr, err := c.Proof(ctx, opID)
	if err != nil {
		return merkle.Hash{}, err
	}
	if !merkle.VerifyProof(pr.Proof, pr.Root) {
		return merkle.Hash{}, fmt.Errorf("inclusion proof for %s does not verify against root %s", opID, pr.Root)
	}
	return pr.Root, nil
}

// Export fetches entries, root, and public key in one bundle for offline
// verification.
func (c *Client) Export(ctx context.Context, q ListQuery) (*ExportResult, error) {
	var out ExportResult
	if err := c.get(ctx, "/api/v1/ledger/export", q.values(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IssueToken exchanges the operator secret for a producer Bearer token and
// installs it on the client for subsequent Append calls.
func (c *Client) IssueToken(ctx context.Context, secret, producer string) (string, error) {
	var out struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	body := map[string]string{"secret": secret, "producer": producer}
	if err := c.post(ctx, "/api/v1/auth/token", body, &out); err != nil {
		return "", err
	}
	c.token = out.Token
	return out.Token, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes a request, attaching the Bearer token if present, and decodes
// either the success payload or the server's error envelope.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(body)}
		var envelope struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
			apiErr.Message = envelope.Error
			apiErr.Kind = envelope.Kind
		}
		return apiErr
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
