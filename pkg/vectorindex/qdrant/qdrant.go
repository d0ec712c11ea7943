// Package qdrant provides a vectorindex.Index backed by a Qdrant server's
// REST API.
//
// Qdrant only accepts unsigned integers or UUIDs as point ids. Arbitrary ids
// are mapped onto name-based UUIDs (SHA-1, fixed namespace) and the original
// id is kept in the reserved payload field [IDField] so hits report the id the
// caller stored.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hexenseai/hex-platform/pkg/vectorindex"
)

// IDField is the payload key holding the caller's point id.
const IDField = "_point_id"

// idNamespace seeds the name-based UUIDs derived from caller ids.
var idNamespace = uuid.MustParse("6f1d8a52-3c1e-4b7a-9d0e-5a2f3c4b6d71")

var _ vectorindex.Index = (*Client)(nil)

// Client talks to one Qdrant server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the api-key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a Client for the server at baseURL (e.g. "http://localhost:6333").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("qdrant: base URL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// PointID returns the Qdrant point id used for id.
func PointID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(idNamespace, []byte(id)).String()
}

// errNotFound marks a 404 from the server.
var errNotFound = errors.New("qdrant: not found")

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("qdrant: encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("qdrant: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("qdrant: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("qdrant: decode response: %w", err)
	}
	return nil
}

func collectionPath(name string, rest string) string {
	return "/collections/" + url.PathEscape(name) + rest
}

// EnsureCollection implements vectorindex.Index.
func (c *Client) EnsureCollection(ctx context.Context, name string, dims int) error {
	err := c.do(ctx, http.MethodGet, collectionPath(name, ""), nil, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errNotFound) {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{"size": dims, "distance": "Cosine"},
	}
	return c.do(ctx, http.MethodPut, collectionPath(name, ""), body, nil)
}

// Upsert implements vectorindex.Index.
func (c *Client) Upsert(ctx context.Context, name string, points ...vectorindex.Point) error {
	if len(points) == 0 {
		return nil
	}
	wire := make([]map[string]any, 0, len(points))
	for _, p := range points {
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload[IDField] = p.ID
		wire = append(wire, map[string]any{
			"id":      PointID(p.ID),
			"vector":  p.Vector,
			"payload": payload,
		})
	}
	return c.do(ctx, http.MethodPut, collectionPath(name, "/points?wait=true"), map[string]any{"points": wire}, nil)
}

func toFilter(f vectorindex.Filter) map[string]any {
	must := make([]map[string]any, 0, len(f))
	for k, v := range f {
		must = append(must, map[string]any{"key": k, "match": map[string]any{"value": v}})
	}
	return map[string]any{"must": must}
}

type searchResponse struct {
	Result []struct {
		ID      any            `json:"id"`
		Score   float32        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

// Search implements vectorindex.Index.
func (c *Client) Search(ctx context.Context, name string, vector []float32, filter vectorindex.Filter, limit int) ([]vectorindex.Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if len(filter) > 0 {
		body["filter"] = toFilter(filter)
	}
	var resp searchResponse
	err := c.do(ctx, http.MethodPost, collectionPath(name, "/points/search"), body, &resp)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	hits := make([]vectorindex.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, _ := r.Payload[IDField].(string)
		if id == "" {
			id = fmt.Sprint(r.ID)
		}
		delete(r.Payload, IDField)
		hits = append(hits, vectorindex.Hit{ID: id, Score: r.Score, Payload: r.Payload})
	}
	return hits, nil
}

// PatchPayload implements vectorindex.Index.
func (c *Client) PatchPayload(ctx context.Context, name, id string, payload map[string]any) error {
	body := map[string]any{
		"payload": payload,
		"points":  []string{PointID(id)},
	}
	err := c.do(ctx, http.MethodPost, collectionPath(name, "/points/payload?wait=true"), body, nil)
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("%w: %s", vectorindex.ErrNotFound, id)
	}
	return err
}

// Delete implements vectorindex.Index.
func (c *Client) Delete(ctx context.Context, name string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]string, len(ids))
	for i, id := range ids {
		pids[i] = PointID(id)
	}
	err := c.do(ctx, http.MethodPost, collectionPath(name, "/points/delete?wait=true"), map[string]any{"points": pids}, nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

// DeleteWhere implements vectorindex.Index.
func (c *Client) DeleteWhere(ctx context.Context, name string, filter vectorindex.Filter) error {
	if len(filter) == 0 {
		return errors.New("qdrant: delete requires a filter")
	}
	err := c.do(ctx, http.MethodPost, collectionPath(name, "/points/delete?wait=true"), map[string]any{"filter": toFilter(filter)}, nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

// Ping checks that the server answers. It backs the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/collections", nil, nil)
}
