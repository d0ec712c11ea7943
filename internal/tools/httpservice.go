package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/resilience"
	"github.com/hexenseai/hex-platform/pkg/fault"
)

// Defaults for [HTTPConfig].
const (
	DefaultHTTPTimeout  = 15 * time.Second
	DefaultMaxBodyBytes = 1 << 20
)

// HTTPConfig configures the generic HTTP service handler.
type HTTPConfig struct {
	// Timeout bounds one request. Default: [DefaultHTTPTimeout].
	Timeout time.Duration

	// AllowedHosts, when non-empty, is the set of hosts (host or host:port)
	// a service may call. Requests to other hosts fail without being sent.
	AllowedHosts []string

	// MaxBodyBytes caps the response body read. Default: [DefaultMaxBodyBytes].
	MaxBodyBytes int64

	// Breaker tunes the per-host circuit breakers.
	Breaker resilience.CircuitBreakerConfig

	// Client overrides the HTTP client. Its transport is wrapped for tracing.
	Client *http.Client
}

// HTTPArgs are the arguments of the generic HTTP service. They normally come
// from a service's default_params, with the model filling in the rest.
type HTTPArgs struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers"`

	// DataPath selects part of the JSON response, e.g. "data.items.0.name".
	DataPath string `json:"data_path"`

	// Payload is sent as the query string of a GET and as the JSON body of
	// any other method.
	Payload map[string]any `json:"payload"`

	// Params and Body target the query string and body explicitly.
	Params map[string]any `json:"params"`
	Body   any            `json:"body"`
}

// HTTPResult is returned to the model on success.
type HTTPResult struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

// HTTPService calls REST endpoints on behalf of the model.
type HTTPService struct {
	client       *http.Client
	timeout      time.Duration
	maxBody      int64
	allowedHosts []string
	breakerCfg   resilience.CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewHTTPService returns an HTTPService.
func NewHTTPService(cfg HTTPConfig) *HTTPService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	traced := *client
	traced.Transport = otelhttp.NewTransport(base)
	return &HTTPService{
		client:       &traced,
		timeout:      cfg.Timeout,
		maxBody:      cfg.MaxBodyBytes,
		allowedHosts: cfg.AllowedHosts,
		breakerCfg:   cfg.Breaker,
		breakers:     make(map[string]*resilience.CircuitBreaker),
	}
}

// Invoke implements [Handler].
func (s *HTTPService) Invoke(ctx context.Context, call Call) (any, error) {
	return Typed(func(ctx context.Context, args HTTPArgs, _ Call) (any, error) {
		return s.Do(ctx, args)
	}).Invoke(ctx, call)
}

// Do performs the request described by args.
func (s *HTTPService) Do(ctx context.Context, args HTTPArgs) (*HTTPResult, error) {
	req, err := s.buildRequest(ctx, args)
	if err != nil {
		return nil, err
	}
	host := req.URL.Host
	if len(s.allowedHosts) > 0 && !slices.Contains(s.allowedHosts, host) && !slices.Contains(s.allowedHosts, req.URL.Hostname()) {
		return nil, fault.ToolExecution("call_service: host %q is not allowed", host)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req = req.WithContext(ctx)

	// Only transport failures and 5xx responses count against the breaker.
	var (
		status int
		body   []byte
	)
	err = s.breaker(host).Execute(func() error {
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		body, err = io.ReadAll(io.LimitReader(resp.Body, s.maxBody))
		if err != nil {
			return err
		}
		if status >= http.StatusInternalServerError {
			return fmt.Errorf("HTTP %d", status)
		}
		return nil
	})
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return nil, fault.ToolExecution("call_service: %s is unavailable: %w", host, err)
	case err != nil:
		return nil, fault.ToolExecution("call_service: %s %s: %v", req.Method, req.URL.Redacted(), err)
	case status >= http.StatusBadRequest:
		return nil, fault.ToolExecution("call_service: HTTP %d: %s", status, snippet(body))
	}

	if !gjson.ValidBytes(body) {
		return nil, fault.ToolExecution("call_service: response is not JSON: %s", snippet(body))
	}
	if args.DataPath == "" {
		var data any
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, fault.ToolExecution("call_service: decode response: %v", err)
		}
		return &HTTPResult{Status: "success", Data: data}, nil
	}
	v := gjson.GetBytes(body, args.DataPath)
	if !v.Exists() {
		return nil, fault.ToolExecution("call_service: data path %q not found in response", args.DataPath)
	}
	observe.Logger(ctx).Debug("call_service: extracted data", "data_path", args.DataPath, "type", v.Type.String())
	return &HTTPResult{Status: "success", Data: v.Value()}, nil
}

func (s *HTTPService) buildRequest(ctx context.Context, args HTTPArgs) (*http.Request, error) {
	if args.Endpoint == "" {
		return nil, fault.ToolExecution("call_service: endpoint is required")
	}
	u, err := url.Parse(args.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fault.ToolExecution("call_service: invalid endpoint %q", args.Endpoint)
	}
	method := strings.ToUpper(args.Method)
	if method == "" {
		method = http.MethodGet
	}

	query := u.Query()
	addQuery(query, args.Params)
	var body io.Reader
	if method == http.MethodGet {
		addQuery(query, args.Payload)
	} else {
		payload := args.Body
		if payload == nil && args.Payload != nil {
			payload = args.Payload
		}
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fault.ToolExecution("call_service: encode body: %v", err)
			}
			body = bytes.NewReader(data)
		}
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fault.ToolExecution("call_service: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (s *HTTPService) breaker(host string) *resilience.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[host]
	if !ok {
		cfg := s.breakerCfg
		cfg.Name = "call_service/" + host
		cb = resilience.NewCircuitBreaker(cfg)
		s.breakers[host] = cb
	}
	return cb
}

func addQuery(q url.Values, params map[string]any) {
	for k, v := range params {
		switch tv := v.(type) {
		case string:
			q.Set(k, tv)
		case []any:
			q.Del(k)
			for _, item := range tv {
				q.Add(k, fmt.Sprint(item))
			}
		default:
			q.Set(k, fmt.Sprint(tv))
		}
	}
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "…"
	}
	return s
}
