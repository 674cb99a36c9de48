// Package hive is a JSON-RPC client for Hive API nodes.
package hive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var rpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "paynsnap_rpc_request_duration_seconds",
	Help:    "Latency of Hive RPC calls by method and outcome",
	Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
}, []string{"method", "outcome"})

// RPC is the read-only chain access the workflow needs.
type RPC interface {
	GetAccountHistory(ctx context.Context, account string, start int64, limit int) ([]domain.HistoryEntry, error)
	GetDiscussionsByBlog(ctx context.Context, tag string, limit int) ([]domain.Discussion, error)
}

var _ RPC = (*Client)(nil)

// Client talks to a list of API nodes, moving to the next node on transport or 5xx failures.
type Client struct {
	nodes   []string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
	nextID  atomic.Int64
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps outgoing calls per second across all nodes. Zero disables the cap.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(nodes []string, opts ...Option) *Client {
	trimmed := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n = strings.TrimRight(strings.TrimSpace(n), "/"); n != "" {
			trimmed = append(trimmed, n)
		}
	}
	c := &Client{
		nodes:  trimmed,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	start := time.Now()
	err := c.callNodes(ctx, method, params, out)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	rpcDuration.WithLabelValues(method, outcome).Observe(time.Since(start).Seconds())
	return err
}

func (c *Client) callNodes(ctx context.Context, method string, params any, out any) error {
	if len(c.nodes) == 0 {
		return &Error{Method: method, Err: errors.New("no API nodes configured")}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return &Error{Method: method, Err: err}
	}

	var lastErr error
	for _, node := range c.nodes {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return &Error{Method: method, Node: node, Err: err}
			}
		}
		err := c.post(ctx, node, method, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var herr *Error
		if ctx.Err() != nil || (errors.As(err, &herr) && !herr.retryable()) {
			return err
		}
		c.logger.Warn().Err(err).Str("node", node).Str("method", method).Msg("rpc node failed, trying next")
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, node, method string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node, bytes.NewReader(body))
	if err != nil {
		return &Error{Method: method, Node: node, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return &Error{Method: method, Node: node, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return &Error{Method: method, Node: node, Status: res.StatusCode, Err: errors.New(string(bytes.TrimSpace(snippet)))}
	}

	var rpc rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&rpc); err != nil {
		return &Error{Method: method, Node: node, Status: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if rpc.Error != nil {
		return &Error{Method: method, Node: node, Status: res.StatusCode, Code: rpc.Error.Code, Message: rpc.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpc.Result, out); err != nil {
		return &Error{Method: method, Node: node, Status: res.StatusCode, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// retryable reports whether another node might answer differently.
// RPC-level errors come from a healthy node and are returned as is.
func (e *Error) retryable() bool {
	if e.Message != "" {
		return false
	}
	return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

type historyItem struct {
	TrxID     string           `json:"trx_id"`
	Block     int64            `json:"block"`
	Timestamp string           `json:"timestamp"`
	Op        domain.Operation `json:"op"`
}

// GetAccountHistory returns up to limit entries ending at start (-1 for the newest).
// Entries are returned in node order; callers must not assume a direction.
func (c *Client) GetAccountHistory(ctx context.Context, account string, start int64, limit int) ([]domain.HistoryEntry, error) {
	var raw [][2]json.RawMessage
	if err := c.call(ctx, "condenser_api.get_account_history", []any{account, start, limit}, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.HistoryEntry, 0, len(raw))
	for _, pair := range raw {
		var idx int64
		if err := json.Unmarshal(pair[0], &idx); err != nil {
			return nil, &Error{Method: "condenser_api.get_account_history", Err: fmt.Errorf("history index: %w", err)}
		}
		var item historyItem
		if err := json.Unmarshal(pair[1], &item); err != nil {
			return nil, &Error{Method: "condenser_api.get_account_history", Err: fmt.Errorf("history item %d: %w", idx, err)}
		}
		out = append(out, domain.HistoryEntry{
			Index:     idx,
			Op:        item.Op,
			TrxID:     item.TrxID,
			Block:     item.Block,
			Timestamp: item.Timestamp,
		})
	}
	return out, nil
}

// GetDiscussionsByBlog lists the newest posts on an account's blog, reblogs included.
func (c *Client) GetDiscussionsByBlog(ctx context.Context, tag string, limit int) ([]domain.Discussion, error) {
	var out []domain.Discussion
	query := map[string]any{"tag": tag, "limit": limit}
	if err := c.call(ctx, "condenser_api.get_discussions_by_blog", []any{query}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
