package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/paynsnap/internal/domain"
)

var bridgeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paynsnap_wallet_requests_total",
	Help: "Wallet bridge requests by action and result",
}, []string{"action", "result"}) // result: accepted|declined|error

// Bridge is a Wallet reached over HTTP, e.g. a local signer holding the user's keys.
type Bridge struct {
	base string
	http *http.Client
}

func NewBridge(base string) *Bridge {
	return &Bridge{
		base: strings.TrimRight(base, "/"),
		// Requests wait for the user to approve in the signer.
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Available probes the bridge health endpoint.
func (b *Bridge) Available(ctx context.Context) bool {
	if b == nil || b.base == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/health", nil)
	if err != nil {
		return false
	}
	res, err := b.http.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode == http.StatusOK
}

func (b *Bridge) SignBuffer(ctx context.Context, account, message, role string) (Response, error) {
	return b.do(ctx, "sign_buffer", map[string]any{
		"account": account,
		"message": message,
		"role":    role,
	})
}

func (b *Bridge) RequestTransfer(ctx context.Context, account, to, amount, memo, currency string) (Response, error) {
	return b.do(ctx, "transfer", map[string]any{
		"account":  account,
		"to":       to,
		"amount":   amount,
		"memo":     memo,
		"currency": currency,
	})
}

func (b *Bridge) RequestBroadcast(ctx context.Context, account string, ops []domain.Operation, role string) (Response, error) {
	return b.do(ctx, "broadcast", map[string]any{
		"account":    account,
		"operations": ops,
		"role":       role,
	})
}

func (b *Bridge) do(ctx context.Context, action string, payload any) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/"+action, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := b.http.Do(req)
	if err != nil {
		bridgeRequestsTotal.WithLabelValues(action, "error").Inc()
		return Response{}, fmt.Errorf("wallet bridge %s: %w", action, err)
	}
	defer res.Body.Close()

	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		bridgeRequestsTotal.WithLabelValues(action, "error").Inc()
		return Response{}, fmt.Errorf("wallet bridge %s: HTTP %d: decode response: %w", action, res.StatusCode, err)
	}
	if out.Success {
		bridgeRequestsTotal.WithLabelValues(action, "accepted").Inc()
	} else {
		bridgeRequestsTotal.WithLabelValues(action, "declined").Inc()
	}
	return out, nil
}
