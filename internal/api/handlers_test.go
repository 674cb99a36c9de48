package api

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/hive/hivetest"
	"github.com/punchamoorthee/paynsnap/internal/payload"
	"github.com/punchamoorthee/paynsnap/internal/qr"
	"github.com/punchamoorthee/paynsnap/internal/service"
	"github.com/punchamoorthee/paynsnap/internal/store"
	"github.com/punchamoorthee/paynsnap/internal/wallet"
	"github.com/punchamoorthee/paynsnap/internal/wallet/wallettest"
	"github.com/punchamoorthee/paynsnap/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv    *httptest.Server
	wallet *wallettest.Fake
	chain  *hivetest.Chain
	flow   *workflow.Machine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	w := wallettest.New()
	chain := hivetest.NewChain()
	chain.SetBlog("paynsnap", domain.Discussion{Author: "paynsnap", Permlink: "daily"})
	w.OnTransfer = func(tr wallettest.Transfer) {
		chain.AddTransfer(tr.Account, tr.To, tr.Amount+" "+tr.Currency, tr.Memo)
	}

	transfers := service.NewTransferService(w)
	flow := workflow.New(workflow.Deps{
		Auth:     transfers,
		Transfer: transfers,
		Confirm: service.NewConfirmService(chain, service.ConfirmConfig{MaxAttempts: 2},
			service.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })),
		Target:   service.NewTargetResolver(chain, "paynsnap"),
		Poster:   service.NewSnapService(w, service.SnapConfig{}),
		Settings: store.NewSettings(store.NewMemory()),
		Decoder:  qr.NewZXing(),
	}, workflow.Options{Messages: []string{"Paid {amount} to {account}"}})

	srv := httptest.NewServer(NewRouter(NewHandler(flow, qr.NewFeed(4), w)))
	t.Cleanup(func() {
		srv.Close()
		_ = flow.Close()
	})
	return &testServer{srv: srv, wallet: w, chain: chain, flow: flow}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["wallet"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestFullRunOverHTTP(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/api/v1/login", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["phase"])

	uri, err := payload.EncodeURI("bob", "0.100 HBD", "hi")
	require.NoError(t, err)
	resp, body = s.do(t, http.MethodPost, "/api/v1/scan/payload", map[string]string{"data": uri})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"to": "bob", "amount": "0.100 HBD", "memo": "hi"}, body["intent"])

	resp, body = s.do(t, http.MethodPost, "/api/v1/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "snap_ready", body["state"].(map[string]any)["phase"])

	resp, body = s.do(t, http.MethodPost, "/api/v1/snap", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Paid 0.100 HBD to bob", body["snap"].(map[string]any)["body"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["phase"])
}

func TestScanFrameUpload(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/login", map[string]string{"username": "alice"})

	resp, body := s.do(t, http.MethodPost, "/api/v1/scan", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "scanning", body["phase"])

	m, err := qrcode.NewQRCodeWriter().Encode(`{"to":"bob","amount":1,"memo":""}`, gozxing.BarcodeFormat_QR_CODE, 256, 256, nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, m))

	resp, _ = s.do(t, http.MethodPost, "/api/v1/scan/frame", buf.Bytes())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return s.flow.Snapshot().Phase == workflow.PhaseDecoded
	}, 2*time.Second, 10*time.Millisecond)
	intent := s.flow.Snapshot().Intent
	assert.Equal(t, "1.000 HBD", intent.Amount.String())
	assert.Equal(t, payload.DefaultMemo, intent.Memo)

	resp, body = s.do(t, http.MethodPost, "/api/v1/scan/frame", buf.Bytes())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, body["error"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/scan/frame", []byte("not an image"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// hugePNG is a valid 1x1 PNG whose header claims width x height pixels.
func hugePNG(t *testing.T, width, height uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	b := buf.Bytes()
	// Signature (8) + IHDR length (4) + type (4), then width and height.
	binary.BigEndian.PutUint32(b[16:20], width)
	binary.BigEndian.PutUint32(b[20:24], height)
	binary.BigEndian.PutUint32(b[29:33], crc32.ChecksumIEEE(b[12:29]))
	return b
}

func TestScanFrameRejectsHugeDimensions(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/login", map[string]string{"username": "alice"})
	resp, _ := s.do(t, http.MethodPost, "/api/v1/scan", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	frame := hugePNG(t, 100000, 100000)
	require.Less(t, len(frame), 1024)
	resp, body := s.do(t, http.MethodPost, "/api/v1/scan/frame", frame)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "Frame dimensions too large", body["error"])
	assert.Equal(t, workflow.PhaseScanning, s.flow.Snapshot().Phase)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/scan/frame", hugePNG(t, 1, 1))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestErrorStatusCodes(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/api/v1/confirm", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "not_logged_in", body["kind"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/login", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/login", map[string]string{"username": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	s.wallet.Set(func(f *wallettest.Fake) { f.Missing = true })
	resp, body = s.do(t, http.MethodPost, "/api/v1/login", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusFailedDependency, resp.StatusCode)
	assert.Equal(t, "wallet_unavailable", body["kind"])
	s.wallet.Set(func(f *wallettest.Fake) { f.Missing = false })

	s.do(t, http.MethodPost, "/api/v1/login", map[string]string{"username": "alice"})

	resp, body = s.do(t, http.MethodPost, "/api/v1/scan/payload", map[string]string{"data": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_payload", body["kind"])
	assert.Equal(t, "Invalid QR code data.", body["status"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/snap", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	s.do(t, http.MethodPost, "/api/v1/scan/payload", map[string]string{"data": `{"to":"bob","amount":"2"}`})
	s.wallet.Set(func(f *wallettest.Fake) { f.OnTransfer = nil })
	resp, body = s.do(t, http.MethodPost, "/api/v1/confirm", nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "confirmation_timeout", body["kind"])
}

func TestRejectedBroadcast(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/login", map[string]string{"username": "alice"})
	s.do(t, http.MethodPost, "/api/v1/scan/payload", map[string]string{"data": `{"to":"bob","amount":"2"}`})
	resp, _ := s.do(t, http.MethodPost, "/api/v1/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.wallet.Set(func(f *wallettest.Fake) { f.BroadcastResponse = wallet.Response{Message: "user declined"} })
	resp, body := s.do(t, http.MethodPost, "/api/v1/snap", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "broadcast_rejected", body["kind"])
	assert.True(t, strings.HasPrefix(body["status"].(string), "Payment has been confirmed but the snap didn't happen"))
}

func TestPreferencesEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/api/v1/preferences", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["defaultMessageIndex"])

	resp, _ = s.do(t, http.MethodPut, "/api/v1/preferences", map[string]any{"defaultMessageIndex": 1, "customMessage": "Thanks {account}"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/api/v1/preferences", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Thanks {account}", body["customMessage"])

	resp, _ = s.do(t, http.MethodPut, "/api/v1/preferences", map[string]any{"defaultMessageIndex": 7})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidPaymentData, http.StatusBadRequest},
		{domain.ErrBusy, http.StatusConflict},
		{qr.ErrFrameDropped, http.StatusTooManyRequests},
		{&wallet.Error{Sentinel: domain.ErrWalletRejected, Op: "transfer"}, http.StatusUnprocessableEntity},
		{domain.ErrNetworkFailure, http.StatusBadGateway},
		{workflow.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/api/v1/status", nil)

	scrape := func() string {
		resp, err := http.Get(s.srv.URL + "/metrics")
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return buf.String()
	}
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(), `paynsnap_http_requests_total{endpoint="/api/v1/status",method="GET",status="200"}`)
	}, time.Second, 10*time.Millisecond)
}
