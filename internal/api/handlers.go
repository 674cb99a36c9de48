package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"

	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/log"
	"github.com/punchamoorthee/paynsnap/internal/qr"
	"github.com/punchamoorthee/paynsnap/internal/workflow"
)

const (
	maxFrameBytes = 8 << 20
	// maxFramePixels caps the decoded size; headers are checked before any pixel is allocated.
	maxFramePixels = 4096 * 4096
)

// Workflow is the part of the state machine the HTTP layer drives.
type Workflow interface {
	Login(ctx context.Context, username string) error
	Logout(ctx context.Context) error
	StartScan(ctx context.Context, src qr.FrameSource) error
	StopScan()
	SubmitPayload(raw string) (domain.PaymentIntent, error)
	Confirm(ctx context.Context) (domain.Confirmation, error)
	Post(ctx context.Context) (domain.SnapResult, error)
	Reset() error
	Preferences(ctx context.Context) (domain.Preferences, error)
	SetPreferences(ctx context.Context, p domain.Preferences) error
	Snapshot() workflow.Snapshot
}

// WalletProbe reports whether the signing wallet is reachable.
type WalletProbe interface {
	Available(ctx context.Context) bool
}

type Handler struct {
	flow   Workflow
	feed   *qr.Feed
	wallet WalletProbe
}

func NewHandler(flow Workflow, feed *qr.Feed, wallet WalletProbe) *Handler {
	return &Handler{flow: flow, feed: feed, wallet: wallet}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.wallet != nil {
		body["wallet"] = h.wallet.Available(r.Context())
	}
	respondWithJSON(w, http.StatusOK, body)
}

func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.flow.Snapshot())
}

type loginRequest struct {
	Username string `json:"username"`
}

func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if err := h.flow.Login(r.Context(), req.Username); err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.flow.Snapshot())
}

func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.flow.Logout(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.flow.Snapshot())
}

func (h *Handler) StartScanHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.flow.StartScan(r.Context(), h.feed); err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, h.flow.Snapshot())
}

func (h *Handler) StopScanHandler(w http.ResponseWriter, r *http.Request) {
	h.flow.StopScan()
	respondWithJSON(w, http.StatusOK, h.flow.Snapshot())
}

// FrameHandler feeds one uploaded camera frame to the running scan.
func (h *Handler) FrameHandler(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "Frame too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unreadable image: "+err.Error())
		return
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > maxFramePixels/cfg.Height {
		respondWithError(w, http.StatusRequestEntityTooLarge, "Frame dimensions too large")
		return
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unreadable image: "+err.Error())
		return
	}
	if err := h.feed.Push(img); err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, nil)
}

type payloadRequest struct {
	Data string `json:"data"`
}

type payloadResponse struct {
	Intent domain.PaymentIntent `json:"intent"`
	State  workflow.Snapshot    `json:"state"`
}

// PayloadHandler accepts QR text decoded elsewhere or typed in by hand.
func (h *Handler) PayloadHandler(w http.ResponseWriter, r *http.Request) {
	var req payloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if strings.TrimSpace(req.Data) == "" {
		respondWithError(w, http.StatusBadRequest, "Missing QR data")
		return
	}
	intent, err := h.flow.SubmitPayload(req.Data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payloadResponse{Intent: intent, State: h.flow.Snapshot()})
}

type confirmResponse struct {
	Confirmation domain.Confirmation `json:"confirmation"`
	State        workflow.Snapshot   `json:"state"`
}

// ConfirmHandler blocks until the transfer is confirmed or the poll gives up.
// A client disconnect does not abandon a transfer the wallet may already have sent.
func (h *Handler) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	conf, err := h.flow.Confirm(context.WithoutCancel(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, confirmResponse{Confirmation: conf, State: h.flow.Snapshot()})
}

type snapResponse struct {
	Snap  domain.SnapResult `json:"snap"`
	State workflow.Snapshot `json:"state"`
}

func (h *Handler) SnapHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.flow.Post(context.WithoutCancel(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, snapResponse{Snap: res, State: h.flow.Snapshot()})
}

func (h *Handler) ResetHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.flow.Reset(); err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.flow.Snapshot())
}

func (h *Handler) GetPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.flow.Preferences(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, prefs)
}

func (h *Handler) PutPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	var prefs domain.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if err := h.flow.SetPreferences(r.Context(), prefs); err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, prefs)
}

// fail writes err with the workflow's current status text attached.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		l := log.FromContext(r.Context(), "api")
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	respondWithJSON(w, code, errorBody{Error: err.Error(), Kind: domain.Kind(err), Status: h.flow.Snapshot().Status})
}
