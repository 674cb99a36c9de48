// Package workflow sequences a Pay n Snap run: scan, confirm the transfer, post the snap.
package workflow

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/paynsnap/internal/domain"
)

type Phase string

const (
	PhaseLoggedOut  Phase = "logged_out"
	PhaseIdle       Phase = "idle"
	PhaseScanning   Phase = "scanning"
	PhaseDecoded    Phase = "decoded"
	PhaseConfirming Phase = "confirming"
	PhaseSnapReady  Phase = "snap_ready"
	PhasePosting    Phase = "posting"
	PhaseDone       Phase = "done"
)

var (
	ErrUsernameRequired   = errors.New("username is required")
	ErrInvalidPreferences = errors.New("invalid preferences")
	ErrNoDecoder          = errors.New("no QR decoder configured")
	ErrClosed             = errors.New("workflow closed")
)

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paynsnap_workflow_transitions_total",
		Help: "Workflow phase changes",
	}, []string{"from", "to"})

	failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paynsnap_workflow_errors_total",
		Help: "Workflow errors reported to the user by kind",
	}, []string{"kind"})
)

// Snapshot is a read-only copy of the machine state.
type Snapshot struct {
	Phase           Phase                 `json:"phase"`
	Processing      bool                  `json:"processing"`
	Username        string                `json:"username,omitempty"`
	Intent          *domain.PaymentIntent `json:"intent,omitempty"`
	TransferSent    bool                  `json:"transfer_sent"`
	// TransferPending is set when the wallet gave no verdict on the transfer request.
	TransferPending bool                  `json:"transfer_pending"`
	Confirmation    *domain.Confirmation  `json:"confirmation,omitempty"`
	Target          *domain.ReplyTarget   `json:"reply_target,omitempty"`
	Snap            *domain.SnapResult    `json:"snap,omitempty"`
	Status          string                `json:"status"`
	Error           string                `json:"error,omitempty"`
	RunID           string                `json:"run_id,omitempty"`
	Capturing       bool                  `json:"capturing"`
}

// Collaborators of the machine. The service package provides the production implementations.
type (
	Authenticator interface {
		Verify(ctx context.Context, username string) error
	}

	Transferrer interface {
		Request(ctx context.Context, username string, intent domain.PaymentIntent) error
	}

	Confirmer interface {
		Wait(ctx context.Context, from string, intent domain.PaymentIntent) (domain.Confirmation, error)
	}

	TargetSource interface {
		Resolve(ctx context.Context) (domain.ReplyTarget, error)
		Invalidate()
	}

	Poster interface {
		Post(ctx context.Context, author string, target domain.ReplyTarget, body string) (domain.SnapResult, error)
	}

	SettingsStore interface {
		Session(ctx context.Context) (domain.Session, error)
		SaveSession(ctx context.Context, s domain.Session) error
		ClearSession(ctx context.Context) error
		Preferences(ctx context.Context) (domain.Preferences, error)
		SavePreferences(ctx context.Context, p domain.Preferences) error
	}
)
