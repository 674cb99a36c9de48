package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/log"
	"github.com/punchamoorthee/paynsnap/internal/payload"
	"github.com/punchamoorthee/paynsnap/internal/qr"
	"github.com/punchamoorthee/paynsnap/internal/service"
	"github.com/punchamoorthee/paynsnap/internal/wallet"
	"github.com/rs/zerolog"
)

const (
	statusLoggedOut   = "Please log in with your Hive username."
	statusReady       = "Login successful! Ready to scan QR code."
	statusScanning    = "Scanning QR code..."
	statusScanStopped = "Scanning stopped."
	statusSent        = "Transfer initiated. Waiting for confirmation..."
	statusConfirmed   = "Transfer confirmed! Ready to post snap."
	statusPosting     = "Posting snap..."
	statusPosted      = "Snap posted successfully!"
	statusPostedBenef = "Snap posted successfully with beneficiaries!"
	statusNoSnap      = "Payment has been confirmed but the snap didn't happen"
	statusIdle        = "Ready to scan QR code."
)

type Deps struct {
	Auth     Authenticator
	Transfer Transferrer
	Confirm  Confirmer
	Target   TargetSource
	Poster   Poster
	Settings SettingsStore
	Decoder  qr.Decoder
}

type Options struct {
	Messages            []string
	DefaultMessageIndex int
	// ResetDelay is how long Done is shown before returning to Idle. Zero resets at once.
	ResetDelay time.Duration
}

// Machine owns all cross-phase state of a run. Collaborator calls are made
// without holding mu; the processing flag keeps them single-flight.
type Machine struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	mu              sync.Mutex
	phase           Phase
	processing      bool
	username        string
	intent          *domain.PaymentIntent
	transferSent    bool
	// transferPending is set when the wallet gave no verdict; the transfer may still land.
	transferPending bool
	confirmation    *domain.Confirmation
	target          *domain.ReplyTarget
	snap            *domain.SnapResult
	status          string
	lastErr         string
	runID           string

	// gen changes on logout so late results of an abandoned call are dropped.
	gen           uint64
	session       context.Context
	cancelSession context.CancelFunc

	stream     qr.Stream
	cancelScan context.CancelFunc
	scanDone   chan struct{}
	resetTimer *time.Timer
	closed     bool
}

func New(deps Deps, opts Options) *Machine {
	return &Machine{
		deps:   deps,
		opts:   opts,
		logger: log.WithComponent("workflow"),
		phase:  PhaseLoggedOut,
		status: statusLoggedOut,
	}
}

// Restore resumes a persisted session. It is a no-op when nobody was logged in.
func (m *Machine) Restore(ctx context.Context) (domain.Session, error) {
	sess, err := m.deps.Settings.Session(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.Username == "" {
		return sess, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseLoggedOut {
		return sess, nil
	}
	m.startSessionLocked(sess.Username)
	m.status = fmt.Sprintf("Welcome back, @%s! Ready to scan QR code.", sess.Username)
	m.logger.Info().Str("user", sess.Username).Msg("session restored")
	return sess, nil
}

// Login proves control of username through the wallet and persists the session.
func (m *Machine) Login(ctx context.Context, username string) error {
	username = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(username), "@")))
	if username == "" {
		m.mu.Lock()
		m.status = "Please enter your Hive username."
		m.mu.Unlock()
		return ErrUsernameRequired
	}

	m.mu.Lock()
	if m.processing {
		m.mu.Unlock()
		return domain.ErrBusy
	}
	if m.phase != PhaseLoggedOut {
		m.mu.Unlock()
		return fmt.Errorf("%w: already logged in as @%s", domain.ErrInvalidTransition, m.username)
	}
	m.processing = true
	gen := m.gen
	m.mu.Unlock()

	err := m.deps.Auth.Verify(ctx, username)
	if err == nil {
		if m.stale(gen) {
			return domain.ErrInvalidTransition
		}
		err = m.deps.Settings.SaveSession(ctx, domain.Session{Username: username})
		if m.stale(gen) {
			// A logout ran while saving; it must win.
			if cerr := m.deps.Settings.ClearSession(context.WithoutCancel(ctx)); cerr != nil {
				m.logger.Warn().Err(cerr).Str("user", username).Msg("clearing session after abandoned login")
			}
			return domain.ErrInvalidTransition
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return domain.ErrInvalidTransition
	}
	m.processing = false
	if err != nil {
		m.failLocked(err, "Login failed. Please try again.")
		return err
	}
	m.startSessionLocked(username)
	m.status = statusReady
	m.logger.Info().Str("user", username).Msg("logged in")
	return nil
}

// Logout stops the camera and timers, abandons in-flight calls and clears the session.
func (m *Machine) Logout(ctx context.Context) error {
	m.mu.Lock()
	user := m.username
	done := m.teardownLocked()
	m.gen++
	m.username = ""
	m.clearRunLocked()
	m.processing = false
	m.lastErr = ""
	m.setPhaseLocked(PhaseLoggedOut)
	m.status = statusLoggedOut
	m.mu.Unlock()

	waitScan(done)
	if m.deps.Target != nil {
		m.deps.Target.Invalidate()
	}
	if err := m.deps.Settings.ClearSession(ctx); err != nil {
		return err
	}
	if user != "" {
		m.logger.Info().Str("user", user).Msg("logged out")
	}
	return nil
}

// StartScan opens src and decodes its frames in the background until a valid
// payment request is found or the scan is stopped.
func (m *Machine) StartScan(ctx context.Context, src qr.FrameSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLocked(PhaseIdle); err != nil {
		return err
	}
	if m.deps.Decoder == nil {
		return ErrNoDecoder
	}

	stream, err := src.Open(ctx)
	if err != nil {
		m.failLocked(err, "Error accessing camera: "+err.Error())
		return fmt.Errorf("open camera: %w", err)
	}

	scanCtx, cancel := context.WithCancel(m.session)
	done := make(chan struct{})
	m.stream, m.cancelScan, m.scanDone = stream, cancel, done
	m.lastErr = ""
	m.setPhaseLocked(PhaseScanning)
	m.status = statusScanning

	go m.scan(scanCtx, stream, done)
	return nil
}

func (m *Machine) scan(ctx context.Context, stream qr.Stream, done chan struct{}) {
	defer close(done)
	for {
		img, err := stream.Next(ctx)
		if err != nil {
			m.mu.Lock()
			if m.stream == stream {
				m.releaseCameraLocked()
				if m.phase == PhaseScanning {
					m.setPhaseLocked(PhaseIdle)
					m.status = statusScanStopped
				}
			}
			m.mu.Unlock()
			return
		}

		text, ok := m.deps.Decoder.Decode(img)
		if !ok {
			continue
		}
		intent, perr := payload.Parse(text)

		m.mu.Lock()
		if m.stream != stream {
			m.mu.Unlock()
			return
		}
		if perr != nil {
			m.failLocked(perr, "Invalid QR code data.")
			m.mu.Unlock()
			continue
		}
		m.releaseCameraLocked()
		m.acceptLocked(intent)
		m.mu.Unlock()
		return
	}
}

// StopScan releases the camera. Calling it with no active scan is a no-op.
func (m *Machine) StopScan() {
	m.mu.Lock()
	done := m.scanDone
	if m.stream != nil {
		m.releaseCameraLocked()
		if m.phase == PhaseScanning {
			m.setPhaseLocked(PhaseIdle)
			m.status = statusScanStopped
		}
	}
	m.mu.Unlock()
	waitScan(done)
}

// SubmitPayload accepts an already decoded QR string, e.g. typed in by hand.
// A bad payload leaves the phase unchanged.
func (m *Machine) SubmitPayload(raw string) (domain.PaymentIntent, error) {
	intent, err := payload.Parse(raw)

	m.mu.Lock()
	if err := m.requireLocked(PhaseIdle, PhaseScanning); err != nil {
		m.mu.Unlock()
		return domain.PaymentIntent{}, err
	}
	if err != nil {
		m.failLocked(err, "Invalid QR code data.")
		m.mu.Unlock()
		return domain.PaymentIntent{}, err
	}
	done := m.scanDone
	m.releaseCameraLocked()
	m.acceptLocked(intent)
	m.mu.Unlock()

	waitScan(done)
	return intent, nil
}

// Confirm requests the transfer and waits for it to land in the sender's history.
// After a timeout the transfer is not requested again; a retry only polls.
// When an earlier request got no verdict, history is polled first and the
// transfer is requested again only if it never showed up.
func (m *Machine) Confirm(ctx context.Context) (domain.Confirmation, error) {
	m.mu.Lock()
	if err := m.beginLocked(PhaseDecoded, PhaseConfirming); err != nil {
		m.mu.Unlock()
		return domain.Confirmation{}, err
	}
	user, intent, sent, pending, gen, runID := m.username, *m.intent, m.transferSent, m.transferPending, m.gen, m.runID
	if sent || pending {
		m.status = statusSent
	} else {
		m.status = fmt.Sprintf("Initiating transfer of %s to @%s...", intent.Amount, intent.To)
	}
	ctx, cancel := m.bindLocked(ctx)
	m.mu.Unlock()
	defer cancel()

	logger := m.runLogger(user, runID)
	if pending && !sent {
		conf, err := m.deps.Confirm.Wait(ctx, user, intent)
		if err == nil {
			return m.confirmed(gen, conf, logger)
		}
		if !errors.Is(err, domain.ErrConfirmationTimeout) {
			m.finish(gen, PhaseDecoded, err, "Confirmation failed: "+reason(err))
			return domain.Confirmation{}, err
		}
		logger.Info().Msg("unconfirmed transfer not found on chain, requesting again")
		m.mu.Lock()
		if gen == m.gen {
			m.transferPending = false
			m.status = fmt.Sprintf("Initiating transfer of %s to @%s...", intent.Amount, intent.To)
		}
		m.mu.Unlock()
	}
	if !sent {
		if err := m.deps.Transfer.Request(ctx, user, intent); err != nil {
			status := "Transfer failed: " + reason(err)
			if errors.Is(err, service.ErrOutcomeUnknown) {
				status = "Transfer status unknown: " + reason(err) + ". Confirm again to check for it on chain."
				m.mu.Lock()
				if gen == m.gen {
					m.transferPending = true
				}
				m.mu.Unlock()
			}
			m.finish(gen, PhaseDecoded, err, status)
			return domain.Confirmation{}, err
		}
		m.mu.Lock()
		if gen == m.gen {
			m.transferSent = true
			m.transferPending = false
			m.status = statusSent
		}
		m.mu.Unlock()
		logger.Info().Str("to", intent.To).Str("amount", intent.Amount.String()).Msg("transfer accepted by wallet")
	}

	conf, err := m.deps.Confirm.Wait(ctx, user, intent)
	if err != nil {
		msg := "Confirmation failed: " + reason(err)
		if errors.Is(err, domain.ErrConfirmationTimeout) {
			msg = "Confirmation timed out. You can retry confirming the transfer."
		}
		m.finish(gen, PhaseDecoded, err, msg)
		return domain.Confirmation{}, err
	}
	return m.confirmed(gen, conf, logger)
}

func (m *Machine) confirmed(gen uint64, conf domain.Confirmation, logger *zerolog.Logger) (domain.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return domain.Confirmation{}, domain.ErrInvalidTransition
	}
	m.processing = false
	m.transferSent = true
	m.transferPending = false
	m.confirmation = &conf
	m.lastErr = ""
	m.setPhaseLocked(PhaseSnapReady)
	m.status = statusConfirmed
	logger.Info().Str("trx_id", conf.TrxID).Int("attempts", conf.Attempts).Msg("transfer confirmed")
	return conf, nil
}

// Post resolves the reply target and broadcasts the snap. On success the run
// ends in Done and returns to Idle after the reset delay.
func (m *Machine) Post(ctx context.Context) (domain.SnapResult, error) {
	m.mu.Lock()
	if err := m.beginLocked(PhaseSnapReady, PhasePosting); err != nil {
		m.mu.Unlock()
		return domain.SnapResult{}, err
	}
	user, intent, gen, runID := m.username, *m.intent, m.gen, m.runID
	m.status = statusPosting
	ctx, cancel := m.bindLocked(ctx)
	m.mu.Unlock()
	defer cancel()

	target, err := m.deps.Target.Resolve(ctx)
	if err != nil {
		m.finish(gen, PhaseSnapReady, err, statusNoSnap+".")
		return domain.SnapResult{}, err
	}

	prefs, err := m.deps.Settings.Preferences(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("using default message")
		prefs = domain.Preferences{DefaultMessageIndex: m.opts.DefaultMessageIndex}
	}
	tmpl := service.SelectTemplate(m.opts.Messages, m.opts.DefaultMessageIndex, prefs)
	body := service.RenderMessage(tmpl, intent.Amount.String(), intent.To, user)

	res, err := m.deps.Poster.Post(ctx, user, target, body)
	if err != nil {
		m.finish(gen, PhaseSnapReady, err, statusNoSnap+": "+reason(err))
		return domain.SnapResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return res, nil
	}
	m.processing = false
	m.target = &target
	m.snap = &res
	m.lastErr = ""
	m.setPhaseLocked(PhaseDone)
	m.status = statusPosted
	if res.WithBeneficiaries {
		m.status = statusPostedBenef
	}
	m.runLogger(user, runID).Info().Str("permlink", res.Permlink).Msg("snap posted")

	if m.opts.ResetDelay <= 0 {
		m.resetLocked()
	} else {
		m.stopTimerLocked()
		m.resetTimer = time.AfterFunc(m.opts.ResetDelay, func() { m.autoReset(gen, runID) })
	}
	return res, nil
}

func (m *Machine) autoReset(gen uint64, runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || runID != m.runID || m.phase != PhaseDone {
		return
	}
	m.resetTimer = nil
	m.resetLocked()
}

// Reset abandons the current run and returns to Idle.
func (m *Machine) Reset() error {
	m.mu.Lock()
	if m.phase == PhaseLoggedOut {
		m.mu.Unlock()
		return domain.ErrNotLoggedIn
	}
	if m.processing {
		m.mu.Unlock()
		return domain.ErrBusy
	}
	done := m.scanDone
	m.releaseCameraLocked()
	m.stopTimerLocked()
	m.resetLocked()
	m.mu.Unlock()

	waitScan(done)
	return nil
}

// Preferences returns the stored message preferences.
func (m *Machine) Preferences(ctx context.Context) (domain.Preferences, error) {
	return m.deps.Settings.Preferences(ctx)
}

// SetPreferences stores the message selection. Index len(messages) selects the custom message.
func (m *Machine) SetPreferences(ctx context.Context, p domain.Preferences) error {
	if p.DefaultMessageIndex < 0 || p.DefaultMessageIndex > len(m.opts.Messages) {
		return fmt.Errorf("%w: message index %d out of range", ErrInvalidPreferences, p.DefaultMessageIndex)
	}
	if p.DefaultMessageIndex == len(m.opts.Messages) && strings.TrimSpace(p.CustomMessage) == "" {
		return fmt.Errorf("%w: custom message is empty", ErrInvalidPreferences)
	}
	return m.deps.Settings.SavePreferences(ctx, p)
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Phase:           m.phase,
		Processing:      m.processing,
		Username:        m.username,
		TransferSent:    m.transferSent,
		TransferPending: m.transferPending,
		Status:          m.status,
		Error:           m.lastErr,
		RunID:           m.runID,
		Capturing:       m.stream != nil,
	}
	if m.intent != nil {
		v := *m.intent
		s.Intent = &v
	}
	if m.confirmation != nil {
		v := *m.confirmation
		s.Confirmation = &v
	}
	if m.target != nil {
		v := *m.target
		s.Target = &v
	}
	if m.snap != nil {
		v := *m.snap
		s.Snap = &v
	}
	return s
}

// Close releases the camera, the reset timer and any in-flight call. The session stays persisted.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	done := m.teardownLocked()
	m.mu.Unlock()
	waitScan(done)
	return nil
}

func (m *Machine) startSessionLocked(username string) {
	if m.cancelSession != nil {
		m.cancelSession()
	}
	m.session, m.cancelSession = context.WithCancel(context.Background())
	m.username = username
	m.lastErr = ""
	m.setPhaseLocked(PhaseIdle)
}

func (m *Machine) requireLocked(phases ...Phase) error {
	if m.closed {
		return ErrClosed
	}
	if m.phase == PhaseLoggedOut {
		return domain.ErrNotLoggedIn
	}
	for _, p := range phases {
		if m.phase == p {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, m.phase)
}

// beginLocked claims the processing flag for an action allowed only in from.
func (m *Machine) beginLocked(from, to Phase) error {
	if m.closed {
		return ErrClosed
	}
	if m.phase == PhaseLoggedOut {
		return domain.ErrNotLoggedIn
	}
	if m.processing {
		return domain.ErrBusy
	}
	if err := m.requireLocked(from); err != nil {
		return err
	}
	m.processing = true
	m.lastErr = ""
	m.setPhaseLocked(to)
	return nil
}

// bindLocked ties ctx to the session so logout abandons the call.
func (m *Machine) bindLocked(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.session, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// finish ends a failed action in phase to, unless the run was abandoned meanwhile.
func (m *Machine) finish(gen uint64, to Phase, err error, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.processing = false
	m.setPhaseLocked(to)
	m.failLocked(err, status)
}

func (m *Machine) failLocked(err error, status string) {
	kind := domain.Kind(err)
	if kind == "" {
		kind = "internal"
	}
	m.lastErr = kind
	m.status = status
	failures.WithLabelValues(kind).Inc()
	m.logger.Warn().Err(err).Str("kind", kind).Str("phase", string(m.phase)).Msg(status)
}

func (m *Machine) acceptLocked(intent domain.PaymentIntent) {
	m.clearRunLocked()
	m.intent = &intent
	m.runID = uuid.NewString()
	m.lastErr = ""
	m.setPhaseLocked(PhaseDecoded)
	m.status = fmt.Sprintf("Payment request: %s to @%s (%s). Confirm to pay.", intent.Amount, intent.To, intent.Memo)
	m.runLogger(m.username, m.runID).Info().Str("to", intent.To).Str("amount", intent.Amount.String()).Msg("payment request decoded")
}

func (m *Machine) resetLocked() {
	m.clearRunLocked()
	m.lastErr = ""
	m.setPhaseLocked(PhaseIdle)
	m.status = statusIdle
}

func (m *Machine) clearRunLocked() {
	m.intent = nil
	m.transferSent = false
	m.transferPending = false
	m.confirmation = nil
	m.target = nil
	m.snap = nil
	m.runID = ""
}

func (m *Machine) releaseCameraLocked() {
	if m.stream != nil {
		if err := m.stream.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("closing camera stream")
		}
		m.stream = nil
	}
	if m.cancelScan != nil {
		m.cancelScan()
		m.cancelScan = nil
	}
	m.scanDone = nil
}

func (m *Machine) stopTimerLocked() {
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
}

// teardownLocked releases every handle and returns the scan goroutine's done channel.
func (m *Machine) teardownLocked() chan struct{} {
	done := m.scanDone
	m.releaseCameraLocked()
	m.stopTimerLocked()
	if m.cancelSession != nil {
		m.cancelSession()
		m.cancelSession = nil
	}
	return done
}

func (m *Machine) setPhaseLocked(p Phase) {
	if m.phase == p {
		return
	}
	transitions.WithLabelValues(string(m.phase), string(p)).Inc()
	m.phase = p
}

func (m *Machine) runLogger(user, runID string) *zerolog.Logger {
	l := m.logger.With().Str("user", user).Str("run_id", runID).Logger()
	return &l
}

// stale reports whether a logout happened since gen was taken.
func (m *Machine) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.gen
}

func waitScan(done chan struct{}) {
	if done != nil {
		<-done
	}
}

// reason is the user-facing part of err: the wallet's own message when there is one.
func reason(err error) string {
	var werr *wallet.Error
	if errors.As(err, &werr) && werr.Message != "" {
		return werr.Message
	}
	return err.Error()
}
