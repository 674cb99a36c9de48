package workflow

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/hive/hivetest"
	"github.com/punchamoorthee/paynsnap/internal/payload"
	"github.com/punchamoorthee/paynsnap/internal/qr"
	"github.com/punchamoorthee/paynsnap/internal/service"
	"github.com/punchamoorthee/paynsnap/internal/store"
	"github.com/punchamoorthee/paynsnap/internal/wallet"
	"github.com/punchamoorthee/paynsnap/internal/wallet/wallettest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// textFrame is a frame whose QR content is known up front.
type textFrame struct {
	image.Image
	text string
}

type textDecoder struct{}

func (textDecoder) Decode(img image.Image) (string, bool) {
	f, ok := img.(textFrame)
	if !ok || f.text == "" {
		return "", false
	}
	return f.text, true
}

func frame(text string) image.Image {
	return textFrame{Image: image.NewGray(image.Rect(0, 0, 1, 1)), text: text}
}

type deniedCamera struct{}

func (deniedCamera) Open(context.Context) (qr.Stream, error) {
	return nil, errors.New("permission denied")
}

type fixture struct {
	wallet   *wallettest.Fake
	chain    *hivetest.Chain
	settings *store.Settings
	machine  *Machine
}

type fixtureConfig struct {
	attempts   int
	resetDelay time.Duration
	// onChain publishes accepted transfers to the fake chain.
	onChain       bool
	beneficiaries []domain.Beneficiary
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	if cfg.attempts == 0 {
		cfg.attempts = 3
	}

	w := wallettest.New()
	chain := hivetest.NewChain()
	chain.SetBlog("paynsnap", domain.Discussion{Author: "paynsnap", Permlink: "daily"})
	if cfg.onChain {
		w.OnTransfer = func(tr wallettest.Transfer) {
			chain.AddTransfer(tr.Account, tr.To, tr.Amount+" "+tr.Currency, tr.Memo)
		}
	}

	settings := store.NewSettings(store.NewMemory())
	transfers := service.NewTransferService(w)
	m := New(Deps{
		Auth:     transfers,
		Transfer: transfers,
		Confirm: service.NewConfirmService(chain, service.ConfirmConfig{MaxAttempts: cfg.attempts},
			service.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })),
		Target:   service.NewTargetResolver(chain, "paynsnap"),
		Poster:   service.NewSnapService(w, service.SnapConfig{CommunityTag: "hive-1", Beneficiaries: cfg.beneficiaries}),
		Settings: settings,
		Decoder:  textDecoder{},
	}, Options{
		Messages:   []string{"Paid {amount} to {account}", "Snap by {from}"},
		ResetDelay: cfg.resetDelay,
	})
	t.Cleanup(func() { _ = m.Close() })
	return &fixture{wallet: w, chain: chain, settings: settings, machine: m}
}

func bobURI(t *testing.T) string {
	t.Helper()
	uri, err := payload.EncodeURI("bob", "0.100 HBD", "hi")
	require.NoError(t, err)
	return uri
}

func (f *fixture) decoded(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.machine.Login(ctx, "alice"))
	_, err := f.machine.SubmitPayload(bobURI(t))
	require.NoError(t, err)
	require.Equal(t, PhaseDecoded, f.machine.Snapshot().Phase)
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, fixtureConfig{onChain: true})
	ctx := context.Background()
	m := f.machine

	assert.Equal(t, PhaseLoggedOut, m.Snapshot().Phase)
	require.NoError(t, m.Login(ctx, " @Alice "))
	snap := m.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Equal(t, "alice", snap.Username)
	assert.Equal(t, "Login successful! Ready to scan QR code.", snap.Status)

	sess, err := f.settings.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)

	intent, err := m.SubmitPayload(bobURI(t))
	require.NoError(t, err)
	assert.Equal(t, "0.100 HBD", intent.Amount.String())
	snap = m.Snapshot()
	assert.Equal(t, PhaseDecoded, snap.Phase)
	assert.NotEmpty(t, snap.RunID)

	conf, err := m.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, conf.Attempts)
	assert.Equal(t, PhaseSnapReady, m.Snapshot().Phase)
	assert.Equal(t, []wallettest.Transfer{{Account: "alice", To: "bob", Amount: "0.100", Memo: "hi", Currency: "HBD"}}, f.wallet.Transfers)

	res, err := m.Post(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Paid 0.100 HBD to bob", res.Body)
	assert.False(t, res.WithBeneficiaries)

	b := f.wallet.LastBroadcast()
	assert.Equal(t, wallet.RolePosting, b.Role)
	assert.Equal(t, "daily", b.Ops[0].Fields["parent_permlink"])

	snap = m.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Nil(t, snap.Intent)
	assert.False(t, snap.Processing)
}

func TestScanDecodesFrames(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	m := f.machine
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "alice"))

	feed := qr.NewFeed(8)
	require.NoError(t, m.StartScan(ctx, feed))
	assert.Equal(t, PhaseScanning, m.Snapshot().Phase)
	assert.ErrorIs(t, m.StartScan(ctx, feed), domain.ErrInvalidTransition)

	require.NoError(t, feed.Push(frame("")))
	require.NoError(t, feed.Push(frame("not a payment")))
	require.Eventually(t, func() bool {
		return m.Snapshot().Error == "malformed_payload"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, PhaseScanning, m.Snapshot().Phase)

	require.NoError(t, feed.Push(frame(bobURI(t))))
	require.Eventually(t, func() bool {
		return m.Snapshot().Phase == PhaseDecoded
	}, time.Second, 5*time.Millisecond)

	snap := m.Snapshot()
	assert.False(t, snap.Capturing)
	assert.False(t, feed.Capturing())
	assert.Equal(t, "bob", snap.Intent.To)
	assert.ErrorIs(t, feed.Push(frame("late")), qr.ErrNotCapturing)
}

func TestStartScanCameraDenied(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	m := f.machine
	ctx := context.Background()

	assert.ErrorIs(t, m.StartScan(ctx, deniedCamera{}), domain.ErrNotLoggedIn)

	require.NoError(t, m.Login(ctx, "alice"))
	err := m.StartScan(ctx, deniedCamera{})
	assert.ErrorContains(t, err, "permission denied")

	snap := m.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Equal(t, "Error accessing camera: permission denied", snap.Status)
}

func TestStopScanIsIdempotent(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	m := f.machine
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "alice"))

	m.StopScan()
	assert.Equal(t, PhaseIdle, m.Snapshot().Phase)

	feed := qr.NewFeed(1)
	require.NoError(t, m.StartScan(ctx, feed))
	m.StopScan()
	m.StopScan()

	snap := m.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.False(t, snap.Capturing)
	assert.False(t, feed.Capturing())

	// The camera can be opened again after release.
	require.NoError(t, m.StartScan(ctx, feed))
	m.StopScan()
}

func TestSubmitInfiniteAmount(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	m := f.machine
	require.NoError(t, m.Login(context.Background(), "alice"))

	for _, raw := range []string{
		`{"to":"bob","amount":1e400}`,
		`{"to":"bob","amount":"1e2000000000"}`,
	} {
		_, err := m.SubmitPayload(raw)
		assert.ErrorIs(t, err, domain.ErrInvalidPaymentData, raw)
	}
	snap := m.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Equal(t, "invalid_payment_data", snap.Error)
}

func TestSubmitMalformedKeepsPhase(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	m := f.machine
	require.NoError(t, m.Login(context.Background(), "alice"))

	_, err := m.SubmitPayload("garbage")
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
	snap := m.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Equal(t, "malformed_payload", snap.Error)
	assert.Equal(t, "Invalid QR code data.", snap.Status)

	_, err = m.SubmitPayload(`{"to":"bob","amount":-1}`)
	assert.ErrorIs(t, err, domain.ErrInvalidPaymentData)
	assert.Equal(t, PhaseIdle, m.Snapshot().Phase)
}

func TestConfirmTimeoutThenRetryOnlyPolls(t *testing.T) {
	f := newFixture(t, fixtureConfig{attempts: 10})
	f.decoded(t)
	m := f.machine
	ctx := context.Background()

	_, err := m.Confirm(ctx)
	require.ErrorIs(t, err, domain.ErrConfirmationTimeout)

	snap := m.Snapshot()
	assert.Equal(t, PhaseDecoded, snap.Phase)
	assert.False(t, snap.Processing)
	assert.True(t, snap.TransferSent)
	assert.Equal(t, "confirmation_timeout", snap.Error)
	history, _ := f.chain.Calls()
	assert.Equal(t, 10, history)

	f.chain.AddTransfer("alice", "bob", "0.100 HBD", "hi")
	_, err = m.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseSnapReady, m.Snapshot().Phase)
	assert.Equal(t, 1, f.wallet.TransferCount())
}

func TestTransferWithoutVerdictLandsLate(t *testing.T) {
	f := newFixture(t, fixtureConfig{onChain: true})
	f.decoded(t)
	m := f.machine
	ctx := context.Background()

	f.wallet.Set(func(w *wallettest.Fake) { w.TransferErr = errors.New("bridge timeout") })
	_, err := m.Confirm(ctx)
	require.ErrorIs(t, err, service.ErrOutcomeUnknown)
	assert.ErrorIs(t, err, domain.ErrWalletUnavailable)

	snap := m.Snapshot()
	assert.Equal(t, PhaseDecoded, snap.Phase)
	assert.True(t, snap.TransferPending)
	assert.False(t, snap.TransferSent)
	assert.Contains(t, snap.Status, "Transfer status unknown: bridge timeout")

	f.wallet.Set(func(w *wallettest.Fake) { w.TransferErr = nil })
	conf, err := m.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, conf.Attempts)
	assert.Equal(t, 1, f.wallet.TransferCount(), "transfer that landed is not requested again")

	snap = m.Snapshot()
	assert.Equal(t, PhaseSnapReady, snap.Phase)
	assert.True(t, snap.TransferSent)
	assert.False(t, snap.TransferPending)
}

func TestTransferWithoutVerdictNeverLanded(t *testing.T) {
	f := newFixture(t, fixtureConfig{attempts: 3})
	f.decoded(t)
	m := f.machine
	ctx := context.Background()

	f.wallet.Set(func(w *wallettest.Fake) { w.TransferErr = errors.New("bridge timeout") })
	_, err := m.Confirm(ctx)
	require.ErrorIs(t, err, service.ErrOutcomeUnknown)
	history, _ := f.chain.Calls()
	assert.Zero(t, history)

	f.wallet.Set(func(w *wallettest.Fake) {
		w.TransferErr = nil
		w.OnTransfer = func(tr wallettest.Transfer) {
			f.chain.AddTransfer(tr.Account, tr.To, tr.Amount+" "+tr.Currency, tr.Memo)
		}
	})
	_, err = m.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.wallet.TransferCount())
	history, _ = f.chain.Calls()
	assert.Equal(t, 4, history, "three polls before requesting again, one after")
	assert.Equal(t, PhaseSnapReady, m.Snapshot().Phase)
}

func TestResetClearsPendingTransfer(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.decoded(t)
	f.wallet.Set(func(w *wallettest.Fake) { w.TransferErr = errors.New("bridge timeout") })
	_, err := f.machine.Confirm(context.Background())
	require.Error(t, err)
	require.True(t, f.machine.Snapshot().TransferPending)

	require.NoError(t, f.machine.Reset())
	assert.False(t, f.machine.Snapshot().TransferPending)
}

func TestTransferRejected(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.decoded(t)
	f.wallet.TransferResponse = wallet.Response{Message: "user declined"}

	_, err := f.machine.Confirm(context.Background())
	require.ErrorIs(t, err, domain.ErrWalletRejected)

	snap := f.machine.Snapshot()
	assert.Equal(t, PhaseDecoded, snap.Phase)
	assert.False(t, snap.TransferSent)
	assert.Equal(t, "Transfer failed: user declined", snap.Status)
	history, _ := f.chain.Calls()
	assert.Zero(t, history)
}

func TestWalletMissing(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.wallet.Missing = true
	err := f.machine.Login(context.Background(), "alice")
	assert.ErrorIs(t, err, domain.ErrWalletUnavailable)
	assert.Equal(t, PhaseLoggedOut, f.machine.Snapshot().Phase)
}

func TestReentrantActionsAreDropped(t *testing.T) {
	f := newFixture(t, fixtureConfig{onChain: true})
	f.decoded(t)
	m := f.machine
	ctx := context.Background()

	gate := make(chan struct{})
	f.wallet.Gate = gate

	errc := make(chan error, 1)
	go func() {
		_, err := m.Confirm(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return m.Snapshot().Processing }, time.Second, time.Millisecond)

	_, err := m.Confirm(ctx)
	assert.ErrorIs(t, err, domain.ErrBusy)
	_, err = m.Post(ctx)
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.ErrorIs(t, m.Reset(), domain.ErrBusy)

	close(gate)
	require.NoError(t, <-errc)
	assert.Equal(t, 1, f.wallet.TransferCount())
	assert.Equal(t, PhaseSnapReady, m.Snapshot().Phase)
}

func TestPostFailureReturnsToSnapReady(t *testing.T) {
	f := newFixture(t, fixtureConfig{onChain: true})
	f.decoded(t)
	m := f.machine
	ctx := context.Background()
	_, err := m.Confirm(ctx)
	require.NoError(t, err)

	f.wallet.BroadcastResponse = wallet.Response{Message: "declined"}
	_, err = m.Post(ctx)
	require.ErrorIs(t, err, domain.ErrBroadcastRejected)
	snap := m.Snapshot()
	assert.Equal(t, PhaseSnapReady, snap.Phase)
	assert.Equal(t, "Payment has been confirmed but the snap didn't happen: declined", snap.Status)

	f.wallet.BroadcastResponse = wallet.Response{Success: true}
	_, err = m.Post(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.wallet.TransferCount())
}

func TestPostWithoutTarget(t *testing.T) {
	f := newFixture(t, fixtureConfig{onChain: true})
	f.chain.SetBlog("paynsnap")
	f.decoded(t)
	m := f.machine
	ctx := context.Background()
	_, err := m.Confirm(ctx)
	require.NoError(t, err)

	_, err = m.Post(ctx)
	require.ErrorIs(t, err, domain.ErrNoReplyTarget)
	snap := m.Snapshot()
	assert.Equal(t, PhaseSnapReady, snap.Phase)
	assert.Equal(t, "no_reply_target", snap.Error)
	assert.Zero(t, f.wallet.BroadcastCount())
}

func TestDoneResetsAfterDelay(t *testing.T) {
	f := newFixture(t, fixtureConfig{onChain: true, resetDelay: 20 * time.Millisecond})
	f.decoded(t)
	m := f.machine
	ctx := context.Background()
	_, err := m.Confirm(ctx)
	require.NoError(t, err)
	_, err = m.Post(ctx)
	require.NoError(t, err)

	snap := m.Snapshot()
	assert.Equal(t, PhaseDone, snap.Phase)
	assert.Equal(t, "Snap posted successfully!", snap.Status)
	require.NotNil(t, snap.Snap)

	require.Eventually(t, func() bool {
		return m.Snapshot().Phase == PhaseIdle
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, m.Snapshot().Intent)
}

func TestPostedStatusMentionsBeneficiaries(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		onChain:       true,
		resetDelay:    time.Hour,
		beneficiaries: []domain.Beneficiary{{Account: "paynsnap", Percentage: 5}},
	})
	f.decoded(t)
	m := f.machine
	ctx := context.Background()
	_, err := m.Confirm(ctx)
	require.NoError(t, err)

	res, err := m.Post(ctx)
	require.NoError(t, err)
	assert.True(t, res.WithBeneficiaries)
	snap := m.Snapshot()
	assert.Equal(t, PhaseDone, snap.Phase)
	assert.Equal(t, "Snap posted successfully with beneficiaries!", snap.Status)
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	m := f.machine
	ctx := context.Background()

	_, err := m.Confirm(ctx)
	assert.ErrorIs(t, err, domain.ErrNotLoggedIn)
	assert.ErrorIs(t, m.Reset(), domain.ErrNotLoggedIn)
	assert.ErrorIs(t, m.Login(ctx, "  "), ErrUsernameRequired)

	require.NoError(t, m.Login(ctx, "alice"))
	assert.ErrorIs(t, m.Login(ctx, "bob"), domain.ErrInvalidTransition)
	_, err = m.Confirm(ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = m.Post(ctx)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Zero(t, f.wallet.TransferCount())
}

func TestResetDropsIntent(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.decoded(t)
	require.NoError(t, f.machine.Reset())

	snap := f.machine.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Nil(t, snap.Intent)
	assert.Empty(t, snap.RunID)
}

func TestLogoutAbandonsInFlightConfirm(t *testing.T) {
	f := newFixture(t, fixtureConfig{onChain: true})
	f.decoded(t)
	m := f.machine
	ctx := context.Background()

	f.wallet.Gate = make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		_, err := m.Confirm(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return m.Snapshot().Processing }, time.Second, time.Millisecond)

	require.NoError(t, m.Logout(ctx))
	assert.Error(t, <-errc)

	snap := m.Snapshot()
	assert.Equal(t, PhaseLoggedOut, snap.Phase)
	assert.False(t, snap.Processing)
	assert.Nil(t, snap.Intent)

	sess, err := f.settings.Session(ctx)
	require.NoError(t, err)
	assert.Empty(t, sess.Username)
}

// heldAuth blocks Verify until release is closed.
type heldAuth struct {
	entered chan struct{}
	release chan struct{}
}

func (a heldAuth) Verify(ctx context.Context, _ string) error {
	close(a.entered)
	<-a.release
	return nil
}

func TestLogoutDuringLoginKeepsSessionCleared(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	m := f.machine
	ctx := context.Background()
	auth := heldAuth{entered: make(chan struct{}), release: make(chan struct{})}
	m.deps.Auth = auth

	errc := make(chan error, 1)
	go func() { errc <- m.Login(ctx, "alice") }()
	<-auth.entered

	require.NoError(t, m.Logout(ctx))
	close(auth.release)
	assert.ErrorIs(t, <-errc, domain.ErrInvalidTransition)

	assert.Equal(t, PhaseLoggedOut, m.Snapshot().Phase)
	sess, err := f.settings.Session(ctx)
	require.NoError(t, err)
	assert.Empty(t, sess.Username)

	sess, err = m.Restore(ctx)
	require.NoError(t, err)
	assert.Empty(t, sess.Username)
	assert.Equal(t, PhaseLoggedOut, m.Snapshot().Phase)
}

func TestLogoutStopsCamera(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	m := f.machine
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "alice"))

	feed := qr.NewFeed(1)
	require.NoError(t, m.StartScan(ctx, feed))
	require.NoError(t, m.Logout(ctx))
	assert.False(t, feed.Capturing())
	assert.Equal(t, PhaseLoggedOut, m.Snapshot().Phase)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	sess, err := f.machine.Restore(ctx)
	require.NoError(t, err)
	assert.Empty(t, sess.Username)
	assert.Equal(t, PhaseLoggedOut, f.machine.Snapshot().Phase)

	require.NoError(t, f.settings.SaveSession(ctx, domain.Session{Username: "alice"}))
	_, err = f.machine.Restore(ctx)
	require.NoError(t, err)
	snap := f.machine.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Equal(t, "alice", snap.Username)
	assert.Empty(t, f.wallet.Signs)
}

func TestPreferencesDriveMessage(t *testing.T) {
	f := newFixture(t, fixtureConfig{onChain: true})
	m := f.machine
	ctx := context.Background()

	assert.ErrorIs(t, m.SetPreferences(ctx, domain.Preferences{DefaultMessageIndex: 5}), ErrInvalidPreferences)
	assert.ErrorIs(t, m.SetPreferences(ctx, domain.Preferences{DefaultMessageIndex: 2}), ErrInvalidPreferences)
	require.NoError(t, m.SetPreferences(ctx, domain.Preferences{DefaultMessageIndex: 2, CustomMessage: "{from} sent {amount} to {account}"}))

	prefs, err := m.Preferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, prefs.DefaultMessageIndex)

	f.decoded(t)
	_, err = m.Confirm(ctx)
	require.NoError(t, err)
	res, err := m.Post(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice sent 0.100 HBD to bob", res.Body)
}

func TestCloseReleasesEverything(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	m := f.machine
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "alice"))

	feed := qr.NewFeed(1)
	require.NoError(t, m.StartScan(ctx, feed))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.False(t, feed.Capturing())

	_, err := m.SubmitPayload(bobURI(t))
	assert.ErrorIs(t, err, ErrClosed)

	sess, err := f.settings.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)
}
