// Package wallettest provides an in-process Wallet for tests.
package wallettest

import (
	"context"
	"sync"

	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/wallet"
)

// Transfer records one RequestTransfer call.
type Transfer struct {
	Account, To, Amount, Memo, Currency string
}

// Broadcast records one RequestBroadcast call.
type Broadcast struct {
	Account string
	Ops     []domain.Operation
	Role    string
}

// Fake answers every request with the configured responses and records the calls.
// A non-nil Gate blocks transfer and broadcast calls until it is closed.
type Fake struct {
	mu sync.Mutex

	Missing           bool
	SignResponse      wallet.Response
	TransferResponse  wallet.Response
	BroadcastResponse wallet.Response
	Gate              chan struct{}
	// TransferErr makes RequestTransfer fail after the transfer was recorded,
	// like a bridge that timed out while the signer still approved.
	TransferErr error

	// OnTransfer runs after a transfer was accepted, e.g. to publish it to a fake chain.
	OnTransfer func(Transfer)

	Signs      []string
	Transfers  []Transfer
	Broadcasts []Broadcast
}

// New returns a Fake that accepts everything.
func New() *Fake {
	ok := wallet.Response{Success: true}
	return &Fake{SignResponse: ok, TransferResponse: ok, BroadcastResponse: ok}
}

func (f *Fake) Available(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Missing
}

func (f *Fake) SignBuffer(_ context.Context, account, message, role string) (wallet.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Signs = append(f.Signs, account)
	return f.SignResponse, nil
}

func (f *Fake) RequestTransfer(ctx context.Context, account, to, amount, memo, currency string) (wallet.Response, error) {
	f.wait(ctx)
	t := Transfer{Account: account, To: to, Amount: amount, Memo: memo, Currency: currency}
	f.mu.Lock()
	f.Transfers = append(f.Transfers, t)
	resp, terr := f.TransferResponse, f.TransferErr
	hook := f.OnTransfer
	f.mu.Unlock()
	if (resp.Success || terr != nil) && hook != nil {
		hook(t)
	}
	if terr != nil {
		return wallet.Response{}, terr
	}
	return resp, nil
}

func (f *Fake) RequestBroadcast(ctx context.Context, account string, ops []domain.Operation, role string) (wallet.Response, error) {
	f.wait(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Broadcasts = append(f.Broadcasts, Broadcast{Account: account, Ops: ops, Role: role})
	return f.BroadcastResponse, nil
}

func (f *Fake) wait(ctx context.Context) {
	f.mu.Lock()
	gate := f.Gate
	f.mu.Unlock()
	if gate == nil {
		return
	}
	select {
	case <-gate:
	case <-ctx.Done():
	}
}

// Set mutates the configuration under the fake's lock.
func (f *Fake) Set(fn func(f *Fake)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *Fake) TransferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Transfers)
}

func (f *Fake) BroadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Broadcasts)
}

func (f *Fake) LastBroadcast() Broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Broadcasts) == 0 {
		return Broadcast{}
	}
	return f.Broadcasts[len(f.Broadcasts)-1]
}

var _ wallet.Wallet = (*Fake)(nil)
