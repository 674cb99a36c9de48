// Package wallet reaches the key-holding wallet that signs on the user's behalf.
package wallet

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/paynsnap/internal/domain"
)

const (
	RolePosting = "Posting"
	RoleActive  = "Active"
)

// Response is the wallet's verdict on a request.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Wallet is the signing capability. A transport failure is returned as an
// error; a declined request is a Response with Success false.
type Wallet interface {
	Available(ctx context.Context) bool
	SignBuffer(ctx context.Context, account, message, role string) (Response, error)
	RequestTransfer(ctx context.Context, account, to, amount, memo, currency string) (Response, error)
	RequestBroadcast(ctx context.Context, account string, ops []domain.Operation, role string) (Response, error)
}

// Error reports a declined or failed wallet request.
type Error struct {
	Sentinel error
	Op       string
	Message  string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("wallet: %s: %v", e.Op, e.Sentinel)
	}
	return fmt.Sprintf("wallet: %s: %v: %s", e.Op, e.Sentinel, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Reject builds the error for a declined response, falling back to def when
// the wallet gave no message.
func Reject(sentinel error, op string, resp Response, def string) *Error {
	msg := resp.Message
	if msg == "" {
		msg = def
	}
	return &Error{Sentinel: sentinel, Op: op, Message: msg}
}
