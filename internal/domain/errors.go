package domain

import "errors"

var (
	ErrMalformedPayload    = errors.New("malformed QR payload")
	ErrInvalidPaymentData  = errors.New("invalid payment data")
	ErrWalletUnavailable   = errors.New("wallet not detected")
	ErrWalletRejected      = errors.New("wallet rejected request")
	ErrNetworkFailure      = errors.New("network failure")
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	ErrNoReplyTarget       = errors.New("no post to reply to")
	ErrBroadcastRejected   = errors.New("broadcast rejected")

	ErrNotLoggedIn       = errors.New("not logged in")
	ErrBusy              = errors.New("request in progress")
	ErrInvalidTransition = errors.New("action not allowed in current phase")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrMalformedPayload, "malformed_payload"},
	{ErrInvalidPaymentData, "invalid_payment_data"},
	{ErrWalletUnavailable, "wallet_unavailable"},
	{ErrBroadcastRejected, "broadcast_rejected"},
	{ErrWalletRejected, "wallet_rejected"},
	{ErrConfirmationTimeout, "confirmation_timeout"},
	{ErrNoReplyTarget, "no_reply_target"},
	{ErrNetworkFailure, "network_failure"},
	{ErrNotLoggedIn, "not_logged_in"},
	{ErrBusy, "busy"},
	{ErrInvalidTransition, "invalid_transition"},
}

// Kind names the taxonomy bucket of err for status views and metric labels.
// nil yields "" and anything unclassified yields "internal".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
