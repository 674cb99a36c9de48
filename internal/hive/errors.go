package hive

import (
	"fmt"

	"github.com/punchamoorthee/paynsnap/internal/domain"
)

// Error wraps a failed RPC call. It always matches domain.ErrNetworkFailure
// and also unwraps to the nested cause, if any.
type Error struct {
	Method  string
	Node    string
	Status  int    // HTTP status, 0 when the request never completed
	Code    int    // JSON-RPC error code, 0 when not an RPC-level error
	Message string // JSON-RPC error message
	Err     error  // nested transport or decode error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("hive: %s: %v", e.Method, domain.ErrNetworkFailure)
	if e.Node != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Node)
	}
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: rpc %d: %s", msg, e.Code, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{domain.ErrNetworkFailure}
	}
	return []error{domain.ErrNetworkFailure, e.Err}
}
