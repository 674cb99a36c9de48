package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the single asset supported for payments.
const Currency = "HBD"

// Money is a positive fixed-point amount in Currency.
type Money struct {
	Value    decimal.Decimal
	Currency string
}

// String renders the canonical form, e.g. "0.100 HBD".
func (m Money) String() string {
	return m.Digits() + " " + m.Currency
}

// Digits renders the amount without its currency suffix, e.g. "0.100".
func (m Money) Digits() string {
	return m.Value.StringFixed(3)
}

func (m Money) IsZero() bool {
	return m.Currency == "" && m.Value.IsZero()
}

func (m Money) MarshalJSON() ([]byte, error) {
	if m.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(m.String())
}

// PaymentIntent is a validated payment request decoded from a QR code.
type PaymentIntent struct {
	To     string `json:"to"`
	Amount Money  `json:"amount"`
	Memo   string `json:"memo"`
}

func (p PaymentIntent) IsZero() bool {
	return p.To == "" && p.Amount.IsZero() && p.Memo == ""
}

// ReplyTarget is the post a snap is attached to.
type ReplyTarget struct {
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
}

// Beneficiary is a reward split as configured, in percent.
type Beneficiary struct {
	Account    string  `json:"account" mapstructure:"account"`
	Percentage float64 `json:"percentage" mapstructure:"percentage"`
}

// Session is the logged-in account.
type Session struct {
	Username string `json:"username"`
}

// Preferences hold the user's snap message selection.
type Preferences struct {
	DefaultMessageIndex int    `json:"defaultMessageIndex"`
	CustomMessage       string `json:"customMessage"`
}

// Operation is a chain operation in its [name, fields] wire form.
type Operation struct {
	Name   string
	Fields map[string]any
}

func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{o.Name, o.Fields})
}

func (o *Operation) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("operation: want [name, fields], got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &o.Name); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &o.Fields)
}

// HistoryEntry is one row of an account's operation history.
type HistoryEntry struct {
	Index     int64
	Op        Operation
	TrxID     string
	Block     int64
	Timestamp string
}

// Discussion is a blog post as listed by the RPC node.
type Discussion struct {
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
	Title    string `json:"title"`
	Created  string `json:"created"`
}

// Confirmation describes the history entry that matched a transfer.
type Confirmation struct {
	Index    int64     `json:"index"`
	TrxID    string    `json:"trx_id"`
	Block    int64     `json:"block"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"confirmed_at"`
}

// SnapResult is returned after a reply was broadcast.
type SnapResult struct {
	Author            string `json:"author"`
	Permlink          string `json:"permlink"`
	Body              string `json:"body"`
	WithBeneficiaries bool   `json:"with_beneficiaries"`
}
