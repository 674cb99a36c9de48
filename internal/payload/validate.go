package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultMemo is applied when a payment request carries no memo.
const DefaultMemo = "Payment via Pay n Snap"

// maxAmount is the largest asset amount the chain can represent.
var maxAmount = decimal.New(math.MaxInt64, -3)

const (
	// maxIntegerDigits bounds the integer part before any arithmetic on the value.
	maxIntegerDigits = 16
	maxAmountLength  = 64
)

var (
	plainNumber      = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)$`)
	scientificNumber = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)[eE][+-]?\d+$`)
)

// ValidationError explains why payment fields were rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", domain.ErrInvalidPaymentData, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return domain.ErrInvalidPaymentData
}

// Validate turns raw decoded fields into a canonical PaymentIntent.
// amount may be a string (optionally suffixed with the currency) or any JSON number type.
func Validate(to string, amount any, memo string) (domain.PaymentIntent, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return domain.PaymentIntent{}, &ValidationError{Field: "to", Reason: "is required"}
	}
	money, err := ParseAmount(amount)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if memo == "" {
		memo = DefaultMemo
	}
	return domain.PaymentIntent{To: to, Amount: money, Memo: memo}, nil
}

// ParseAmount normalizes a number or amount string into Money.
func ParseAmount(amount any) (domain.Money, error) {
	var d decimal.Decimal
	switch v := amount.(type) {
	case nil:
		return domain.Money{}, &ValidationError{Field: "amount", Reason: "is required"}
	case string:
		parsed, err := parseAmountString(v)
		if err != nil {
			return domain.Money{}, err
		}
		d = parsed
	case json.Number:
		parsed, err := parseAmountString(v.String())
		if err != nil {
			return domain.Money{}, err
		}
		d = parsed
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Money{}, &ValidationError{Field: "amount", Reason: "is not finite"}
		}
		d = decimal.NewFromFloat(v)
	case float32:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return domain.Money{}, &ValidationError{Field: "amount", Reason: "is not finite"}
		}
		d = decimal.NewFromFloat32(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	case int64:
		d = decimal.NewFromInt(v)
	case decimal.Decimal:
		d = v
	default:
		return domain.Money{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("has unsupported type %T", amount)}
	}

	if !d.IsZero() && int64(d.NumDigits())+int64(d.Exponent()) > maxIntegerDigits {
		return domain.Money{}, &ValidationError{Field: "amount", Reason: "is too large"}
	}
	// Positivity is checked after rounding so "0.0001" cannot become "0.000 HBD".
	d = d.Round(3)
	if !d.IsPositive() {
		return domain.Money{}, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if d.GreaterThan(maxAmount) {
		return domain.Money{}, &ValidationError{Field: "amount", Reason: "is too large"}
	}
	return domain.Money{Value: d, Currency: domain.Currency}, nil
}

func parseAmountString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(domain.Currency) && strings.EqualFold(s[len(s)-len(domain.Currency):], domain.Currency) {
		s = strings.TrimSpace(s[:len(s)-len(domain.Currency)])
	}
	if s == "" {
		return decimal.Decimal{}, &ValidationError{Field: "amount", Reason: "is required"}
	}
	if len(s) > maxAmountLength {
		return decimal.Decimal{}, &ValidationError{Field: "amount", Reason: "is too long"}
	}
	switch {
	case plainNumber.MatchString(s):
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%q is not a number", s)}
		}
		return d, nil
	case scientificNumber.MatchString(s):
		// Exponent forms take float semantics: overflow is infinite, underflow is zero.
		f, err := strconv.ParseFloat(s, 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return decimal.Decimal{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%q is not a number", s)}
		}
		if math.IsInf(f, 0) {
			return decimal.Decimal{}, &ValidationError{Field: "amount", Reason: "is not finite"}
		}
		return decimal.NewFromFloat(f), nil
	default:
		return decimal.Decimal{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%q is not a number", s)}
	}
}

// CanonicalAmount returns the canonical "x.xxx HBD" form of s. It is idempotent.
func CanonicalAmount(s string) (string, error) {
	m, err := ParseAmount(s)
	if err != nil {
		return "", err
	}
	return m.String(), nil
}
