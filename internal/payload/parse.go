// Package payload decodes and validates QR payment requests.
package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/punchamoorthee/paynsnap/internal/domain"
)

// URIPrefix marks a signing-URI payload carrying one base64url encoded operation.
const URIPrefix = "hive://sign/op/"

type transferFields struct {
	To     string `json:"to"`
	Amount any    `json:"amount"`
	Memo   string `json:"memo"`
}

// Parse decodes a raw QR string into a validated PaymentIntent.
// Unreadable or unsupported payloads yield domain.ErrMalformedPayload;
// readable payloads with bad fields yield domain.ErrInvalidPaymentData.
func Parse(raw string) (domain.PaymentIntent, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.PaymentIntent{}, fmt.Errorf("%w: empty", domain.ErrMalformedPayload)
	}

	fields, uriErr := parseURI(raw)
	if uriErr == nil {
		return Validate(fields.To, fields.Amount, fields.Memo)
	}

	fields, legacyErr := parseLegacy(raw)
	if legacyErr != nil {
		if strings.HasPrefix(raw, URIPrefix) {
			return domain.PaymentIntent{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, uriErr)
		}
		return domain.PaymentIntent{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, legacyErr)
	}
	return Validate(fields.To, fields.Amount, fields.Memo)
}

// EncodeURI builds a signing-URI payload for a transfer operation.
func EncodeURI(to, amount, memo string) (string, error) {
	body, err := json.Marshal([]any{"transfer", map[string]string{"to": to, "amount": amount, "memo": memo}})
	if err != nil {
		return "", err
	}
	return URIPrefix + base64.RawURLEncoding.EncodeToString(body), nil
}

func parseURI(raw string) (transferFields, error) {
	if !strings.HasPrefix(raw, URIPrefix) {
		return transferFields{}, errors.New("missing signing URI prefix")
	}
	body, err := decodeBase64URL(strings.TrimPrefix(raw, URIPrefix))
	if err != nil {
		return transferFields{}, fmt.Errorf("base64 body: %w", err)
	}

	var op []json.RawMessage
	if err := json.Unmarshal(body, &op); err != nil {
		return transferFields{}, fmt.Errorf("operation json: %w", err)
	}
	if len(op) != 2 {
		return transferFields{}, fmt.Errorf("operation has %d elements, want 2", len(op))
	}
	var name string
	if err := json.Unmarshal(op[0], &name); err != nil {
		return transferFields{}, fmt.Errorf("operation name: %w", err)
	}
	if name != "transfer" {
		return transferFields{}, fmt.Errorf("unsupported operation %q", name)
	}

	fields, err := decodeFields(op[1])
	if err != nil {
		return transferFields{}, err
	}
	if strings.TrimSpace(fields.To) == "" || isEmptyAmount(fields.Amount) {
		return transferFields{}, errors.New("transfer is missing to or amount")
	}
	return fields, nil
}

func parseLegacy(raw string) (transferFields, error) {
	if !strings.HasPrefix(raw, "{") {
		return transferFields{}, errors.New("not a JSON object")
	}
	return decodeFields(json.RawMessage(raw))
}

func decodeFields(b json.RawMessage) (transferFields, error) {
	var f transferFields
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return transferFields{}, fmt.Errorf("transfer fields: %w", err)
	}
	return f, nil
}

// decodeBase64URL maps the URL alphabet back to the standard one and restores padding.
func decodeBase64URL(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return base64.StdEncoding.DecodeString(s)
}

func isEmptyAmount(v any) bool {
	switch a := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(a) == ""
	}
	return false
}
