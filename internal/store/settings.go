package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/punchamoorthee/paynsnap/internal/domain"
)

// Fixed keys of the persisted client state.
const (
	SessionKey     = "hiveUsername"
	PreferencesKey = "paynsnap"
)

// Settings reads and writes the session and message preferences.
type Settings struct {
	kv KV
	// Defaults is returned by Preferences when nothing was saved yet.
	Defaults domain.Preferences
}

func NewSettings(kv KV) *Settings {
	return &Settings{kv: kv}
}

// Session returns the persisted session; a missing key yields an empty session.
func (s *Settings) Session(ctx context.Context) (domain.Session, error) {
	v, err := s.kv.Get(ctx, SessionKey)
	if errors.Is(err, ErrNotFound) {
		return domain.Session{}, nil
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	return domain.Session{Username: strings.TrimSpace(string(v))}, nil
}

func (s *Settings) SaveSession(ctx context.Context, sess domain.Session) error {
	if err := s.kv.Put(ctx, SessionKey, []byte(sess.Username)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Settings) ClearSession(ctx context.Context) error {
	if err := s.kv.Delete(ctx, SessionKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// storedPreferences accepts the message index as a number or a numeric string.
type storedPreferences struct {
	DefaultMessageIndex json.RawMessage `json:"defaultMessageIndex"`
	CustomMessage       string          `json:"customMessage"`
}

// Preferences returns the persisted message preferences, or Defaults when none were saved.
func (s *Settings) Preferences(ctx context.Context) (domain.Preferences, error) {
	v, err := s.kv.Get(ctx, PreferencesKey)
	if errors.Is(err, ErrNotFound) {
		return s.Defaults, nil
	}
	if err != nil {
		return domain.Preferences{}, fmt.Errorf("load preferences: %w", err)
	}

	var raw storedPreferences
	if err := json.Unmarshal(v, &raw); err != nil {
		return domain.Preferences{}, fmt.Errorf("decode preferences: %w", err)
	}
	prefs := domain.Preferences{CustomMessage: raw.CustomMessage}
	if len(raw.DefaultMessageIndex) > 0 {
		idx := strings.Trim(string(raw.DefaultMessageIndex), `"`)
		n, err := strconv.Atoi(idx)
		if err != nil {
			return domain.Preferences{}, fmt.Errorf("decode preferences: message index %q", idx)
		}
		prefs.DefaultMessageIndex = n
	}
	return prefs, nil
}

func (s *Settings) SavePreferences(ctx context.Context, p domain.Preferences) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, PreferencesKey, b); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
