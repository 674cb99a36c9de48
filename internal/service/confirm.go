package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/log"
	"github.com/rs/zerolog"
)

var (
	confirmOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paynsnap_confirm_outcomes_total",
		Help: "Confirmation polls by outcome",
	}, []string{"outcome"}) // confirmed|timeout|canceled

	confirmAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paynsnap_confirm_attempts",
		Help:    "History polls needed before a poll finished",
		Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
	})
)

// HistoryFetcher is the part of the RPC client the poller needs.
type HistoryFetcher interface {
	GetAccountHistory(ctx context.Context, account string, start int64, limit int) ([]domain.HistoryEntry, error)
}

type ConfirmConfig struct {
	MaxAttempts  int
	Interval     time.Duration
	HistoryLimit int
}

func DefaultConfirmConfig() ConfirmConfig {
	return ConfirmConfig{MaxAttempts: 10, Interval: time.Second, HistoryLimit: 10}
}

// ConfirmService polls account history until an expected transfer shows up.
type ConfirmService struct {
	rpc    HistoryFetcher
	cfg    ConfirmConfig
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	logger zerolog.Logger
}

type ConfirmOption func(*ConfirmService)

// WithSleep replaces the delay between polls.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ConfirmOption {
	return func(s *ConfirmService) { s.sleep = fn }
}

func WithClock(now func() time.Time) ConfirmOption {
	return func(s *ConfirmService) { s.now = now }
}

func NewConfirmService(rpc HistoryFetcher, cfg ConfirmConfig, opts ...ConfirmOption) *ConfirmService {
	def := DefaultConfirmConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	s := &ConfirmService{
		rpc:    rpc,
		cfg:    cfg,
		sleep:  sleepContext,
		now:    time.Now,
		logger: log.WithComponent("confirm"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *ConfirmService) Config() ConfirmConfig { return s.cfg }

// Wait polls at most MaxAttempts times. Fetch errors are logged and use up an attempt.
func (s *ConfirmService) Wait(ctx context.Context, from string, intent domain.PaymentIntent) (domain.Confirmation, error) {
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		entries, err := s.rpc.GetAccountHistory(ctx, from, -1, s.cfg.HistoryLimit)
		if err != nil {
			if ctx.Err() != nil {
				confirmOutcomes.WithLabelValues("canceled").Inc()
				return domain.Confirmation{}, ctx.Err()
			}
			s.logger.Warn().Err(err).Int("attempt", attempt).Str("account", from).Msg("error checking history")
		} else if entry, ok := MatchTransfer(entries, from, intent); ok {
			confirmOutcomes.WithLabelValues("confirmed").Inc()
			confirmAttempts.Observe(float64(attempt))
			s.logger.Info().Int("attempt", attempt).Str("trx_id", entry.TrxID).Msg("transfer confirmed")
			return domain.Confirmation{
				Index:    entry.Index,
				TrxID:    entry.TrxID,
				Block:    entry.Block,
				Attempts: attempt,
				At:       s.now(),
			}, nil
		}

		if attempt == s.cfg.MaxAttempts {
			break
		}
		if err := s.sleep(ctx, s.cfg.Interval); err != nil {
			confirmOutcomes.WithLabelValues("canceled").Inc()
			return domain.Confirmation{}, err
		}
	}

	confirmOutcomes.WithLabelValues("timeout").Inc()
	confirmAttempts.Observe(float64(s.cfg.MaxAttempts))
	return domain.Confirmation{}, fmt.Errorf("%w after %d attempts", domain.ErrConfirmationTimeout, s.cfg.MaxAttempts)
}

// MatchTransfer scans entries newest first for a transfer with identical from, to, amount and memo.
// Amount comparison is on the canonical string.
func MatchTransfer(entries []domain.HistoryEntry, from string, intent domain.PaymentIntent) (domain.HistoryEntry, bool) {
	sorted := make([]domain.HistoryEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index > sorted[j].Index })

	amount := intent.Amount.String()
	for _, e := range sorted {
		if e.Op.Name != "transfer" {
			continue
		}
		if field(e.Op.Fields, "from") == from &&
			field(e.Op.Fields, "to") == intent.To &&
			field(e.Op.Fields, "amount") == amount &&
			field(e.Op.Fields, "memo") == intent.Memo {
			return e, true
		}
	}
	return domain.HistoryEntry{}, false
}

func field(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
