package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/log"
	"github.com/punchamoorthee/paynsnap/internal/wallet"
	"github.com/rs/zerolog"
)

// AppName identifies this client in post metadata.
const AppName = "paynsnap/1.0"

const maxPermlinkLen = 255

// RenderMessage fills {amount}, {account} and {from} in tmpl. Other braces are left alone.
func RenderMessage(tmpl, amount, account, from string) string {
	return strings.NewReplacer("{amount}", amount, "{account}", account, "{from}", from).Replace(tmpl)
}

// SelectTemplate picks the message for a snap. Index len(messages) is the custom
// slot; it is used only when a custom message is set. Anything unusable falls
// back to messages[defaultIndex].
func SelectTemplate(messages []string, defaultIndex int, prefs domain.Preferences) string {
	if prefs.DefaultMessageIndex == len(messages) && strings.TrimSpace(prefs.CustomMessage) != "" {
		return prefs.CustomMessage
	}
	if prefs.DefaultMessageIndex >= 0 && prefs.DefaultMessageIndex < len(messages) {
		return messages[prefs.DefaultMessageIndex]
	}
	if defaultIndex >= 0 && defaultIndex < len(messages) {
		return messages[defaultIndex]
	}
	return ""
}

// BeneficiaryWeight converts a percentage into basis points.
func BeneficiaryWeight(percentage float64) int {
	return int(math.Round(percentage * 100))
}

// Beneficiaries renders the configured split in chain form, sorted by account as the chain requires.
func Beneficiaries(bs []domain.Beneficiary) []map[string]any {
	out := make([]map[string]any, 0, len(bs))
	for _, b := range bs {
		out = append(out, map[string]any{"account": b.Account, "weight": BeneficiaryWeight(b.Percentage)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["account"].(string) < out[j]["account"].(string) })
	return out
}

// ReplyPermlink derives a unique reply permlink from the parent and the current time.
func ReplyPermlink(parent string, now time.Time) string {
	suffix := "-" + strconv.FormatInt(now.UnixMilli(), 10)
	base := "re-" + strings.ToLower(parent)
	if len(base)+len(suffix) > maxPermlinkLen {
		base = strings.TrimRight(base[:maxPermlinkLen-len(suffix)], "-")
	}
	return base + suffix
}

type SnapConfig struct {
	CommunityTag  string
	Beneficiaries []domain.Beneficiary
}

// SnapService composes a reply and broadcasts it through the wallet.
type SnapService struct {
	wallet wallet.Wallet
	cfg    SnapConfig
	now    func() time.Time
	logger zerolog.Logger
}

func NewSnapService(w wallet.Wallet, cfg SnapConfig) *SnapService {
	return &SnapService{wallet: w, cfg: cfg, now: time.Now, logger: log.WithComponent("snap")}
}

// Compose builds the comment operation and, when beneficiaries are configured,
// the comment_options operation that carries them.
func (s *SnapService) Compose(author string, target domain.ReplyTarget, body string) ([]domain.Operation, string, error) {
	permlink := ReplyPermlink(target.Permlink, s.now())

	meta := map[string]any{"app": AppName}
	if s.cfg.CommunityTag != "" {
		meta["tags"] = []string{s.cfg.CommunityTag}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, "", err
	}

	ops := []domain.Operation{{
		Name: "comment",
		Fields: map[string]any{
			"parent_author":   target.Author,
			"parent_permlink": target.Permlink,
			"author":          author,
			"permlink":        permlink,
			"title":           "",
			"body":            body,
			"json_metadata":   string(metaJSON),
		},
	}}

	if len(s.cfg.Beneficiaries) > 0 {
		ops = append(ops, domain.Operation{
			Name: "comment_options",
			Fields: map[string]any{
				"author":                 author,
				"permlink":               permlink,
				"max_accepted_payout":    "1000000.000 " + domain.Currency,
				"percent_hbd":            10000,
				"allow_votes":            true,
				"allow_curation_rewards": true,
				"extensions": []any{
					[]any{0, map[string]any{"beneficiaries": Beneficiaries(s.cfg.Beneficiaries)}},
				},
			},
		})
	}
	return ops, permlink, nil
}

// Post broadcasts the reply and its options as one batch.
func (s *SnapService) Post(ctx context.Context, author string, target domain.ReplyTarget, body string) (domain.SnapResult, error) {
	if s.wallet == nil || !s.wallet.Available(ctx) {
		return domain.SnapResult{}, domain.ErrWalletUnavailable
	}
	ops, permlink, err := s.Compose(author, target, body)
	if err != nil {
		return domain.SnapResult{}, fmt.Errorf("compose snap: %w", err)
	}

	resp, err := s.wallet.RequestBroadcast(ctx, author, ops, wallet.RolePosting)
	if err != nil {
		return domain.SnapResult{}, &wallet.Error{Sentinel: domain.ErrWalletUnavailable, Op: "broadcast", Message: err.Error()}
	}
	if !resp.Success {
		s.logger.Warn().Str("message", resp.Message).Msg("snap broadcast declined")
		return domain.SnapResult{}, wallet.Reject(domain.ErrBroadcastRejected, "broadcast", resp, "Broadcast failed")
	}

	res := domain.SnapResult{
		Author:            author,
		Permlink:          permlink,
		Body:              body,
		WithBeneficiaries: len(ops) > 1,
	}
	s.logger.Info().
		Str("author", author).
		Str("permlink", permlink).
		Str("parent", target.Author+"/"+target.Permlink).
		Bool("beneficiaries", res.WithBeneficiaries).
		Msg("snap posted")
	return res, nil
}
