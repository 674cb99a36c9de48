package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/log"
	"github.com/punchamoorthee/paynsnap/internal/wallet"
	"github.com/rs/zerolog"
)

// LoginMessage is the buffer signed to prove control of an account.
const LoginMessage = "paynsnap_login"

// ErrOutcomeUnknown marks a transfer request that reached the wallet without a verdict.
// The transfer may still land on chain.
var ErrOutcomeUnknown = errors.New("transfer outcome unknown")

type TransferService struct {
	wallet wallet.Wallet
	logger zerolog.Logger
}

func NewTransferService(w wallet.Wallet) *TransferService {
	return &TransferService{wallet: w, logger: log.WithComponent("transfer")}
}

// Request asks the wallet to sign and broadcast the transfer described by intent.
// It returns nil once the wallet accepted the request; landing on chain is checked separately.
func (s *TransferService) Request(ctx context.Context, username string, intent domain.PaymentIntent) error {
	if strings.TrimSpace(username) == "" {
		return domain.ErrNotLoggedIn
	}
	if s.wallet == nil || !s.wallet.Available(ctx) {
		return domain.ErrWalletUnavailable
	}

	s.logger.Info().
		Str("from", username).
		Str("to", intent.To).
		Str("amount", intent.Amount.String()).
		Msg("requesting transfer")

	resp, err := s.wallet.RequestTransfer(ctx, username, intent.To, intent.Amount.Digits(), intent.Memo, intent.Amount.Currency)
	if err != nil {
		s.logger.Warn().Err(err).Str("to", intent.To).Msg("transfer request got no verdict")
		return fmt.Errorf("%w: %w", ErrOutcomeUnknown, &wallet.Error{Sentinel: domain.ErrWalletUnavailable, Op: "transfer", Message: err.Error()})
	}
	if !resp.Success {
		s.logger.Warn().Str("message", resp.Message).Msg("transfer declined")
		return wallet.Reject(domain.ErrWalletRejected, "transfer", resp, "Transfer failed")
	}
	return nil
}

// Verify proves the user controls username by having the wallet sign LoginMessage.
func (s *TransferService) Verify(ctx context.Context, username string) error {
	if s.wallet == nil || !s.wallet.Available(ctx) {
		return domain.ErrWalletUnavailable
	}
	resp, err := s.wallet.SignBuffer(ctx, username, LoginMessage, wallet.RolePosting)
	if err != nil {
		return fmt.Errorf("sign login buffer: %w", &wallet.Error{Sentinel: domain.ErrWalletUnavailable, Op: "sign_buffer", Message: err.Error()})
	}
	if !resp.Success {
		return wallet.Reject(domain.ErrWalletRejected, "sign_buffer", resp, "Login failed")
	}
	return nil
}
