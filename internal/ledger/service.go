// Package ledger is the authoritative credit balance service. All balance
// mutations flow through here; request handlers never write account state
// directly.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/internal/storage"
)

// ErrInsufficientBalance is returned when a debit would take the balance
// negative. The debit is rejected, never clamped.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// ErrAccountOnHold is returned for any debit against a frozen account,
// independent of balance.
var ErrAccountOnHold = errors.New("ledger: account on hold")

// Config holds ledger policy values.
type Config struct {
	// GuestFreeAllocation is the implicit free balance a guest keeps behind
	// on migration; only pages earned beyond it follow the user.
	GuestFreeAllocation int64
	// RegistrationBonus is the one-time grant for a newly created
	// authenticated account.
	RegistrationBonus int64
	// EarlyAdopterCutoff flags accounts created before it. Zero disables.
	EarlyAdopterCutoff time.Time
}

// Service implements credit ledger operations over a storage backend.
type Service struct {
	store  storage.Store
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a ledger service.
func New(store storage.Store, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
}

// Balance returns the owner's account, creating it lazily for first-time
// callers. A fresh guest account starts with the free allocation; a fresh
// authenticated account receives the write-once registration bonus.
func (s *Service) Balance(ctx context.Context, owner identity.OwnerID) (storage.CreditAccount, error) {
	acct, created, err := s.store.EnsureAccount(ctx, string(owner), s.newAccountOptions(owner))
	if err != nil {
		return storage.CreditAccount{}, fmt.Errorf("ensure account: %w", err)
	}
	if created {
		s.logger.Info().
			Str("owner", logger.RedactOwner(string(owner))).
			Int64("initial_grant", acct.PagesRemaining).
			Msg("ledger.account.created")
	}
	return acct, nil
}

// DebitForUsage atomically charges the owner for delivered work. The
// referenceID correlates the usage entry with the job that earned it.
func (s *Service) DebitForUsage(ctx context.Context, owner identity.OwnerID, pages int64, referenceID string) (int64, error) {
	res, err := s.store.DebitIfSufficient(ctx, string(owner), pages, storage.TxKindUsage, referenceID)
	if errors.Is(err, storage.ErrAccountOnHold) {
		return res.Remaining, ErrAccountOnHold
	}
	if errors.Is(err, storage.ErrNotFound) {
		// Never-seen owner has balance zero.
		return 0, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}
	if !res.Applied {
		return res.Remaining, ErrInsufficientBalance
	}
	return res.Remaining, nil
}

// CreditPurchase applies a paid credit grant exactly once per referenceID.
// Returns whether this call applied the grant (false on replay) and the
// resulting balance.
func (s *Service) CreditPurchase(ctx context.Context, owner identity.OwnerID, pages int64, referenceID string) (bool, int64, error) {
	res, err := s.store.Credit(ctx, string(owner), pages, storage.TxKindPurchase, referenceID)
	if err != nil {
		return false, 0, fmt.Errorf("credit purchase: %w", err)
	}
	if !res.Applied {
		s.logger.Info().
			Str("owner", logger.RedactOwner(string(owner))).
			Str("reference", logger.RedactToken(referenceID)).
			Msg("ledger.credit.replay_ignored")
	}
	return res.Applied, res.Remaining, nil
}

// GrantSupport applies a manual support credit, idempotent per referenceID.
func (s *Service) GrantSupport(ctx context.Context, owner identity.OwnerID, pages int64, referenceID string) (bool, int64, error) {
	res, err := s.store.Credit(ctx, string(owner), pages, storage.TxKindSupportGrant, referenceID)
	if err != nil {
		return false, 0, fmt.Errorf("grant support credit: %w", err)
	}
	return res.Applied, res.Remaining, nil
}

// ReverseForRefund claws back a previously granted credit. When the owner has
// already spent the funds the account is placed on hold instead of allowing a
// negative balance.
func (s *Service) ReverseForRefund(ctx context.Context, owner identity.OwnerID, pages int64, referenceID string) error {
	res, err := s.store.DebitIfSufficient(ctx, string(owner), pages, storage.TxKindRefundReversal, referenceID)
	if err != nil && !errors.Is(err, storage.ErrAccountOnHold) && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("reverse credit: %w", err)
	}
	if err == nil && res.Applied {
		return nil
	}

	// Funds already spent (or the account is already held): freeze.
	if holdErr := s.store.SetAccountStatus(ctx, string(owner), storage.AccountStatusOnHold); holdErr != nil && !errors.Is(holdErr, storage.ErrNotFound) {
		return fmt.Errorf("place account on hold: %w", holdErr)
	}
	s.logger.Warn().
		Str("owner", logger.RedactOwner(string(owner))).
		Int64("pages", pages).
		Str("reference", logger.RedactToken(referenceID)).
		Msg("ledger.refund.balance_spent_account_held")
	return nil
}

// MigrateGuestToUser transfers a guest's earned balance to their new user
// account, at most once per (device, user) pair. Returns the transferred
// amount; repeated calls report the recorded amount without moving credit.
func (s *Service) MigrateGuestToUser(ctx context.Context, device, user identity.OwnerID) (int64, error) {
	// The target account must exist so the signup bonus is not silently
	// folded into the migration transfer.
	if _, err := s.Balance(ctx, user); err != nil {
		return 0, err
	}

	transferred, applied, err := s.store.MigrateGuest(ctx, string(device), string(user), s.cfg.GuestFreeAllocation)
	if err != nil {
		return 0, fmt.Errorf("migrate guest: %w", err)
	}
	if applied {
		s.logger.Info().
			Str("device", logger.RedactOwner(string(device))).
			Str("user", logger.RedactOwner(string(user))).
			Int64("transferred", transferred).
			Msg("ledger.migration.applied")
	}
	return transferred, nil
}

// SetStatus places an account on hold or reactivates it.
func (s *Service) SetStatus(ctx context.Context, owner identity.OwnerID, status storage.AccountStatus) error {
	if err := s.store.SetAccountStatus(ctx, string(owner), status); err != nil {
		return fmt.Errorf("set account status: %w", err)
	}
	s.logger.Info().
		Str("owner", logger.RedactOwner(string(owner))).
		Str("status", string(status)).
		Msg("ledger.account.status_changed")
	return nil
}

// Transactions returns the owner's recent ledger entries, newest first.
func (s *Service) Transactions(ctx context.Context, owner identity.OwnerID, limit int) ([]storage.CreditTransaction, error) {
	return s.store.ListTransactions(ctx, string(owner), limit)
}

func (s *Service) newAccountOptions(owner identity.OwnerID) storage.NewAccountOptions {
	opts := storage.NewAccountOptions{
		EarlyAdopter: !s.cfg.EarlyAdopterCutoff.IsZero() && s.now().Before(s.cfg.EarlyAdopterCutoff),
	}
	if owner.IsUser() {
		if s.cfg.RegistrationBonus > 0 {
			opts.InitialGrant = s.cfg.RegistrationBonus
			opts.GrantKind = storage.TxKindSignupBonus
			opts.MarkBonusUsed = true
		}
	} else if s.cfg.GuestFreeAllocation > 0 {
		opts.InitialGrant = s.cfg.GuestFreeAllocation
		opts.GrantKind = storage.TxKindSupportGrant
	}
	return opts
}
