// Package ledger is the custodial balance store: how much of each asset each
// counterparty holds. It stands in for the custodian bank and keeps balances
// for the lifetime of the process only.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/xtrntr/settlement/internal/models"
)

var (
	mon = monkit.Package()

	// Error is the class of invalid ledger requests.
	Error = errs.Class("ledger")
	// ErrInsufficientFunds is returned when a withdraw exceeds the balance.
	ErrInsufficientFunds = errs.Class("insufficient funds")
)

// key identifies one balance
type key struct {
	userID int64
	symbol string
}

// account is a single balance guarded by its own lock
type account struct {
	mu     sync.Mutex
	amount decimal.Decimal
}

// Option configures a Ledger
type Option func(*Ledger)

// WithLatency delays every mutating call, simulating a remote custodian.
// The delay is spent before the balance lock is taken.
func WithLatency(d time.Duration) Option {
	return func(l *Ledger) { l.latency = d }
}

// Ledger serializes operations per (user, asset) key. Operations on
// different keys never contend.
type Ledger struct {
	log      *zap.Logger
	latency  time.Duration
	accounts sync.Map // key -> *account
}

// New creates an empty ledger
func New(log *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{log: log}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Deposit credits amount to the balance, creating it at zero if absent,
// and returns the new balance.
func (l *Ledger) Deposit(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) (_ decimal.Decimal, err error) {
	defer mon.Task()(&ctx)(&err)

	if !amount.IsPositive() {
		return decimal.Zero, Error.New("deposit amount must be positive, got %s", amount)
	}
	if err := l.wait(ctx); err != nil {
		return decimal.Zero, err
	}

	acc := l.account(key{userID: userID, symbol: symbol})
	acc.mu.Lock()
	acc.amount = acc.amount.Add(amount)
	balance := acc.amount
	acc.mu.Unlock()

	l.log.Debug("deposit",
		zap.Int64("user_id", userID),
		zap.String("asset", symbol),
		zap.Stringer("amount", amount),
		zap.Stringer("balance", balance))
	return balance, nil
}

// Withdraw debits amount from the balance and returns the new balance.
// The check and the decrement happen under the key's lock; a withdraw that
// would go negative changes nothing and fails with ErrInsufficientFunds.
func (l *Ledger) Withdraw(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) (_ decimal.Decimal, err error) {
	defer mon.Task()(&ctx)(&err)

	if !amount.IsPositive() {
		return decimal.Zero, Error.New("withdraw amount must be positive, got %s", amount)
	}
	if err := l.wait(ctx); err != nil {
		return decimal.Zero, err
	}

	v, ok := l.accounts.Load(key{userID: userID, symbol: symbol})
	if !ok {
		l.log.Debug("withdraw rejected, no balance",
			zap.Int64("user_id", userID),
			zap.String("asset", symbol),
			zap.Stringer("amount", amount))
		return decimal.Zero, ErrInsufficientFunds.New("user %d holds 0 %s, requested %s", userID, symbol, amount)
	}
	acc := v.(*account)

	acc.mu.Lock()
	if acc.amount.LessThan(amount) {
		current := acc.amount
		acc.mu.Unlock()
		l.log.Debug("withdraw rejected",
			zap.Int64("user_id", userID),
			zap.String("asset", symbol),
			zap.Stringer("amount", amount),
			zap.Stringer("balance", current))
		return current, ErrInsufficientFunds.New("user %d holds %s %s, requested %s", userID, current, symbol, amount)
	}
	acc.amount = acc.amount.Sub(amount)
	balance := acc.amount
	acc.mu.Unlock()

	l.log.Debug("withdraw",
		zap.Int64("user_id", userID),
		zap.String("asset", symbol),
		zap.Stringer("amount", amount),
		zap.Stringer("balance", balance))
	return balance, nil
}

// Balance returns the current balance, zero if the key was never touched
func (l *Ledger) Balance(ctx context.Context, userID int64, symbol string) (decimal.Decimal, error) {
	v, ok := l.accounts.Load(key{userID: userID, symbol: symbol})
	if !ok {
		return decimal.Zero, nil
	}
	acc := v.(*account)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.amount, nil
}

// Balances lists every non-zero balance held by a user, ordered by symbol
func (l *Ledger) Balances(ctx context.Context, userID int64) ([]models.Balance, error) {
	var out []models.Balance
	l.accounts.Range(func(k, v any) bool {
		kk := k.(key)
		if kk.userID != userID {
			return true
		}
		acc := v.(*account)
		acc.mu.Lock()
		amount := acc.amount
		acc.mu.Unlock()
		if !amount.IsZero() {
			out = append(out, models.Balance{UserID: userID, AssetSymbol: kk.symbol, Amount: amount})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].AssetSymbol < out[j].AssetSymbol
	})
	return out, nil
}

// account returns the account for k, creating it if needed. Concurrent
// first touches of the same key converge on one account.
func (l *Ledger) account(k key) *account {
	if v, ok := l.accounts.Load(k); ok {
		return v.(*account)
	}
	v, _ := l.accounts.LoadOrStore(k, &account{})
	return v.(*account)
}

func (l *Ledger) wait(ctx context.Context) error {
	if l.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(l.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
