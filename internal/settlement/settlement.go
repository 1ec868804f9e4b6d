// Package settlement takes an order from creation to a terminal state across
// three participants that fail independently: the order store, the custodial
// ledger and the clearing venue. There is no transaction spanning them.
// Correctness rests on step order: a SELL is debited before clearing, a BUY is
// credited only after clearing accepted, so at most one ledger operation ever
// needs undoing and only a SELL debit is ever compensated.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/settlement/internal/clearing"
	"github.com/xtrntr/settlement/internal/db"
	"github.com/xtrntr/settlement/internal/models"
)

var (
	mon = monkit.Package()

	// ErrInvalidOrder is returned for malformed input. Nothing is persisted.
	ErrInvalidOrder = errs.Class("invalid order")
	// ErrUnknownAsset is returned when the symbol has no asset record. Nothing is persisted.
	ErrUnknownAsset = errs.Class("unknown asset")
	// ErrOrderFailed wraps the error that drove a PENDING order to FAILED.
	ErrOrderFailed = errs.Class("order failed")
	// ErrUnsettledCredit marks a BUY that cleared but could not be credited.
	// The venue side effect is irreversible, so it needs manual reconciliation.
	ErrUnsettledCredit = errs.Class("unsettled credit")
	// ErrTerminalWrite is returned when the outcome could not be recorded.
	ErrTerminalWrite = errs.Class("terminal write")
)

// notifyTimeout bounds outcome notification after the terminal write
const notifyTimeout = 5 * time.Second

// OrderStore persists orders. UpdateOrderTerminal must refuse orders that
// already left PENDING.
type OrderStore interface {
	CreatePendingOrder(ctx context.Context, in models.NewOrder) (*models.Order, error)
	UpdateOrderTerminal(ctx context.Context, id int64, outcome models.Outcome) (*models.Order, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
}

// Resolver maps input identifiers to records. FindOrCreateUser must be safe
// to call concurrently for one wallet; FindAssetBySymbol reports a missing
// asset with db.ErrNotFound.
type Resolver interface {
	FindOrCreateUser(ctx context.Context, wallet string) (*models.User, error)
	FindAssetBySymbol(ctx context.Context, symbol string) (*models.Asset, error)
}

// Ledger holds custodial balances. Withdraw reports a short balance with
// ledger.ErrInsufficientFunds.
type Ledger interface {
	Deposit(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) (decimal.Decimal, error)
	Withdraw(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) (decimal.Decimal, error)
}

// Notifier learns about every order that reached a terminal state
type Notifier interface {
	OrderSettled(ctx context.Context, order *models.Order) error
}

// Input is one settlement request, already mapped from its transport
type Input struct {
	WalletAddress string
	AssetSymbol   string
	Type          models.OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
	// TransactionHash is the optional reference of the triggering event.
	TransactionHash string
	// Source names the trigger for logging, e.g. "api" or "chain".
	Source string
}

func (in Input) validate() error {
	switch {
	case in.WalletAddress == "":
		return ErrInvalidOrder.New("wallet address is required")
	case in.AssetSymbol == "":
		return ErrInvalidOrder.New("asset symbol is required")
	case !in.Type.Valid():
		return ErrInvalidOrder.New("type must be BUY or SELL, got %q", in.Type)
	case !in.Amount.IsPositive():
		return ErrInvalidOrder.New("amount must be positive, got %s", in.Amount)
	case !in.Price.IsPositive():
		return ErrInvalidOrder.New("price must be positive, got %s", in.Price)
	}
	return nil
}

// Config holds the collaborators of a Service. Notifier may be nil.
type Config struct {
	Orders   OrderStore
	Resolver Resolver
	Ledger   Ledger
	Clearing clearing.Client
	Notifier Notifier
	Log      *zap.Logger
}

// Service runs settlement sagas. It keeps no per-order state, so any number
// of SettleOrder calls may run at once.
type Service struct {
	orders   OrderStore
	resolver Resolver
	ledger   Ledger
	clearing clearing.Client
	notifier Notifier
	log      *zap.Logger
}

// NewService creates a settlement service
func NewService(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		orders:   cfg.Orders,
		resolver: cfg.Resolver,
		ledger:   cfg.Ledger,
		clearing: cfg.Clearing,
		notifier: cfg.Notifier,
		log:      log,
	}
}

// GetOrder returns a persisted order
func (s *Service) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return s.orders.GetOrder(ctx, id)
}

// SettleOrder runs one order from creation to COMPLETED or FAILED.
//
// ErrInvalidOrder and ErrUnknownAsset mean nothing was persisted. Once the
// PENDING order exists every path ends in exactly one terminal write: on
// success the COMPLETED order is returned; on failure the FAILED order is
// returned together with an ErrOrderFailed wrapping the cause. If the
// terminal write itself fails the error is ErrTerminalWrite and the order is
// left PENDING.
func (s *Service) SettleOrder(ctx context.Context, in Input) (_ *models.Order, err error) {
	defer mon.Task()(&ctx)(&err)

	in.WalletAddress = models.NormalizeWallet(in.WalletAddress)
	if err := in.validate(); err != nil {
		return nil, err
	}

	user, asset, err := s.resolve(ctx, in)
	if err != nil {
		return nil, err
	}

	var txHash *string
	if in.TransactionHash != "" {
		txHash = &in.TransactionHash
	}
	order, err := s.orders.CreatePendingOrder(ctx, models.NewOrder{
		UserID:          user.ID,
		AssetID:         asset.ID,
		Type:            in.Type,
		Amount:          in.Amount,
		Price:           in.Price,
		TransactionHash: txHash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pending order: %w", err)
	}

	log := s.log.With(
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", user.ID),
		zap.String("asset", asset.Symbol),
		zap.String("type", string(order.Type)),
		zap.Stringer("amount", order.Amount),
		zap.String("source", in.Source))
	log.Info("order pending")

	res, stepErr := s.run(ctx, log, order, user, asset)
	if stepErr == nil {
		done, err := s.finish(ctx, log, order.ID, models.Completed(res))
		if err != nil {
			return nil, err
		}
		mon.Counter("orders_completed").Inc(1)
		log.Info("order completed", zap.String("external_order_id", res.ExternalID))
		return done, nil
	}

	failed, err := s.finish(ctx, log, order.ID, models.Failed(failureMessage(stepErr)))
	if err != nil {
		return nil, err
	}
	mon.Counter("orders_failed").Inc(1)
	if ErrUnsettledCredit.Has(stepErr) {
		log.Error("order cleared but was not credited", zap.Error(stepErr))
	} else {
		log.Warn("order failed", zap.Error(stepErr))
	}
	return failed, ErrOrderFailed.Wrap(stepErr)
}

// resolve finds or creates the counterparty and looks the asset up, concurrently
func (s *Service) resolve(ctx context.Context, in Input) (user *models.User, asset *models.Asset, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := s.resolver.FindOrCreateUser(gctx, in.WalletAddress)
		if err != nil {
			return fmt.Errorf("failed to resolve user: %w", err)
		}
		user = u
		return nil
	})
	g.Go(func() error {
		a, err := s.resolver.FindAssetBySymbol(gctx, in.AssetSymbol)
		if err != nil {
			if db.ErrNotFound.Has(err) {
				return ErrUnknownAsset.New("%s", in.AssetSymbol)
			}
			return fmt.Errorf("failed to resolve asset: %w", err)
		}
		asset = a
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return user, asset, nil
}

// run performs the ledger and clearing steps of a PENDING order
func (s *Service) run(ctx context.Context, log *zap.Logger, order *models.Order, user *models.User, asset *models.Asset) (models.ClearingResult, error) {
	debited := false
	if order.Type == models.OrderTypeSell {
		balance, err := s.ledger.Withdraw(ctx, user.ID, asset.Symbol, order.Amount)
		if err != nil {
			// nothing was debited, so there is nothing to compensate
			return models.ClearingResult{}, err
		}
		debited = true
		log.Debug("sell debited", zap.Stringer("balance", balance))
	}

	res, err := s.clearing.Submit(ctx, clearing.Submission{
		OrderID:  strconv.FormatInt(order.ID, 10),
		Asset:    asset.Symbol,
		Quantity: order.Amount,
		Type:     order.Type,
	})
	if err != nil {
		if debited {
			return models.ClearingResult{}, s.compensate(ctx, log, order, user, asset, err)
		}
		return models.ClearingResult{}, err
	}

	if order.Type == models.OrderTypeBuy {
		// the venue has accepted; a caller giving up must not skip the credit
		balance, err := s.ledger.Deposit(context.WithoutCancel(ctx), user.ID, asset.Symbol, order.Amount)
		if err != nil {
			return models.ClearingResult{}, ErrUnsettledCredit.New(
				"clearing accepted as %s but ledger credit failed: %v", res.ExternalID, err)
		}
		log.Debug("buy credited", zap.Stringer("balance", balance))
	}
	return res, nil
}

// compensate returns a SELL's debit after a later step failed with cause.
// The refund runs even if the caller's context is already cancelled. The
// returned error keeps cause's identity.
func (s *Service) compensate(ctx context.Context, log *zap.Logger, order *models.Order, user *models.User, asset *models.Asset, cause error) error {
	mon.Counter("compensations").Inc(1)
	log.Warn("compensating sell debit", zap.NamedError("cause", cause))

	balance, err := s.ledger.Deposit(context.WithoutCancel(ctx), user.ID, asset.Symbol, order.Amount)
	if err != nil {
		mon.Counter("compensation_failures").Inc(1)
		log.Error("compensation failed, balance not restored", zap.Error(err))
		return &refundError{cause: cause, amount: order.Amount, symbol: asset.Symbol, err: err}
	}
	log.Info("sell debit restored", zap.Stringer("balance", balance))
	return cause
}

// refundError is a step failure whose compensating deposit also failed.
// It unwraps to the step failure.
type refundError struct {
	cause  error
	amount decimal.Decimal
	symbol string
	err    error
}

func (e *refundError) Error() string { return e.cause.Error() + e.note() }
func (e *refundError) Unwrap() error { return e.cause }

func (e *refundError) note() string {
	return fmt.Sprintf(" (refund of %s %s failed: %v)", e.amount, e.symbol, e.err)
}

// failureMessage is what a FAILED order records: the venue's own words for a
// rejection, the error text otherwise, plus any failed refund.
func failureMessage(err error) string {
	var refund *refundError
	if errors.As(err, &refund) {
		return failureMessage(refund.cause) + refund.note()
	}
	if reason, ok := clearing.Reason(err); ok {
		return reason
	}
	return err.Error()
}

// finish makes the outcome durable and announces it. The write is not tied
// to the caller's cancellation: a PENDING order must always reach a
// terminal state.
func (s *Service) finish(ctx context.Context, log *zap.Logger, id int64, outcome models.Outcome) (*models.Order, error) {
	ctx = context.WithoutCancel(ctx)

	order, err := s.orders.UpdateOrderTerminal(ctx, id, outcome)
	if err != nil {
		mon.Counter("terminal_write_failures").Inc(1)
		log.Error("failed to record outcome",
			zap.String("status", string(outcome.Status)),
			zap.Error(err))
		return nil, ErrTerminalWrite.Wrap(fmt.Errorf("order %d left PENDING, could not record %s: %w", id, outcome.Status, err))
	}

	if s.notifier != nil {
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := s.notifier.OrderSettled(nctx, order); err != nil {
			log.Warn("failed to publish order outcome", zap.Error(err))
		}
	}
	return order, nil
}
