package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/xtrntr/settlement/internal/models"
	"github.com/xtrntr/settlement/internal/settlement"
)

var mon = monkit.Package()

const defaultRetryDelay = 5 * time.Second

// LogSource is the part of an Ethereum client the listener reads from
type LogSource interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Settler runs a settlement for a decoded event
type Settler interface {
	SettleOrder(ctx context.Context, in settlement.Input) (*models.Order, error)
}

// AssetLister provides the known asset symbols
type AssetLister interface {
	ListAssets(ctx context.Context) ([]models.Asset, error)
}

// ListenerConfig configures a Listener
type ListenerConfig struct {
	Source     LogSource
	Contract   common.Address
	Settler    Settler
	Assets     AssetLister
	Checkpoint *Checkpoint
	// Decimals scales on-chain integers: amount = raw / 10^Decimals.
	Decimals   int32
	RetryDelay time.Duration
	Log        *zap.Logger
}

// Listener settles a BUY for every BuyOrderInitiated event of a contract.
// Orders that end FAILED are logged and the listener keeps going. An event
// that could not be settled at all (lost database, canceled context) is left
// unmarked and retried from its block after reconnecting.
type Listener struct {
	cfg ListenerConfig
	log *zap.Logger

	mu      sync.Mutex
	symbols map[common.Hash]string
}

// Dial connects to an Ethereum node, preferably over websocket since the listener subscribes
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	return client, Error.Wrap(err)
}

// NewListener creates a listener
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		cfg:     cfg,
		log:     log.With(zap.Stringer("contract", cfg.Contract)),
		symbols: make(map[common.Hash]string),
	}
}

// Run listens until ctx is canceled, reconnecting after subscription errors
func (l *Listener) Run(ctx context.Context) error {
	l.log.Info("listening for BuyOrderInitiated events")
	for {
		err := l.runOnce(ctx)
		if ctx.Err() != nil {
			l.log.Info("listener stopped")
			return nil
		}
		l.log.Warn("listener interrupted, reconnecting", zap.Error(err), zap.Duration("retry_in", l.cfg.RetryDelay))

		timer := time.NewTimer(l.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.log.Info("listener stopped")
			return nil
		case <-timer.C:
		}
	}
}

// runOnce subscribes, backfills from the checkpoint, then follows the subscription.
// Subscribing first leaves no gap; overlap is removed by the checkpoint markers.
func (l *Listener) runOnce(ctx context.Context) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{l.cfg.Contract},
		Topics:    [][]common.Hash{{EventID}},
	}

	logs := make(chan types.Log, 64)
	sub, err := l.cfg.Source.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return Error.Wrap(err)
	}
	defer sub.Unsubscribe()

	if err := l.backfill(ctx, query); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return Error.Wrap(err)
		case lg := <-logs:
			if err := l.handle(ctx, lg); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) backfill(ctx context.Context, query ethereum.FilterQuery) error {
	from, ok, err := l.cfg.Checkpoint.ResumeBlock()
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		// nothing processed yet; start from the live subscription
		return nil
	}

	query.FromBlock = new(big.Int).SetUint64(from)
	backlog, err := l.cfg.Source.FilterLogs(ctx, query)
	if err != nil {
		return Error.Wrap(err)
	}
	l.log.Info("backfilling events", zap.Uint64("from_block", from), zap.Int("logs", len(backlog)))
	for _, lg := range backlog {
		if err := l.handle(ctx, lg); err != nil {
			return err
		}
	}
	return Error.Wrap(l.cfg.Checkpoint.ClearRetry())
}

// handle settles one log at most once. The log is marked processed when its
// outcome is final. Otherwise its block is kept for retry and the error is
// returned so the caller reconnects and backfills.
func (l *Listener) handle(ctx context.Context, lg types.Log) (err error) {
	defer mon.Task()(&ctx)(&err)

	if lg.Removed {
		l.log.Warn("ignoring log removed by reorg", zap.Stringer("tx", lg.TxHash), zap.Uint("index", lg.Index))
		return nil
	}

	done, err := l.cfg.Checkpoint.Processed(lg.TxHash, lg.Index)
	if err != nil {
		return Error.Wrap(err)
	}
	if done {
		mon.Counter("duplicate_events").Inc(1)
		return nil
	}

	if err := l.settle(ctx, lg); err != nil {
		mon.Counter("unsettled_events").Inc(1)
		err = fmt.Errorf("event tx %s index %d not settled: %w", lg.TxHash, lg.Index, err)
		if rerr := l.cfg.Checkpoint.MarkRetry(lg.BlockNumber); rerr != nil {
			return Error.Wrap(errs.Combine(err, rerr))
		}
		return Error.Wrap(err)
	}
	return Error.Wrap(l.cfg.Checkpoint.MarkProcessed(lg.TxHash, lg.Index, lg.BlockNumber))
}

// settle returns an error only when the event may still settle on a retry
func (l *Listener) settle(ctx context.Context, lg types.Log) error {
	log := l.log.With(zap.Stringer("tx", lg.TxHash), zap.Uint("index", lg.Index), zap.Uint64("block", lg.BlockNumber))

	ev, err := DecodeBuyOrder(lg)
	if err != nil {
		log.Warn("skipping undecodable event", zap.Error(err))
		return nil
	}

	symbol, ok, err := l.symbol(ctx, ev.SymbolHash)
	if err != nil {
		return fmt.Errorf("failed to resolve asset symbol: %w", err)
	}
	if !ok {
		log.Warn("skipping event for unknown asset", zap.Stringer("symbol_hash", ev.SymbolHash))
		return nil
	}

	log.Info("caught BuyOrderInitiated event", zap.Stringer("user", ev.User), zap.String("asset", symbol))
	order, err := l.cfg.Settler.SettleOrder(ctx, settlement.Input{
		WalletAddress:   ev.User.Hex(),
		AssetSymbol:     symbol,
		Type:            models.OrderTypeBuy,
		Amount:          decimal.NewFromBigInt(ev.Amount, -l.cfg.Decimals),
		Price:           decimal.NewFromBigInt(ev.Price, -l.cfg.Decimals),
		TransactionHash: ev.TxHash.Hex(),
		Source:          "chain",
	})
	switch {
	case err == nil:
		log.Info("processed event", zap.Int64("order_id", order.ID), zap.String("status", string(order.Status)))
		return nil
	case order != nil:
		log.Warn("event settled as failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return nil
	case settlement.ErrTerminalWrite.Has(err):
		// an order row exists; settling again would duplicate it
		log.Error("event order left pending", zap.Error(err))
		return nil
	case settlement.ErrInvalidOrder.Has(err), settlement.ErrUnknownAsset.Has(err):
		log.Warn("dropping event", zap.Error(err))
		return nil
	default:
		return err
	}
}

// symbol maps a keccak256 symbol hash back to a known asset symbol.
// The cache is refreshed from the asset list on a miss.
func (l *Listener) symbol(ctx context.Context, hash common.Hash) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.symbols[hash]; ok {
		return s, true, nil
	}

	assets, err := l.cfg.Assets.ListAssets(ctx)
	if err != nil {
		return "", false, err
	}
	for _, a := range assets {
		l.symbols[crypto.Keccak256Hash([]byte(a.Symbol))] = a.Symbol
	}
	s, ok := l.symbols[hash]
	return s, ok, nil
}
