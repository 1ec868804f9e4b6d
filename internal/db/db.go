package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/xtrntr/settlement/internal/models"
	"github.com/xtrntr/settlement/migrations"
)

var (
	mon = monkit.Package()

	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errs.Class("not found")
	// ErrAlreadyTerminal is returned when a terminal write targets an order
	// that already left PENDING.
	ErrAlreadyTerminal = errs.Class("order already terminal")
	// ErrConflict is returned when an insert hits a unique constraint.
	ErrConflict = errs.Class("conflict")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies the embedded schema in file name order. Every statement is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.Pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// FindOrCreateUser returns the user owning wallet, creating it on first
// reference. Concurrent calls for one wallet converge on a single row.
func (db *DB) FindOrCreateUser(ctx context.Context, wallet string) (_ *models.User, err error) {
	defer mon.Task()(&ctx)(&err)

	wallet = models.NormalizeWallet(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("wallet address cannot be empty")
	}

	// DO UPDATE rather than DO NOTHING so RETURNING yields the existing row too
	user := &models.User{}
	err = db.Pool.QueryRow(ctx,
		`INSERT INTO users (wallet_address) VALUES ($1)
		 ON CONFLICT (wallet_address) DO UPDATE SET wallet_address = EXCLUDED.wallet_address
		 RETURNING id, wallet_address, created_at`,
		wallet).Scan(&user.ID, &user.WalletAddress, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

// GetUserByWallet retrieves a user by wallet address
func (db *DB) GetUserByWallet(ctx context.Context, wallet string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, wallet_address, created_at FROM users WHERE wallet_address = $1",
		models.NormalizeWallet(wallet)).Scan(&user.ID, &user.WalletAddress, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound.New("user %s", wallet)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateAsset inserts a new asset
func (db *DB) CreateAsset(ctx context.Context, symbol, name string) (*models.Asset, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}
	asset := &models.Asset{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO assets (symbol, name) VALUES ($1, $2) RETURNING id, symbol, name, created_at",
		symbol, name).Scan(&asset.ID, &asset.Symbol, &asset.Name, &asset.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict.New("asset %q already exists", symbol)
		}
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}
	return asset, nil
}

// FindAssetBySymbol looks an asset up by symbol. Assets are never created implicitly.
func (db *DB) FindAssetBySymbol(ctx context.Context, symbol string) (_ *models.Asset, err error) {
	defer mon.Task()(&ctx)(&err)

	asset := &models.Asset{}
	err = db.Pool.QueryRow(ctx,
		"SELECT id, symbol, name, created_at FROM assets WHERE symbol = $1",
		symbol).Scan(&asset.ID, &asset.Symbol, &asset.Name, &asset.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound.New("asset %q", symbol)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return asset, nil
}

// GetAsset retrieves an asset by id
func (db *DB) GetAsset(ctx context.Context, id int64) (*models.Asset, error) {
	asset := &models.Asset{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, symbol, name, created_at FROM assets WHERE id = $1",
		id).Scan(&asset.ID, &asset.Symbol, &asset.Name, &asset.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound.New("asset %d", id)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return asset, nil
}

// ListAssets retrieves all assets ordered by symbol
func (db *DB) ListAssets(ctx context.Context) ([]models.Asset, error) {
	rows, err := db.Pool.Query(ctx, "SELECT id, symbol, name, created_at FROM assets ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		var asset models.Asset
		if err := rows.Scan(&asset.ID, &asset.Symbol, &asset.Name, &asset.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return assets, nil
}

// orderColumns selects an order joined with its owner and asset; the
// statement must name the order relation "o".
const orderColumns = `o.id, o.user_id, u.wallet_address, o.asset_id, a.symbol, o.type,
	o.amount::text, o.price::text, o.status, o.external_order_id, o.error_message,
	o.transaction_hash, o.clearing_response, o.created_at, o.updated_at`

const orderJoins = ` JOIN users u ON u.id = o.user_id JOIN assets a ON a.id = o.asset_id`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		order    models.Order
		amount   string
		price    string
		clearing []byte
	)
	err := row.Scan(&order.ID, &order.UserID, &order.WalletAddress, &order.AssetID, &order.AssetSymbol, &order.Type,
		&amount, &price, &order.Status, &order.ExternalOrderID, &order.ErrorMessage,
		&order.TransactionHash, &clearing, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if order.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if order.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if len(clearing) > 0 {
		order.ClearingResponse = &models.ClearingResult{}
		if err := json.Unmarshal(clearing, order.ClearingResponse); err != nil {
			return nil, fmt.Errorf("parse clearing response: %w", err)
		}
	}
	return &order, nil
}

// CreatePendingOrder inserts a new order in PENDING state
func (db *DB) CreatePendingOrder(ctx context.Context, in models.NewOrder) (_ *models.Order, err error) {
	defer mon.Task()(&ctx)(&err)

	// Validate order
	if !in.Type.Valid() {
		return nil, fmt.Errorf("type must be 'BUY' or 'SELL'")
	}
	if !in.Price.IsPositive() {
		return nil, fmt.Errorf("price must be positive")
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}

	order, err := scanOrder(db.Pool.QueryRow(ctx,
		`WITH o AS (
			INSERT INTO orders (user_id, asset_id, type, amount, price, status, transaction_hash)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7)
			RETURNING *
		) SELECT `+orderColumns+` FROM o`+orderJoins,
		in.UserID, in.AssetID, in.Type, in.Amount.String(), in.Price.String(),
		models.OrderStatusPending, in.TransactionHash))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return order, nil
}

// UpdateOrderTerminal moves a PENDING order to COMPLETED or FAILED. The
// status guard in the WHERE clause makes the transition one-way: an order
// that already left PENDING yields ErrAlreadyTerminal and is not touched.
func (db *DB) UpdateOrderTerminal(ctx context.Context, id int64, outcome models.Outcome) (_ *models.Order, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		externalID   *string
		errorMessage *string
		clearing     *string
	)
	switch outcome.Status {
	case models.OrderStatusCompleted:
		if outcome.Clearing == nil || outcome.Clearing.ExternalID == "" {
			return nil, fmt.Errorf("completed outcome requires an accepted clearing result")
		}
		data, err := json.Marshal(outcome.Clearing)
		if err != nil {
			return nil, fmt.Errorf("failed to encode clearing response: %w", err)
		}
		raw := string(data)
		clearing = &raw
		externalID = &outcome.Clearing.ExternalID
	case models.OrderStatusFailed:
		msg := outcome.ErrorMessage
		errorMessage = &msg
	default:
		return nil, fmt.Errorf("status %q is not terminal", outcome.Status)
	}

	order, err := scanOrder(db.Pool.QueryRow(ctx,
		`WITH o AS (
			UPDATE orders
			SET status = $2, external_order_id = $3, error_message = $4,
				clearing_response = $5::jsonb, updated_at = NOW()
			WHERE id = $1 AND status = 'PENDING'
			RETURNING *
		) SELECT `+orderColumns+` FROM o`+orderJoins,
		id, outcome.Status, externalID, errorMessage, clearing))
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	var status models.OrderStatus
	err = db.Pool.QueryRow(ctx, "SELECT status FROM orders WHERE id = $1", id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound.New("order %d", id)
		}
		return nil, fmt.Errorf("failed to get order status: %w", err)
	}
	return nil, ErrAlreadyTerminal.New("order %d is %s", id, status)
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id int64) (_ *models.Order, err error) {
	defer mon.Task()(&ctx)(&err)

	order, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders o"+orderJoins+" WHERE o.id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound.New("order %d", id)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListOrders retrieves orders newest first
func (db *DB) ListOrders(ctx context.Context, limit, offset int) ([]models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders o"+orderJoins+" ORDER BY o.id DESC LIMIT $1 OFFSET $2",
		limit, offset)
}

// GetUserOrders retrieves all orders of the user owning wallet, oldest first
func (db *DB) GetUserOrders(ctx context.Context, wallet string) ([]models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders o"+orderJoins+" WHERE u.wallet_address = $1 ORDER BY o.id",
		models.NormalizeWallet(wallet))
}

func (db *DB) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	return orders, nil
}

// CreateOperator inserts a new API operator
func (db *DB) CreateOperator(ctx context.Context, username, passwordHash string) (*models.Operator, error) {
	op := &models.Operator{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO operators (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict.New("operator %q already exists", username)
		}
		return nil, fmt.Errorf("failed to create operator: %w", err)
	}
	return op, nil
}

// GetOperatorByUsername retrieves an operator by username
func (db *DB) GetOperatorByUsername(ctx context.Context, username string) (*models.Operator, error) {
	op := &models.Operator{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM operators WHERE username = $1",
		username).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound.New("operator %s", username)
		}
		return nil, fmt.Errorf("failed to get operator: %w", err)
	}
	return op, nil
}
