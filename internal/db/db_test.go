package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/settlement/internal/models"
)

// testDB is nil when SETTLEMENT_TEST_DATABASE_URL is unset; every test then skips.
var testDB *DB

func TestMain(m *testing.M) {
	connString := os.Getenv("SETTLEMENT_TEST_DATABASE_URL")
	if connString == "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	database, err := NewDB(ctx, connString)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	if err := database.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}
	testDB = database

	code := m.Run()
	database.Close(ctx)
	os.Exit(code)
}

func setup(t *testing.T) context.Context {
	t.Helper()
	if testDB == nil {
		t.Skip("SETTLEMENT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	_, err := testDB.Pool.Exec(ctx, "TRUNCATE TABLE orders, users, assets, operators RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return ctx
}

func TestDB_FindOrCreateUser_Concurrent(t *testing.T) {
	ctx := setup(t)

	const n = 10
	wallets := []string{
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		"0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED",
	}

	var wg sync.WaitGroup
	ids := make([]int64, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			user, err := testDB.FindOrCreateUser(ctx, wallets[i%len(wallets)])
			if assert.NoError(t, err) {
				ids[i] = user.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	var count int
	err := testDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDB_FindAssetBySymbol(t *testing.T) {
	ctx := setup(t)

	_, err := testDB.CreateAsset(ctx, "ABC", "Alpha Beta")
	require.NoError(t, err)

	tests := []struct {
		name        string
		symbol      string
		expectError bool
	}{
		{name: "Known", symbol: "ABC"},
		{name: "Unknown", symbol: "NOPE", expectError: true},
		{name: "CaseSensitive", symbol: "abc", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asset, err := testDB.FindAssetBySymbol(ctx, tt.symbol)
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, ErrNotFound.Has(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.symbol, asset.Symbol)
		})
	}
}

func TestDB_OrderLifecycle(t *testing.T) {
	ctx := setup(t)

	user, err := testDB.FindOrCreateUser(ctx, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	asset, err := testDB.CreateAsset(ctx, "ABC", "Alpha Beta")
	require.NoError(t, err)

	txHash := "0xfeed"
	newOrder := func(t *testing.T) *models.Order {
		order, err := testDB.CreatePendingOrder(ctx, models.NewOrder{
			UserID:          user.ID,
			AssetID:         asset.ID,
			Type:            models.OrderTypeSell,
			Amount:          decimal.RequireFromString("40.5"),
			Price:           decimal.RequireFromString("12.25"),
			TransactionHash: &txHash,
		})
		require.NoError(t, err)
		return order
	}

	t.Run("CreatePending", func(t *testing.T) {
		order := newOrder(t)
		assert.Equal(t, models.OrderStatusPending, order.Status)
		assert.Equal(t, "ABC", order.AssetSymbol)
		assert.Equal(t, user.WalletAddress, order.WalletAddress)
		assert.True(t, decimal.RequireFromString("40.5").Equal(order.Amount))
		assert.Nil(t, order.ExternalOrderID)
		assert.Nil(t, order.ErrorMessage)
		require.NotNil(t, order.TransactionHash)
		assert.Equal(t, txHash, *order.TransactionHash)
	})

	t.Run("Complete", func(t *testing.T) {
		order := newOrder(t)
		res := models.ClearingResult{ExternalID: "ext_1", Status: models.ClearingAccepted, Message: "ok"}
		done, err := testDB.UpdateOrderTerminal(ctx, order.ID, models.Completed(res))
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCompleted, done.Status)
		require.NotNil(t, done.ExternalOrderID)
		assert.Equal(t, "ext_1", *done.ExternalOrderID)
		require.NotNil(t, done.ClearingResponse)
		assert.Equal(t, "ext_1", done.ClearingResponse.ExternalID)
		assert.Nil(t, done.ErrorMessage)

		_, err = testDB.UpdateOrderTerminal(ctx, order.ID, models.Failed("late"))
		require.Error(t, err)
		assert.True(t, ErrAlreadyTerminal.Has(err))

		stored, err := testDB.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCompleted, stored.Status)
	})

	t.Run("Fail", func(t *testing.T) {
		order := newOrder(t)
		done, err := testDB.UpdateOrderTerminal(ctx, order.ID, models.Failed("clearing rejected"))
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusFailed, done.Status)
		require.NotNil(t, done.ErrorMessage)
		assert.Equal(t, "clearing rejected", *done.ErrorMessage)
		assert.Nil(t, done.ExternalOrderID)
		assert.Nil(t, done.ClearingResponse)
	})

	t.Run("ConcurrentTerminalWrites", func(t *testing.T) {
		order := newOrder(t)
		const n = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				_, err := testDB.UpdateOrderTerminal(ctx, order.ID, models.Failed("race"))
				if err == nil {
					mu.Lock()
					success++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, success)
	})

	t.Run("UnknownOrder", func(t *testing.T) {
		_, err := testDB.UpdateOrderTerminal(ctx, 9999, models.Failed("x"))
		require.Error(t, err)
		assert.True(t, ErrNotFound.Has(err))

		_, err = testDB.GetOrder(ctx, 9999)
		assert.True(t, ErrNotFound.Has(err))
	})

	t.Run("NonTerminalOutcome", func(t *testing.T) {
		order := newOrder(t)
		_, err := testDB.UpdateOrderTerminal(ctx, order.ID, models.Outcome{Status: models.OrderStatusPending})
		assert.Error(t, err)
	})

	t.Run("UserOrders", func(t *testing.T) {
		orders, err := testDB.GetUserOrders(ctx, "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED")
		require.NoError(t, err)
		assert.NotEmpty(t, orders)
		for i := 1; i < len(orders); i++ {
			assert.Less(t, orders[i-1].ID, orders[i].ID)
		}
	})
}

func TestDB_CreatePendingOrder_Validation(t *testing.T) {
	ctx := setup(t)

	tests := []struct {
		name  string
		order models.NewOrder
	}{
		{name: "InvalidType", order: models.NewOrder{Type: "HOLD", Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)}},
		{name: "ZeroAmount", order: models.NewOrder{Type: models.OrderTypeBuy, Amount: decimal.Zero, Price: decimal.NewFromInt(1)}},
		{name: "NegativePrice", order: models.NewOrder{Type: models.OrderTypeBuy, Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(-1)}},
		{name: "MissingUser", order: models.NewOrder{UserID: 999, AssetID: 999, Type: models.OrderTypeBuy, Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testDB.CreatePendingOrder(ctx, tt.order)
			assert.Error(t, err)
		})
	}
}

func TestDB_Conflicts(t *testing.T) {
	ctx := setup(t)

	_, err := testDB.CreateAsset(ctx, "ABC", "Alpha")
	require.NoError(t, err)
	_, err = testDB.CreateAsset(ctx, "ABC", "Again")
	assert.True(t, ErrConflict.Has(err))

	_, err = testDB.CreateOperator(ctx, "ops", "hash")
	require.NoError(t, err)
	_, err = testDB.CreateOperator(ctx, "ops", "hash")
	assert.True(t, ErrConflict.Has(err))

	op, err := testDB.GetOperatorByUsername(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, "hash", op.PasswordHash)

	_, err = testDB.GetOperatorByUsername(ctx, "nobody")
	assert.True(t, ErrNotFound.Has(err))
}
