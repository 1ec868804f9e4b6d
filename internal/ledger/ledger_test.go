package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLedger_DepositWithdraw(t *testing.T) {
	ctx := context.Background()
	l := New(zaptest.NewLogger(t))

	tests := []struct {
		name        string
		op          string
		amount      string
		expectError bool
		isFunds     bool
		expectBal   string
	}{
		{name: "DepositCreatesBalance", op: "deposit", amount: "100", expectBal: "100"},
		{name: "WithdrawPartial", op: "withdraw", amount: "40", expectBal: "60"},
		{name: "WithdrawTooMuch", op: "withdraw", amount: "60.01", expectError: true, isFunds: true, expectBal: "60"},
		{name: "WithdrawExact", op: "withdraw", amount: "60", expectBal: "0"},
		{name: "WithdrawFromZero", op: "withdraw", amount: "1", expectError: true, isFunds: true, expectBal: "0"},
		{name: "ZeroDeposit", op: "deposit", amount: "0", expectError: true, expectBal: "0"},
		{name: "NegativeWithdraw", op: "withdraw", amount: "-5", expectError: true, expectBal: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.op == "deposit" {
				_, err = l.Deposit(ctx, 1, "ABC", d(tt.amount))
			} else {
				_, err = l.Withdraw(ctx, 1, "ABC", d(tt.amount))
			}
			if tt.expectError {
				require.Error(t, err)
				assert.Equal(t, tt.isFunds, ErrInsufficientFunds.Has(err))
				assert.Equal(t, !tt.isFunds, Error.Has(err))
			} else {
				require.NoError(t, err)
			}

			bal, err := l.Balance(ctx, 1, "ABC")
			require.NoError(t, err)
			assert.True(t, d(tt.expectBal).Equal(bal), "balance %s, want %s", bal, tt.expectBal)
			assert.False(t, bal.IsNegative())
		})
	}
}

func TestLedger_BalanceOfUnknownKey(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	bal, err := l.Balance(context.Background(), 42, "XYZ")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestLedger_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := New(zaptest.NewLogger(t))

	_, err := l.Deposit(ctx, 1, "ABC", d("10"))
	require.NoError(t, err)
	_, err = l.Deposit(ctx, 2, "ABC", d("20"))
	require.NoError(t, err)
	_, err = l.Deposit(ctx, 1, "XYZ", d("30"))
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, 1, "XYZ", d("11"))
	require.NoError(t, err)

	bal, _ := l.Balance(ctx, 1, "ABC")
	assert.True(t, d("10").Equal(bal))
	bal, _ = l.Balance(ctx, 2, "ABC")
	assert.True(t, d("20").Equal(bal))
	bal, _ = l.Balance(ctx, 1, "XYZ")
	assert.True(t, d("19").Equal(bal))

	balances, err := l.Balances(ctx, 1)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "ABC", balances[0].AssetSymbol)
	assert.Equal(t, "XYZ", balances[1].AssetSymbol)
}

func TestLedger_ConcurrentWithdrawNoLostUpdate(t *testing.T) {
	ctx := context.Background()
	l := New(zaptest.NewLogger(t))

	const (
		n = 50
		k = 17
	)
	amount := d("2.5")
	_, err := l.Deposit(ctx, 7, "ABC", amount.Mul(decimal.NewFromInt(k)))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		rejected  atomic.Int64
	)
	start := make(chan struct{})
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := l.Withdraw(ctx, 7, "ABC", amount)
			switch {
			case err == nil:
				succeeded.Add(1)
			case ErrInsufficientFunds.Has(err):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(k), succeeded.Load())
	assert.Equal(t, int64(n-k), rejected.Load())
	bal, _ := l.Balance(ctx, 7, "ABC")
	assert.True(t, bal.IsZero(), "balance %s", bal)
}

func TestLedger_ConcurrentDepositsFirstTouch(t *testing.T) {
	ctx := context.Background()
	l := New(zaptest.NewLogger(t))

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := l.Deposit(ctx, 3, "XYZ", d("1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, _ := l.Balance(ctx, 3, "XYZ")
	assert.True(t, decimal.NewFromInt(n).Equal(bal), "balance %s", bal)
}

func TestLedger_LatencyHonorsContext(t *testing.T) {
	l := New(zaptest.NewLogger(t), WithLatency(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := l.Deposit(ctx, 1, "ABC", d("1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	bal, _ := l.Balance(context.Background(), 1, "ABC")
	assert.True(t, bal.IsZero())
}
