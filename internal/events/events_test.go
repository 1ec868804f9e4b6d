package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xtrntr/settlement/internal/models"
)

func completedOrder() *models.Order {
	ext := "ext_1_abc"
	return &models.Order{
		ID:              7,
		WalletAddress:   "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		AssetSymbol:     "ABC",
		Type:            models.OrderTypeSell,
		Amount:          decimal.RequireFromString("1.5"),
		Price:           decimal.RequireFromString("100"),
		Status:          models.OrderStatusCompleted,
		ExternalOrderID: &ext,
		UpdatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNewOrderEvent(t *testing.T) {
	data, err := NewOrderEvent(completedOrder()).Marshal()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "order_settled", got["event"])
	assert.Equal(t, float64(7), got["order_id"])
	assert.Equal(t, "COMPLETED", got["status"])
	assert.Equal(t, "SELL", got["type"])
	assert.Equal(t, "1.5", got["amount"])
	assert.Equal(t, "ext_1_abc", got["external_order_id"])
	assert.NotContains(t, got, "error_message")
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.OrderSettled(context.Background(), completedOrder()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "7", string(w.msgs[0].Key))
	assert.Contains(t, string(w.msgs[0].Value), `"status":"COMPLETED"`)

	w.err = errors.New("broker down")
	err := p.OrderSettled(context.Background(), completedOrder())
	require.Error(t, err)
	assert.True(t, Error.Has(err))
}

type notifierFunc func(ctx context.Context, order *models.Order) error

func (f notifierFunc) OrderSettled(ctx context.Context, order *models.Order) error {
	return f(ctx, order)
}

func TestFanout(t *testing.T) {
	calls := 0
	ok := notifierFunc(func(context.Context, *models.Order) error { calls++; return nil })
	bad := notifierFunc(func(context.Context, *models.Order) error { calls++; return errors.New("boom") })

	assert.NoError(t, Fanout{ok, ok}.OrderSettled(context.Background(), completedOrder()))
	assert.Equal(t, 2, calls)

	err := Fanout{bad, ok}.OrderSettled(context.Background(), completedOrder())
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 4, calls, "a failing member must not stop the others")
}

func TestHub(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer func() { _ = hub.Close() }()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.OrderSettled(context.Background(), completedOrder()))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev OrderEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, int64(7), ev.OrderID)
	assert.Equal(t, models.OrderStatusCompleted, ev.Status)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}
