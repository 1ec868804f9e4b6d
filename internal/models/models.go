package models

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OrderType is the side of a settlement order
type OrderType string

const (
	OrderTypeBuy  OrderType = "BUY"
	OrderTypeSell OrderType = "SELL"
)

// Valid reports whether t is BUY or SELL
func (t OrderType) Valid() bool {
	return t == OrderTypeBuy || t == OrderTypeSell
}

// ParseOrderType accepts "buy"/"sell" in any case
func ParseOrderType(s string) (OrderType, bool) {
	t := OrderType(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// Terminal reports whether the status can no longer change
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed
}

// ClearingStatus is the verdict of the clearing venue
type ClearingStatus string

const (
	ClearingAccepted ClearingStatus = "ACCEPTED"
	ClearingRejected ClearingStatus = "REJECTED"
)

// ClearingResult is the clearing venue's answer to a submission.
// Only accepted results are persisted, as part of a COMPLETED order.
type ClearingResult struct {
	ExternalID string         `json:"external_id,omitempty"`
	Status     ClearingStatus `json:"status"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
}

// User is a counterparty identified by its wallet address
type User struct {
	ID            int64     `json:"id"`
	WalletAddress string    `json:"wallet_address"`
	CreatedAt     time.Time `json:"created_at"`
}

// NormalizeWallet returns the EIP-55 checksummed form of a hex address so
// differently cased spellings map to one user. Other identifiers are only trimmed.
func NormalizeWallet(wallet string) string {
	wallet = strings.TrimSpace(wallet)
	if common.IsHexAddress(wallet) {
		return common.HexToAddress(wallet).Hex()
	}
	return wallet
}

// Asset is a tradable instrument
type Asset struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Operator is an API account allowed to trigger settlements over HTTP
type Operator struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Order represents a settlement order
type Order struct {
	ID               int64           `json:"id"`
	UserID           int64           `json:"user_id"`
	WalletAddress    string          `json:"wallet_address,omitempty"`
	AssetID          int64           `json:"asset_id"`
	AssetSymbol      string          `json:"asset_symbol,omitempty"`
	Type             OrderType       `json:"type"`
	Amount           decimal.Decimal `json:"amount"`
	Price            decimal.Decimal `json:"price"`
	Status           OrderStatus     `json:"status"`
	ExternalOrderID  *string         `json:"external_order_id,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	TransactionHash  *string         `json:"transaction_hash,omitempty"`
	ClearingResponse *ClearingResult `json:"clearing_response,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Terminal reports whether the order reached COMPLETED or FAILED
func (o *Order) Terminal() bool {
	return o.Status.Terminal()
}

// NewOrder holds the fields needed to persist a PENDING order
type NewOrder struct {
	UserID          int64
	AssetID         int64
	Type            OrderType
	Amount          decimal.Decimal
	Price           decimal.Decimal
	TransactionHash *string
}

// Outcome is the terminal write applied to a PENDING order.
// A COMPLETED outcome carries the clearing result; a FAILED one carries the error message.
type Outcome struct {
	Status       OrderStatus
	Clearing     *ClearingResult
	ErrorMessage string
}

// Completed builds a COMPLETED outcome from an accepted clearing result
func Completed(res ClearingResult) Outcome {
	return Outcome{Status: OrderStatusCompleted, Clearing: &res}
}

// Failed builds a FAILED outcome with the triggering error message
func Failed(msg string) Outcome {
	return Outcome{Status: OrderStatusFailed, ErrorMessage: msg}
}

// Balance is a custodial holding of one asset by one user
type Balance struct {
	UserID      int64           `json:"user_id"`
	AssetSymbol string          `json:"asset_symbol"`
	Amount      decimal.Decimal `json:"amount"`
}
