// Package chain turns BuyOrderInitiated contract events into BUY settlements.
package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/zeebo/errs"
)

// Error is the class of chain listener errors
var Error = errs.Class("chain")

// ErrMalformedLog is returned for logs that are not a well formed BuyOrderInitiated event
var ErrMalformedLog = errs.Class("malformed log")

const eventName = "BuyOrderInitiated"

// event BuyOrderInitiated(address indexed user, string indexed assetSymbol, uint256 amount, uint256 price)
const contractABI = `[{
	"anonymous": false,
	"name": "BuyOrderInitiated",
	"type": "event",
	"inputs": [
		{"indexed": true, "name": "user", "type": "address"},
		{"indexed": true, "name": "assetSymbol", "type": "string"},
		{"indexed": false, "name": "amount", "type": "uint256"},
		{"indexed": false, "name": "price", "type": "uint256"}
	]
}]`

var (
	parsedABI = mustParseABI()
	// EventID is topic 0 of every BuyOrderInitiated log
	EventID = parsedABI.Events[eventName].ID
)

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		panic(err)
	}
	return parsed
}

// BuyOrderEvent is a decoded BuyOrderInitiated log. An indexed string is
// only available as its keccak256 hash, so the symbol is resolved later.
type BuyOrderEvent struct {
	User        common.Address
	SymbolHash  common.Hash
	Amount      *big.Int
	Price       *big.Int
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
}

// DecodeBuyOrder decodes a raw log
func DecodeBuyOrder(lg types.Log) (BuyOrderEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != EventID {
		return BuyOrderEvent{}, ErrMalformedLog.New("tx %s index %d: unexpected topics", lg.TxHash.Hex(), lg.Index)
	}

	values, err := parsedABI.Unpack(eventName, lg.Data)
	if err != nil {
		return BuyOrderEvent{}, ErrMalformedLog.Wrap(err)
	}
	if len(values) != 2 {
		return BuyOrderEvent{}, ErrMalformedLog.New("expected 2 values, got %d", len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return BuyOrderEvent{}, ErrMalformedLog.New("amount is %T", values[0])
	}
	price, ok := values[1].(*big.Int)
	if !ok {
		return BuyOrderEvent{}, ErrMalformedLog.New("price is %T", values[1])
	}

	return BuyOrderEvent{
		User:        common.BytesToAddress(lg.Topics[1].Bytes()),
		SymbolHash:  lg.Topics[2],
		Amount:      amount,
		Price:       price,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
	}, nil
}
