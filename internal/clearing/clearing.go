// Package clearing submits settled orders to the external clearing venue.
package clearing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/xtrntr/settlement/internal/models"
)

var (
	mon = monkit.Package()

	// Error is the class of clearing infrastructure failures (transport, bad responses).
	Error = errs.Class("clearing")
	// ErrRejected is returned when the venue refuses the submission.
	ErrRejected = errs.Class("clearing rejected")
)

// Reason returns the venue's own message carried by a rejection anywhere in
// err's chain, without class prefixes.
func Reason(err error) (string, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if !ErrRejected.Has(e) {
			return "", false
		}
		inner := errors.Unwrap(e)
		if inner == nil {
			return "", false
		}
		if !ErrRejected.Has(inner) {
			return inner.Error(), true
		}
	}
	return "", false
}

// Submission is what the venue needs to clear one order
type Submission struct {
	OrderID  string           `json:"order_id"`
	Asset    string           `json:"asset"`
	Quantity decimal.Decimal  `json:"quantity"`
	Type     models.OrderType `json:"type"`
}

// Client submits an order to the clearing venue. It makes a single attempt:
// either an ACCEPTED result with a fresh external id, or an error
// (ErrRejected for a business refusal).
type Client interface {
	Submit(ctx context.Context, sub Submission) (models.ClearingResult, error)
}

// WithTimeout bounds every submission made through c by d
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return &timeoutClient{next: c, timeout: d}
}

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

func (c *timeoutClient) Submit(ctx context.Context, sub Submission) (models.ClearingResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Submit(ctx, sub)
}
