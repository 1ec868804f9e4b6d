package clearing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xtrntr/settlement/internal/models"
)

// RejectionMessage is what the simulated venue says when it refuses an order
const RejectionMessage = "Insufficient funds or invalid asset."

// SimulatorConfig tunes the simulated venue
type SimulatorConfig struct {
	// AcceptRatio is the probability in [0,1] that a submission is accepted.
	AcceptRatio float64
	// Latency is the simulated round trip.
	Latency time.Duration
}

// DefaultSimulatorConfig accepts nine submissions in ten after half a second
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{AcceptRatio: 0.9, Latency: 500 * time.Millisecond}
}

// Simulator is an in-process stand-in for the clearing venue
type Simulator struct {
	log   *zap.Logger
	cfg   SimulatorConfig
	float func() float64
	now   func() time.Time
}

// NewSimulator creates a simulated venue
func NewSimulator(log *zap.Logger, cfg SimulatorConfig) *Simulator {
	return &Simulator{
		log:   log,
		cfg:   cfg,
		float: rand.Float64,
		now:   time.Now,
	}
}

// Submit implements Client
func (s *Simulator) Submit(ctx context.Context, sub Submission) (_ models.ClearingResult, err error) {
	defer mon.Task()(&ctx)(&err)

	s.log.Info("submitting order to clearing",
		zap.String("order_id", sub.OrderID),
		zap.String("asset", sub.Asset),
		zap.Stringer("quantity", sub.Quantity),
		zap.String("type", string(sub.Type)))

	if s.cfg.Latency > 0 {
		timer := time.NewTimer(s.cfg.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return models.ClearingResult{}, Error.Wrap(ctx.Err())
		case <-timer.C:
		}
	}

	now := s.now().UTC()
	if s.float() >= s.cfg.AcceptRatio {
		s.log.Info("clearing rejected order", zap.String("order_id", sub.OrderID))
		return models.ClearingResult{}, ErrRejected.New("%s", RejectionMessage)
	}

	res := models.ClearingResult{
		ExternalID: externalID(now),
		Status:     models.ClearingAccepted,
		Message:    "Order accepted for processing.",
		Timestamp:  now,
	}
	s.log.Info("clearing accepted order",
		zap.String("order_id", sub.OrderID),
		zap.String("external_id", res.ExternalID))
	return res, nil
}

// externalID looks like ext_1700000000000_3f9a1c2
func externalID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
	return fmt.Sprintf("ext_%d_%s", now.UnixMilli(), suffix)
}
