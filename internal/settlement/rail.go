package settlement

import (
	"context"

	"payrun-orchestrator/internal/models"
)

// Rail submits one payment to the money movement provider.
type Rail interface {
	Submit(ctx context.Context, p models.PaycheckPayment) (RailResult, error)
}

// RailResult is the provider's answer for one payment.
type RailResult struct {
	Settled bool
	Reason  string
}

// SimulatedRail settles everything unless told otherwise. A payment whose
// amount equals FailIfNetCentsEquals is rejected on its first attempt only,
// which exercises the sweeper's retry path.
type SimulatedRail struct {
	AutoSettle           bool
	FailIfNetCentsEquals int64
}

func (r SimulatedRail) Submit(ctx context.Context, p models.PaycheckPayment) (RailResult, error) {
	if err := ctx.Err(); err != nil {
		return RailResult{}, err
	}
	if r.FailIfNetCentsEquals != 0 && p.NetCents == r.FailIfNetCentsEquals && p.Attempts == 0 {
		return RailResult{Reason: "simulated_rail_rejection"}, nil
	}
	if !r.AutoSettle {
		return RailResult{Reason: "rail_auto_settle_disabled"}, nil
	}
	return RailResult{Settled: true}, nil
}
