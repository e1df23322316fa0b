package payments

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pingpay/pingpay/internal/store"
)

// FeePolicy computes the platform fee charged on top of a payment.
// Chain fees are paid in SOL by the custody wallet and are not part of
// this amount.
type FeePolicy interface {
	Fee(ctx context.Context, txType store.TxType, token string, amount decimal.Decimal) (decimal.Decimal, error)
}

// NoFee charges nothing. The launch default.
type NoFee struct{}

func (NoFee) Fee(context.Context, store.TxType, string, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// ScheduleFee reads flat and percentage fees from the fee_schedule
// table; types and tokens without an active row are free.
type ScheduleFee struct {
	Repo *store.FeeScheduleRepo
}

func (f *ScheduleFee) Fee(ctx context.Context, txType store.TxType, token string, amount decimal.Decimal) (decimal.Decimal, error) {
	entry, err := f.Repo.Active(ctx, txType, token)
	if err != nil {
		return decimal.Zero, err
	}
	if entry == nil {
		return decimal.Zero, nil
	}
	fee := entry.FlatFee.Add(amount.Mul(entry.PercentFee).Div(decimal.NewFromInt(100)))
	return fee.Round(6), nil
}
