package commerce

import "context"

// ChannelInfo describes one payment channel offered by the provider.
type ChannelInfo struct {
	Code          string
	Name          string
	Group         string
	FeeFlat       Amount
	FeePercent    float64
	MinimumAmount Amount
	MaximumAmount Amount
	Active        bool
}

// FeeInfo is a provider fee quote for a given amount and channel.
type FeeInfo struct {
	ChannelCode string
	Amount      Amount
	FlatFee     Amount
	PercentFee  float64
	TotalFee    Amount
	TotalAmount Amount
}

// QuoteClient talks to the payment provider. It is read-only with respect
// to ledger state: the core only persists the reference a create call
// returns and later reconciles it through the webhook processor.
type QuoteClient interface {
	ListChannels(ctx context.Context) ([]ChannelInfo, error)
	ComputeFee(ctx context.Context, amount Amount, channelCode string) (FeeInfo, error)
	CreatePaymentReference(ctx context.Context, amount Amount, userID UserID, channelCode string) (PaymentReference, error)
	GetReferenceDetail(ctx context.Context, reference string) (PaymentReference, error)
}
