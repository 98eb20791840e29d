package pricefeed

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"etf-vault/internal/chain"
	"etf-vault/internal/integrity"
	"etf-vault/internal/valuation"
)

// DefaultDecimals is the fixed-point precision of aggregator answers.
const DefaultDecimals uint8 = 8

// Feed maps a basket token to its USD aggregator.
type Feed struct {
	Token    common.Address
	Address  common.Address
	Decimals uint8
	MaxAge   time.Duration
}

// Reader reads latestRoundData for every configured feed.
type Reader struct {
	reader *chain.Reader
	feeds  []Feed
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a price reader.
func New(reader *chain.Reader, feeds []Feed, logger zerolog.Logger) *Reader {
	return &Reader{
		reader: reader,
		feeds:  feeds,
		now:    time.Now,
		logger: logger.With().Str("component", "price_feed").Logger(),
	}
}

// Read returns USD prices per whole token. Failed or non-positive answers are
// left out, so the asset values at zero instead of blanking the dashboard.
func (r *Reader) Read(ctx context.Context, block *big.Int, warn *integrity.Collector) valuation.Prices {
	prices := make(valuation.Prices, len(r.feeds))
	if len(r.feeds) == 0 {
		return prices
	}

	calls := make([]chain.Call, len(r.feeds))
	for i, feed := range r.feeds {
		calls[i] = chain.Call{Target: feed.Address, ABI: &chain.FeedABI, Method: "latestRoundData"}
	}
	results := r.reader.BatchCall(ctx, calls, block)

	var asOf time.Time
	for i, feed := range r.feeds {
		answer, ok := results[i].BigInt(1)
		if !ok {
			r.logger.Warn().Err(results[i].Err).Str("feed", feed.Address.Hex()).Msg("price feed unreadable")
			continue
		}
		if answer.Sign() <= 0 {
			warn.Report(integrity.Warning{
				Kind:    integrity.PriceInvalid,
				Subject: feed.Address,
				Detail:  "price feed answer is not positive",
			})
			continue
		}

		if updated, ok := results[i].BigInt(3); ok && feed.MaxAge > 0 && updated.IsInt64() {
			if asOf.IsZero() {
				asOf = r.asOf(ctx, block)
			}
			age := asOf.Sub(time.Unix(updated.Int64(), 0))
			if age > feed.MaxAge {
				warn.Report(integrity.Warning{
					Kind:     integrity.PriceAge,
					Subject:  feed.Address,
					Detail:   "price feed answer older than max age",
					Expected: uint64(feed.MaxAge.Seconds()),
					Observed: uint64(age.Seconds()),
				})
			}
		}

		dec := feed.Decimals
		if dec == 0 {
			dec = DefaultDecimals
		}
		prices[feed.Token] = decimal.NewFromBigInt(answer, -int32(dec))
	}

	return prices
}

// asOf is the moment answers are aged against: the pinned block's timestamp,
// so historical reads are not judged by today's clock.
func (r *Reader) asOf(ctx context.Context, block *big.Int) time.Time {
	if block == nil {
		return r.now()
	}
	at, err := r.reader.BlockTime(ctx, block)
	if err != nil {
		r.logger.Warn().Err(err).Str("block", block.String()).Msg("block time unavailable, ageing prices against wall clock")
		return r.now()
	}
	return at
}
