package app

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"etf-vault/internal/alerting"
	"etf-vault/internal/valuation"
)

// SimulateOptions describe a synthetic allocation drift.
type SimulateOptions struct {
	Vault  common.Address
	Token  common.Address
	Symbol string
	Target decimal.Decimal
	Actual decimal.Decimal
}

// SimulateAlert 通过给定的目标/实际占比模拟一次配比偏离告警。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	drift := valuation.Drift{
		Token:         opts.Token,
		Symbol:        opts.Symbol,
		TargetPercent: opts.Target,
		ActualPercent: opts.Actual,
		Drift:         opts.Actual.Sub(opts.Target),
	}
	return notifier.Notify(ctx, alerting.Notification{
		At:            time.Now().UTC(),
		Vault:         opts.Vault,
		Drift:         &drift,
		ThresholdPct:  decimal.NewFromFloat(a.Config.Alerting.DriftThresholdPct),
		Channels:      a.Config.Alerting.Channels,
		AdditionalMsg: "(simulated)",
	})
}
