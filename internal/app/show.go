package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"etf-vault/internal/portfolio"
	"etf-vault/internal/storage"
	"etf-vault/internal/valuation"
)

// Show prints the live portfolio, or stored samples and alerts with
// --history / --alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.History || opts.Alerts {
		return a.showStored(ctx, opts)
	}

	cs := a.newChain()
	defer cs.Close()

	var block *big.Int
	if opts.Block > 0 {
		block = big.NewInt(opts.Block)
	}

	view, err := a.newPipeline(cs).Refresh(ctx, a.Config.WalletAddress(), block)
	if err != nil {
		return err
	}
	renderView(os.Stdout, view, a.Config.Vault.AllocationTotal)
	return nil
}

func (a *App) showStored(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show stored data")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		renderAlerts(os.Stdout, alerts)
		if !opts.History {
			return nil
		}
		fmt.Fprintln(os.Stdout)
	}

	samples, err := store.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	total, err := store.CountSamples(ctx)
	if err != nil {
		return err
	}
	renderSamples(os.Stdout, samples, total)
	return nil
}

func renderView(out io.Writer, view *portfolio.View, allocationTotal int64) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Block\t%d\n", view.Block)
	fmt.Fprintf(writer, "Refreshed (UTC)\t%s\n", view.RefreshedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "Vaults\t%d\n", len(view.Vaults))
	fmt.Fprintf(writer, "TVL (USD)\t%s\n", formatDecimal(view.TVL, 2))
	writer.Flush()

	for _, vv := range view.Vaults {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Vault %s  NAV/share %s  Value %s USD\n",
			vv.Snapshot.Address.Hex(),
			formatDecimal(vv.Derived.NAVPerShare, 6),
			formatDecimal(vv.Derived.TotalValueUSD, 2),
		)
		renderAssets(out, vv, allocationTotal)
	}

	if len(view.Positions) > 0 {
		fmt.Fprintln(out)
		writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Position\tShares\tNAV/share\tValue (USD)")
		for _, p := range view.Positions {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
				p.Vault.Hex(),
				formatDecimal(p.SharesHuman, 6),
				formatDecimal(p.NAVPerShare, 6),
				formatDecimal(p.ValueUSD, 2),
			)
		}
		fmt.Fprintf(writer, "Total\t\t\t%s\n", formatDecimal(view.PortfolioValue, 2))
		writer.Flush()
	}

	if len(view.Warnings) > 0 {
		fmt.Fprintln(out)
		for _, w := range view.Warnings {
			fmt.Fprintf(out, "warning: %s %s (expected %d, observed %d) %s\n", w.Kind, w.Subject.Hex(), w.Expected, w.Observed, sanitizeInline(w.Detail))
		}
	}
}

func renderAssets(out io.Writer, vv portfolio.VaultView, allocationTotal int64) {
	targets := make(map[int]decimal.Decimal)
	for i, d := range valuation.AllocationDrift(vv.Derived, vv.Snapshot, allocationTotal) {
		targets[i+1] = d.TargetPercent
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tAmount\tPrice (USD)\tValue (USD)\tActual%\tTarget%")
	for i, asset := range vv.Derived.Assets {
		target := "-"
		if t, ok := targets[i]; ok {
			target = formatDecimal(t, 2)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			asset.Symbol,
			asset.Amount.String(),
			formatDecimal(asset.PriceUSD, 2),
			formatDecimal(asset.ValueUSD, 2),
			formatDecimal(asset.AllocationPercent, 2),
			target,
		)
	}
	writer.Flush()
}

func renderSamples(out io.Writer, samples []storage.VaultSample, total int64) {
	if len(samples) == 0 {
		fmt.Fprintln(out, "no samples found")
		return
	}
	fmt.Fprintf(out, "Showing %d of %d stored samples\n", len(samples), total)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBlock\tVault\tNAV/share\tValue (USD)\tWarnings")
	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%d\n",
			sample.SampledAt.UTC().Format(time.RFC3339),
			sample.BlockNumber,
			sample.Vault,
			formatDecimal(sample.NAVPerShare, 6),
			formatDecimal(sample.TotalValueUSD, 2),
			sample.Warnings,
		)
	}
	writer.Flush()
}

func renderAlerts(out io.Writer, alerts []storage.AlertRecord) {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBlock\tVault\tToken\tDrift%\tThreshold%\tChannels")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.BlockNumber,
			alert.Vault,
			alert.Token,
			formatDecimal(alert.DriftPct, 2),
			formatDecimal(alert.ThresholdPct, 2),
			strings.Join(alert.Channels, ","),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
