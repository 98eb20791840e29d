package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"etf-vault/internal/storage"
)

// Export renders NAV history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Vault != "" && !common.IsHexAddress(opts.Vault) {
		return errors.New("--vault must be a hex address")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	vault := ""
	if opts.Vault != "" {
		vault = common.HexToAddress(opts.Vault).Hex()
	}

	samples, err := store.ListSamplesBetween(ctx, vault, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Msg("no samples found for export window")
		return nil
	}

	series := groupByVault(samples)
	exported := 0
	for i := range series {
		series[i].samples = downsampleSamples(series[i].samples, opts.MaxPoints)
		exported += len(series[i].samples)
	}
	a.Logger.Info().Int("total", len(samples)).Int("exported", exported).Int("vaults", len(series)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, series); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, series); err != nil {
			return err
		}
	}

	return nil
}

type vaultSeries struct {
	vault   string
	samples []storage.VaultSample
}

// groupByVault splits samples per vault, keeping time order, vaults sorted by address.
func groupByVault(samples []storage.VaultSample) []vaultSeries {
	index := make(map[string]int)
	var out []vaultSeries
	for _, s := range samples {
		i, ok := index[s.Vault]
		if !ok {
			i = len(out)
			index[s.Vault] = i
			out = append(out, vaultSeries{vault: s.Vault})
		}
		out[i].samples = append(out[i].samples, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].vault < out[j].vault })
	for _, vs := range out {
		sort.SliceStable(vs.samples, func(i, j int) bool { return vs.samples[i].SampledAt.Before(vs.samples[j].SampledAt) })
	}
	return out
}

func downsampleSamples(samples []storage.VaultSample, max int) []storage.VaultSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]storage.VaultSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, series []vaultSeries) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"sampled_at", "block_number", "vault", "nav_per_share", "total_value_usd", "total_assets", "total_supply", "warnings"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, vs := range series {
		for _, sample := range vs.samples {
			record := []string{
				sample.SampledAt.UTC().Format(time.RFC3339),
				strconv.FormatInt(sample.BlockNumber, 10),
				sample.Vault,
				sample.NAVPerShare.String(),
				sample.TotalValueUSD.String(),
				sample.TotalAssets.String(),
				sample.TotalSupply.String(),
				strconv.Itoa(sample.Warnings),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSamplesPNG(path string, series []vaultSeries) error {
	var lines []chart.Series
	for _, vs := range series {
		// go-chart 需要至少两个点才能画线
		if len(vs.samples) < 2 {
			continue
		}
		x := make([]time.Time, len(vs.samples))
		nav := make([]float64, len(vs.samples))
		value := make([]float64, len(vs.samples))
		for i, sample := range vs.samples {
			x[i] = sample.SampledAt
			nav[i] = sample.NAVPerShare.InexactFloat64()
			value[i] = sample.TotalValueUSD.InexactFloat64()
		}
		label := shortAddress(vs.vault)
		lines = append(lines,
			chart.TimeSeries{Name: label + " NAV", XValues: x, YValues: nav},
			chart.TimeSeries{Name: label + " USD", XValues: x, YValues: value, YAxis: chart.YAxisSecondary},
		)
	}
	if len(lines) == 0 {
		return errors.New("not enough samples to draw a chart")
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "NAV per share",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.4f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Vault value (USD)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: lines,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + ".." + addr[len(addr)-4:]
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
