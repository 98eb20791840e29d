package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"

	"etf-vault/internal/portfolio"
	"etf-vault/internal/service"
	"etf-vault/internal/storage"
)

// Backfill rebuilds historical views at past block heights and stores their
// samples. Without a start height it resumes after the newest stored sample.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.ToBlock == 0 {
		return errors.New("--to-block 必须大于 0")
	}

	var sampleStore storage.SampleStore
	if !opts.DryRun || opts.FromBlock == 0 {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		if closeStore != nil {
			defer closeStore()
		}
		sampleStore = store
	}

	from := opts.FromBlock
	if from == 0 {
		resumed, err := resumeHeight(ctx, sampleStore, opts.Step)
		if err != nil {
			return err
		}
		if resumed > opts.ToBlock {
			a.Logger.Info().Uint64("from", resumed).Uint64("to", opts.ToBlock).Msg("已回填到目标区块，无需续跑")
			return nil
		}
		a.Logger.Info().Uint64("from", resumed).Msg("从最新已存样本之后续跑回填")
		from = resumed
	}

	heights, err := backfillHeights(from, opts.ToBlock, opts.Step)
	if err != nil {
		return err
	}
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
		sampleStore = nil
	}

	cs := a.newChain()
	defer cs.Close()
	pipeline := a.newPipeline(cs)
	actor := a.Config.WalletAddress()

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	pool := pond.NewPool(workers)
	defer pool.StopAndWait()

	var processed, failed atomic.Int64
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, height := range heights {
		group.Submit(func() {
			if err := a.backfillBlock(groupCtx, pipeline, cs, sampleStore, actor, height); err != nil {
				failed.Add(1)
				a.Logger.Error().Err(err).Uint64("block", height).Msg("回填失败")
				return
			}
			processed.Add(1)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.Logger.Info().Int64("processed", processed.Load()).Int64("failed", failed.Load()).Msg("回填完成")
	if failed.Load() > 0 {
		return errors.New("部分区块回填失败，请检查日志")
	}
	return nil
}

func (a *App) backfillBlock(ctx context.Context, pipeline *portfolio.Pipeline, cs *chainStack, store storage.SampleStore, actor *common.Address, height uint64) error {
	block := new(big.Int).SetUint64(height)
	view, err := pipeline.At(ctx, actor, block)
	if err != nil {
		return err
	}

	at, err := cs.backend.BlockTime(ctx, block)
	if err != nil {
		a.Logger.Warn().Err(err).Uint64("block", height).Msg("block time unavailable, using wall clock")
		at = time.Now().UTC()
	}

	samples := service.Samples(view, at)
	a.Logger.Info().Uint64("block", height).Int("vaults", len(samples)).Str("tvl", view.TVL.StringFixed(2)).Msg("历史视图已生成")
	if store == nil {
		return nil
	}
	return store.UpsertVaultSamples(ctx, samples)
}

// sampledHead is the part of the sample store that backfill resumes from.
type sampledHead interface {
	LatestSampledBlock(ctx context.Context) (int64, bool, error)
}

// resumeHeight is one step past the newest stored sample.
func resumeHeight(ctx context.Context, store sampledHead, step uint64) (uint64, error) {
	latest, ok, err := store.LatestSampledBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("read latest sampled block: %w", err)
	}
	if !ok {
		return 0, errors.New("尚无已存样本，请指定 --from-block")
	}
	if step == 0 {
		step = 1
	}
	return uint64(latest) + step, nil
}

// backfillHeights lists from..to inclusive in step increments, always ending on to.
func backfillHeights(from, to, step uint64) ([]uint64, error) {
	if from == 0 || to == 0 {
		return nil, errors.New("--from-block 与 --to-block 必须大于 0")
	}
	if from > to {
		return nil, fmt.Errorf("回填范围为空: %d > %d", from, to)
	}
	if step == 0 {
		step = 1
	}
	heights := make([]uint64, 0, (to-from)/step+2)
	for h := from; h <= to; h += step {
		heights = append(heights, h)
		if to-h < step {
			break
		}
	}
	if heights[len(heights)-1] != to {
		heights = append(heights, to)
	}
	return heights, nil
}
