package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"conclave/internal/kv"
	"conclave/internal/logger"
)

// FetchConfig tunes the fan-out fetch stage.
type FetchConfig struct {
	FanoutLimit   int
	CacheTTL      time.Duration
	KlineInterval string
	KlineLimit    int
	OIPeriod      string
	OILimit       int
}

func (c *FetchConfig) withDefaults() FetchConfig {
	out := *c
	if out.FanoutLimit <= 0 {
		out.FanoutLimit = 4
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = 2 * time.Minute
	}
	if out.KlineInterval == "" {
		out.KlineInterval = "1h"
	}
	if out.KlineLimit <= 0 {
		out.KlineLimit = 200
	}
	if out.OIPeriod == "" {
		out.OIPeriod = "1h"
	}
	if out.OILimit <= 0 {
		out.OILimit = 48
	}
	return out
}

// Fetcher pulls market data for enrichment candidates with a kv cache in
// front of the source. cache may be nil for straight-through fetching.
type Fetcher struct {
	source MarketSource
	cache  kv.Store
	cfg    FetchConfig
	nowFn  func() time.Time
}

func NewFetcher(source MarketSource, cache kv.Store, cfg FetchConfig) *Fetcher {
	return &Fetcher{
		source: source,
		cache:  cache,
		cfg:    cfg.withDefaults(),
		nowFn:  time.Now,
	}
}

type fetchTask struct {
	asset    string
	endpoint string
}

// Fetch fans out over every (candidate, endpoint) pair, bounded by the
// configured limit. A failed fetch does not stop the batch: the failure is
// recorded inline on that pair's dataset and the rest proceed. The result
// order matches the candidate order, endpoints within a candidate in their
// declared order.
func (f *Fetcher) Fetch(ctx context.Context, candidates []Candidate) []Dataset {
	var tasks []fetchTask
	for _, c := range candidates {
		for _, ep := range c.endpoints() {
			tasks = append(tasks, fetchTask{asset: c.Asset, endpoint: ep})
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	out := make([]Dataset, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.FanoutLimit)
	for i, task := range tasks {
		i, task := i, task // per-iteration copies; go directive predates Go 1.22 loopvar semantics
		g.Go(func() error {
			out[i] = f.fetchOne(gctx, task)
			return nil
		})
	}
	// Workers never return errors; failures live inside the datasets.
	_ = g.Wait()

	var failed int
	for i := range out {
		if out[i].Err != "" {
			failed++
		}
	}
	if failed > 0 {
		logger.Warnf("Enrichment fetch finished with %d/%d datasets failed", failed, len(out))
	} else {
		logger.Debugf("Enrichment fetch finished, %d datasets", len(out))
	}
	return out
}

func (f *Fetcher) fetchOne(ctx context.Context, task fetchTask) Dataset {
	if ds, ok := f.cacheGet(ctx, task); ok {
		return ds
	}

	ds := Dataset{Asset: task.asset, Endpoint: task.endpoint, FetchedAt: f.nowFn().UTC()}
	var err error
	switch task.endpoint {
	case EndpointKlines:
		ds.Candles, err = f.source.Klines(ctx, task.asset, f.cfg.KlineInterval, f.cfg.KlineLimit)
	case EndpointFunding:
		ds.Funding, err = f.source.FundingPremium(ctx, task.asset)
	case EndpointOpenInterest:
		ds.OpenInterest, err = f.source.OpenInterest(ctx, task.asset, f.cfg.OIPeriod, f.cfg.OILimit)
	default:
		err = fmt.Errorf("unknown endpoint %q", task.endpoint)
	}
	if err != nil {
		ds.Err = err.Error()
		logger.Warnf("Enrichment fetch %s/%s failed: %v", task.asset, task.endpoint, err)
		return ds
	}
	f.cachePut(ctx, task, ds)
	return ds
}

func cacheKey(task fetchTask) string {
	return "enrich:" + task.endpoint + ":" + task.asset
}

func (f *Fetcher) cacheGet(ctx context.Context, task fetchTask) (Dataset, bool) {
	if f.cache == nil {
		return Dataset{}, false
	}
	raw, err := f.cache.Get(ctx, cacheKey(task))
	if err != nil || raw == nil {
		return Dataset{}, false
	}
	var ds Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		logger.Warnf("Enrichment cache entry for %s/%s unreadable: %v", task.asset, task.endpoint, err)
		return Dataset{}, false
	}
	ds.Cached = true
	return ds, true
}

func (f *Fetcher) cachePut(ctx context.Context, task fetchTask, ds Dataset) {
	if f.cache == nil {
		return
	}
	raw, err := json.Marshal(&ds)
	if err != nil {
		return
	}
	if err := f.cache.Set(ctx, cacheKey(task), raw, f.cfg.CacheTTL); err != nil {
		logger.Warnf("Enrichment cache write for %s/%s failed: %v", task.asset, task.endpoint, err)
	}
}
