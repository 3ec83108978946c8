package enrichment

import (
	"context"
	"time"

	"conclave/internal/briefing"
	"conclave/internal/kv"
	"conclave/internal/logger"
)

// Config wires the whole enrichment stage.
type Config struct {
	Enabled       bool
	MaxCandidates int
	Fetch         FetchConfig
	Derived       DerivedConfig
	// Routes overrides DefaultRoutes when non-empty.
	Routes map[string]string
}

// Enricher runs the full stage: extract, fetch, derive, merge.
type Enricher struct {
	cfg     Config
	fetcher *Fetcher
	nowFn   func() time.Time
}

func New(source MarketSource, cache kv.Store, cfg Config) *Enricher {
	return &Enricher{
		cfg:     cfg,
		fetcher: NewFetcher(source, cache, cfg.Fetch),
		nowFn:   time.Now,
	}
}

// Enabled reports whether the stage should run at all.
func (e *Enricher) Enabled() bool { return e.cfg.Enabled }

// Run enriches the briefings in place and returns how many datasets were
// merged. No candidates is a normal outcome, not an error.
func (e *Enricher) Run(ctx context.Context, briefings map[string]*briefing.Briefing) (int, error) {
	candidates := ExtractCandidates(briefings, e.cfg.MaxCandidates)
	if len(candidates) == 0 {
		logger.Debugf("Enrichment found no candidates in %d briefings", len(briefings))
		return 0, nil
	}
	logger.Infof("Enrichment running for %d candidates", len(candidates))

	datasets := e.fetcher.Fetch(ctx, candidates)
	datasets = append(datasets, ComputeDerived(datasets, e.cfg.Derived, e.nowFn())...)
	merged := MergeIntoBriefings(briefings, datasets, e.cfg.Routes)
	return merged, nil
}
