// Package warmup pre-populates the cache for a configured hot set before the
// gateway serves traffic, so the first scans of popular tokens do not pay
// cold-cache latency.
package warmup

import (
	"context"
	"time"

	"github.com/LouisdeMagician/blaze/internal/executor"
	"github.com/LouisdeMagician/blaze/internal/platform/observability"
	"github.com/LouisdeMagician/blaze/internal/platform/worker"
)

// Item is one hot-set entry to preload.
type Item struct {
	Method string
	Params []interface{}
}

// Report summarizes one warm-load run. Individual failures are logged and
// skipped; warm loading is best effort.
type Report struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Config holds loader configuration.
type Config struct {
	Executor *executor.Executor
	Logger   *observability.Logger
	// Workers is the number of concurrent preload fetches
	Workers int
	// Timeout bounds the whole run; on expiry the remaining items are
	// abandoned and counted as failed
	Timeout time.Duration
}

// Loader warms the cache through the same executor path organic traffic
// uses, so preloaded entries are indistinguishable from request fills.
type Loader struct {
	exec    *executor.Executor
	logger  *observability.Logger
	workers int
	timeout time.Duration
}

// NewLoader creates a loader.
func NewLoader(cfg Config) *Loader {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("info", "json")
	}
	return &Loader{
		exec:    cfg.Executor,
		logger:  cfg.Logger,
		workers: cfg.Workers,
		timeout: cfg.Timeout,
	}
}

// Run preloads every item, bounded by the configured overall timeout. It
// never aborts on individual item failures.
func (l *Loader) Run(ctx context.Context, items []Item) Report {
	start := time.Now()
	if len(items) == 0 {
		return Report{}
	}

	runCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	pool := worker.NewPool(runCtx, l.workers, len(items))
	defer pool.Close()

	jobs := make([]worker.Job, 0, len(items))
	for _, item := range items {
		spec := l.exec.BuildRequest(item.Method, item.Params...)
		jobs = append(jobs, worker.Job{
			ID: spec.CacheKey,
			Execute: func(ctx context.Context) (interface{}, error) {
				return l.exec.Execute(ctx, spec)
			},
		})
	}

	report := Report{}
	for _, r := range pool.SubmitAndWait(jobs) {
		if r.Err != nil {
			report.Failed++
			l.logger.LogWarn(ctx, "warm load item failed", "key", r.JobID, "error", r.Err)
			continue
		}
		report.Succeeded++
	}
	// Items abandoned by the timeout never produced a result.
	report.Failed += len(items) - report.Succeeded - report.Failed

	report.Duration = time.Since(start)
	if report.Failed > 0 {
		l.logger.LogWarn(ctx, "cache warm load finished with failures",
			"succeeded", report.Succeeded, "failed", report.Failed, "duration", report.Duration)
	} else {
		l.logger.LogInfo(ctx, "cache warm load finished",
			"succeeded", report.Succeeded, "duration", report.Duration)
	}
	return report
}
