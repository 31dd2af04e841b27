/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/consolidb/consolidb/errconcurrent"
	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model"
	modelbatch "github.com/consolidb/consolidb/model/batch"
	"github.com/consolidb/consolidb/thread"
	"github.com/consolidb/consolidb/utils/constant"
)

// Config are the engine's named, validated knobs.
type Config struct {
	BatchSize         int           `toml:"batchSize" json:"batchSize"`
	MaxRetries        int           `toml:"maxRetries" json:"maxRetries"`
	BackoffBase       time.Duration `toml:"backoffBase" json:"backoffBase"`
	BackoffMultiplier float64       `toml:"backoffMultiplier" json:"backoffMultiplier"`
	ConcurrencyLimit  int           `toml:"concurrencyLimit" json:"concurrencyLimit"`
	// Ordered runs batches sequentially in non-decreasing key order,
	// required while identifier remapping is in use. Unordered batches must
	// be idempotent since a retry may re-apply a partially written page.
	Ordered  bool           `toml:"ordered" json:"ordered"`
	Progress func(Progress) `toml:"-" json:"-"`
}

func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch config batchSize [%d] must be greater than zero", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("batch config maxRetries [%d] must not be negative", c.MaxRetries)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("batch config backoffBase [%v] must be greater than zero", c.BackoffBase)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("batch config backoffMultiplier [%v] must be at least 1", c.BackoffMultiplier)
	}
	if c.ConcurrencyLimit <= 0 {
		return fmt.Errorf("batch config concurrencyLimit [%d] must be greater than zero", c.ConcurrencyLimit)
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		BatchSize:         constant.DefaultMigrateBatchSize,
		MaxRetries:        constant.DefaultMigrateMaxRetries,
		BackoffBase:       constant.DefaultMigrateBackoffBase,
		BackoffMultiplier: constant.DefaultMigrateBackoffMultiplier,
		ConcurrencyLimit:  constant.DefaultMigrateBatchConcurrency,
	}
}

// Progress is reported after every batch completion.
type Progress struct {
	Processed uint64
	Totals    uint64
	Elapsed   time.Duration
	Remaining time.Duration
}

// Bound is one key range to split into a persisted batch record. Lower is
// exclusive, Upper inclusive.
type Bound struct {
	Lower     string
	Upper     string
	ItemCount uint64
}

// Failure is one batch that exhausted its retries.
type Failure struct {
	BatchSeq  uint64
	LastError string
}

// Summary is the terminal outcome of one Run: exhausted batches are collected
// here instead of aborting the run.
type Summary struct {
	Totals    int
	Succeeded int
	Exhausted int
	Failures  []Failure
}

// Engine splits work into persisted batch records and drives them through
// bounded-concurrency worker slots with retry and backoff. All run state
// lives in the metadata store, a restarted process resumes from the records.
type Engine struct {
	cfg *Config
}

func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Split persists one PENDING batch record per bound. Conflicting records are
// left untouched so a resumed run keeps the prior statuses.
func (e *Engine) Split(ctx context.Context, jobName, sourceName, tableNameS string, bounds []Bound) error {
	if len(bounds) == 0 {
		return nil
	}
	batches := make([]*modelbatch.BatchJob, 0, len(bounds))
	for i, b := range bounds {
		batches = append(batches, &modelbatch.BatchJob{
			JobName:     jobName,
			SourceName:  sourceName,
			TableNameS:  tableNameS,
			BatchSeq:    uint64(i + 1),
			LowerBound:  b.Lower,
			UpperBound:  b.Upper,
			ItemCount:   b.ItemCount,
			BatchStatus: constant.BatchStatusPending,
		})
	}
	return model.GetIBatchJobRW().CreateInBatchBatchJob(ctx, batches, constant.DefaultRecordCreateBatchSize)
}

// Run executes every non-succeeded batch of the table. SUCCEEDED batches from
// a prior run are skipped; each batch retries with exponential backoff up to
// MaxRetries and is marked EXHAUSTED_RETRIES on give-up without aborting the
// remaining batches.
func (e *Engine) Run(ctx context.Context, jobName, sourceName, tableNameS string, work func(ctx context.Context, b *modelbatch.BatchJob) error) (*Summary, error) {
	pending, err := model.GetIBatchJobRW().FindBatchJobByStatus(ctx, jobName, sourceName, tableNameS,
		[]string{constant.BatchStatusPending, constant.BatchStatusRunning, constant.BatchStatusFailed, constant.BatchStatusExhausted})
	if err != nil {
		return nil, err
	}
	succeededBefore, err := model.GetIBatchJobRW().FindBatchJobByStatus(ctx, jobName, sourceName, tableNameS,
		[]string{constant.BatchStatusSucceeded})
	if err != nil {
		return nil, err
	}

	summary := &Summary{Totals: len(pending) + len(succeededBefore), Succeeded: len(succeededBefore)}
	if len(pending) == 0 {
		return summary, nil
	}

	tracker := newProgressTracker(pending, succeededBefore)

	var (
		mu       sync.Mutex
		failures []Failure
	)
	runOne := func(b *modelbatch.BatchJob) {
		if err := e.runBatch(ctx, b, work, tracker); err != nil {
			mu.Lock()
			failures = append(failures, Failure{BatchSeq: b.BatchSeq, LastError: err.Error()})
			mu.Unlock()
		}
	}

	if e.cfg.Ordered {
		// FindBatchJobByStatus orders by batch_seq, sequential execution
		// keeps pages applied in non-decreasing key order
		for _, b := range pending {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			runOne(b)
		}
	} else {
		g := errconcurrent.NewGroup()
		g.SetLimit(e.cfg.ConcurrencyLimit)
		for _, b := range pending {
			g.Go(b, func(t interface{}) error {
				runOne(t.(*modelbatch.BatchJob))
				return nil
			})
		}
		g.Wait()
	}

	summary.Exhausted = len(failures)
	summary.Succeeded = summary.Totals - summary.Exhausted
	summary.Failures = failures
	return summary, nil
}

func (e *Engine) runBatch(ctx context.Context, b *modelbatch.BatchJob, work func(ctx context.Context, b *modelbatch.BatchJob) error, tracker *progressTracker) error {
	startTime := time.Now()
	if _, err := model.GetIBatchJobRW().UpdateBatchJob(ctx, b, map[string]interface{}{
		"batch_status": constant.BatchStatusRunning,
	}); err != nil {
		return err
	}

	var attempts uint64
	err := thread.Retry(&thread.RetryConfig{
		MaxRetries: e.cfg.MaxRetries,
		Delay:      e.cfg.BackoffBase,
		Multiplier: e.cfg.BackoffMultiplier,
	}, func(err error) bool {
		return ctx.Err() == nil
	}, func() error {
		atomic.AddUint64(&attempts, 1)
		return work(ctx, b)
	})

	duration := time.Since(startTime).Seconds()
	if err != nil {
		if _, uerr := model.GetIBatchJobRW().UpdateBatchJob(ctx, b, map[string]interface{}{
			"batch_status":  constant.BatchStatusExhausted,
			"attempt_count": b.AttemptCount + attempts,
			"last_error":    err.Error(),
			"duration":      duration,
		}); uerr != nil {
			logger.Error("batch status update failed",
				zap.String("job", b.JobName),
				zap.String("table", b.TableNameS),
				zap.Uint64("batch_seq", b.BatchSeq),
				zap.Error(uerr))
		}
		logger.Warn("batch exhausted retries",
			zap.String("job", b.JobName),
			zap.String("table", b.TableNameS),
			zap.Uint64("batch_seq", b.BatchSeq),
			zap.Uint64("attempts", attempts),
			zap.Error(err))
		tracker.complete(e.cfg.Progress, 0)
		return err
	}

	if _, uerr := model.GetIBatchJobRW().UpdateBatchJob(ctx, b, map[string]interface{}{
		"batch_status":  constant.BatchStatusSucceeded,
		"attempt_count": b.AttemptCount + attempts,
		"last_error":    "",
		"duration":      duration,
	}); uerr != nil {
		return uerr
	}
	tracker.complete(e.cfg.Progress, b.ItemCount)
	return nil
}

// progressTracker derives (processed, totals, elapsed, eta) after each batch.
type progressTracker struct {
	start     time.Time
	totals    uint64
	processed uint64
	baseline  uint64
	mu        sync.Mutex
}

func newProgressTracker(pending, succeeded []*modelbatch.BatchJob) *progressTracker {
	t := &progressTracker{start: time.Now()}
	for _, b := range pending {
		t.totals += b.ItemCount
	}
	for _, b := range succeeded {
		t.totals += b.ItemCount
		t.baseline += b.ItemCount
	}
	t.processed = t.baseline
	return t
}

func (t *progressTracker) complete(report func(Progress), items uint64) {
	if report == nil {
		return
	}
	t.mu.Lock()
	t.processed += items
	processed := t.processed
	t.mu.Unlock()

	elapsed := time.Since(t.start)
	var remaining time.Duration
	if done := processed - t.baseline; done > 0 && t.totals > processed {
		remaining = time.Duration(float64(elapsed) / float64(done) * float64(t.totals-processed))
	}
	report(Progress{
		Processed: processed,
		Totals:    t.totals,
		Elapsed:   elapsed,
		Remaining: remaining,
	})
}
