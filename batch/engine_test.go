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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/consolidb/consolidb/model"
	modelbatch "github.com/consolidb/consolidb/model/batch"
	"github.com/consolidb/consolidb/utils/constant"
)

func testMetadataStore(t *testing.T) {
	t.Helper()
	if err := model.CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
}

func testConfig() *Config {
	return &Config{
		BatchSize:         10,
		MaxRetries:        2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		ConcurrencyLimit:  4,
	}
}

func testBounds(n int) []Bound {
	bounds := make([]Bound, 0, n)
	for i := 0; i < n; i++ {
		bounds = append(bounds, Bound{
			Lower:     fmt.Sprintf("%d", i*10),
			Upper:     fmt.Sprintf("%d", (i+1)*10),
			ItemCount: 10,
		})
	}
	return bounds
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative max retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero backoff base", func(c *Config) { c.BackoffBase = 0 }},
		{"multiplier below one", func(c *Config) { c.BackoffMultiplier = 0.5 }},
		{"zero concurrency", func(c *Config) { c.ConcurrencyLimit = 0 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := testConfig()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error, got nil")
			}
		})
	}
	if err := testConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}

func TestEngineRunAllSucceed(t *testing.T) {
	testMetadataStore(t)
	ctx := context.Background()

	engine, err := NewEngine(testConfig())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err = engine.Split(ctx, "job1", "east", "users", testBounds(5)); err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	var (
		mu   sync.Mutex
		seen []uint64
	)
	summary, err := engine.Run(ctx, "job1", "east", "users", func(ctx context.Context, b *modelbatch.BatchJob) error {
		mu.Lock()
		seen = append(seen, b.BatchSeq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Totals != 5 || summary.Succeeded != 5 || summary.Exhausted != 0 {
		t.Errorf("summary = %+v, want 5 totals 5 succeeded", summary)
	}
	if len(seen) != 5 {
		t.Errorf("work ran %d times, want 5", len(seen))
	}
}

func TestEngineExhaustedRetriesDoNotAbortTheRun(t *testing.T) {
	testMetadataStore(t)
	ctx := context.Background()

	engine, err := NewEngine(testConfig())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err = engine.Split(ctx, "job1", "east", "users", testBounds(3)); err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	var (
		mu       sync.Mutex
		attempts = make(map[uint64]int)
	)
	summary, err := engine.Run(ctx, "job1", "east", "users", func(ctx context.Context, b *modelbatch.BatchJob) error {
		mu.Lock()
		attempts[b.BatchSeq]++
		mu.Unlock()
		if b.BatchSeq == 2 {
			return fmt.Errorf("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Exhausted != 1 || summary.Succeeded != 2 {
		t.Errorf("summary = %+v, want 1 exhausted 2 succeeded", summary)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].BatchSeq != 2 {
		t.Errorf("failures = %+v, want batch 2", summary.Failures)
	}
	// MaxRetries=2 means one initial attempt plus two retries
	if attempts[2] != 3 {
		t.Errorf("failing batch attempts = %d, want 3", attempts[2])
	}

	exhausted, err := model.GetIBatchJobRW().FindBatchJobByStatus(ctx, "job1", "east", "users",
		[]string{constant.BatchStatusExhausted})
	if err != nil {
		t.Fatalf("find exhausted failed: %v", err)
	}
	if len(exhausted) != 1 {
		t.Fatalf("exhausted records = %d, want 1", len(exhausted))
	}
	if exhausted[0].LastError == "" || exhausted[0].AttemptCount != 3 {
		t.Errorf("exhausted record = %+v, want last error and 3 attempts", exhausted[0])
	}
}

func TestEngineResumeSkipsSucceededBatches(t *testing.T) {
	testMetadataStore(t)
	ctx := context.Background()

	engine, err := NewEngine(testConfig())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err = engine.Split(ctx, "job1", "east", "users", testBounds(4)); err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	// first run: batch 3 keeps failing, the rest succeed
	_, err = engine.Run(ctx, "job1", "east", "users", func(ctx context.Context, b *modelbatch.BatchJob) error {
		if b.BatchSeq == 3 {
			return fmt.Errorf("transient outage")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	// a resumed Split is a no-op against the persisted records
	if err = engine.Split(ctx, "job1", "east", "users", testBounds(4)); err != nil {
		t.Fatalf("resumed Split failed: %v", err)
	}

	var (
		mu    sync.Mutex
		reran []uint64
	)
	summary, err := engine.Run(ctx, "job1", "east", "users", func(ctx context.Context, b *modelbatch.BatchJob) error {
		mu.Lock()
		reran = append(reran, b.BatchSeq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
	if len(reran) != 1 || reran[0] != 3 {
		t.Errorf("resumed run re-executed %v, want only batch 3", reran)
	}
	if summary.Totals != 4 || summary.Succeeded != 4 || summary.Exhausted != 0 {
		t.Errorf("resumed summary = %+v, want 4/4 succeeded", summary)
	}
}

func TestEngineOrderedRunsSequentially(t *testing.T) {
	testMetadataStore(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.Ordered = true
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err = engine.Split(ctx, "job1", "east", "users", testBounds(6)); err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	var order []uint64
	_, err = engine.Run(ctx, "job1", "east", "users", func(ctx context.Context, b *modelbatch.BatchJob) error {
		order = append(order, b.BatchSeq)
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, seq := range order {
		if seq != uint64(i+1) {
			t.Fatalf("ordered run executed %v, want ascending batch_seq", order)
		}
	}
}

func TestEngineProgressReporting(t *testing.T) {
	testMetadataStore(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		last Progress
	)
	cfg := testConfig()
	cfg.Progress = func(p Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err = engine.Split(ctx, "job1", "east", "users", testBounds(3)); err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if _, err = engine.Run(ctx, "job1", "east", "users", func(ctx context.Context, b *modelbatch.BatchJob) error {
		return nil
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if last.Processed != 30 || last.Totals != 30 {
		t.Errorf("final progress = %+v, want 30/30", last)
	}
}
