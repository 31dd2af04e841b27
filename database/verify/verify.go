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
package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/model/report"
	"github.com/consolidb/consolidb/utils/constant"
)

// Trigger values recorded on a validation report.
const (
	TriggerOnDemand   = "ON_DEMAND"
	TriggerScheduled  = "SCHEDULED"
	TriggerPreCutover = "PRE_CUTOVER"
)

// Config holds the correctness tolerances, configurable because acceptable
// rounding drift and sample size are domain decisions.
type Config struct {
	// Epsilon is a decimal string, never a float.
	Epsilon    string `toml:"epsilon" json:"epsilon"`
	SampleSize int    `toml:"sampleSize" json:"sampleSize"`
	// TableConcurrency bounds how many tables validate at once.
	TableConcurrency int `toml:"tableConcurrency" json:"tableConcurrency"`
}

func DefaultConfig() *Config {
	return &Config{
		Epsilon:          constant.DefaultConservationEpsilon,
		SampleSize:       constant.DefaultMigrateSampleSize,
		TableConcurrency: constant.DefaultMigrateTableConcurrency,
	}
}

// Verifier runs the fixed check battery comparing source and target stores.
// Read-only against both; results persist as an immutable report.
type Verifier struct {
	jobName string
	sources map[string]database.IDatabase
	target  database.IDatabase
	epsilon decimal.Decimal
	cfg     *Config
}

func NewVerifier(jobName string, sources map[string]database.IDatabase, target database.IDatabase, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = constant.DefaultMigrateSampleSize
	}
	if cfg.TableConcurrency <= 0 {
		cfg.TableConcurrency = constant.DefaultMigrateTableConcurrency
	}
	eps, err := decimal.NewFromString(cfg.Epsilon)
	if err != nil {
		return nil, fmt.Errorf("verify config epsilon [%s] is not a valid decimal: %v", cfg.Epsilon, err)
	}
	return &Verifier{
		jobName: jobName,
		sources: sources,
		target:  target,
		epsilon: eps,
		cfg:     cfg,
	}, nil
}

// Run executes every check for every backfilled table of the job and
// persists the report. Any failing check fails the whole report; a failing
// report is a hard cutover gate, never a warning.
func (v *Verifier) Run(ctx context.Context, trigger string) (*report.ValidationReport, error) {
	startTime := time.Now()
	mappings, err := model.GetITableMappingRW().FindTableMappingByStatus(ctx, v.jobName,
		[]string{constant.TableBackfillFinished, constant.TableBackfillPartial})
	if err != nil {
		return nil, err
	}

	reportID := uuid.New().String()
	var (
		mu      sync.Mutex
		results []*report.CheckResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.TableConcurrency)
	for _, tm := range mappings {
		tm := tm
		g.Go(func() error {
			source, ok := v.sources[tm.SourceName]
			if !ok {
				return fmt.Errorf("job [%s] table [%s] source [%s] has no open connection", v.jobName, tm.TableNameS, tm.SourceName)
			}
			tableResults, err := v.checkTable(gctx, tm, source, reportID)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, tableResults...)
			mu.Unlock()
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	var fails uint64
	for _, r := range results {
		if r.CheckResult == constant.CheckResultFail {
			fails++
		}
	}
	overall := constant.CheckResultPass
	if fails > 0 {
		overall = constant.CheckResultFail
	}

	rep := &report.ValidationReport{
		JobName:      v.jobName,
		ReportID:     reportID,
		Trigger:      trigger,
		ReportResult: overall,
		CheckTotals:  uint64(len(results)),
		CheckFails:   fails,
		Duration:     time.Since(startTime).Seconds(),
	}
	err = model.Transaction(ctx, func(txnCtx context.Context) error {
		if _, err := model.GetIValidationReportRW().CreateValidationReport(txnCtx, rep); err != nil {
			return err
		}
		return model.GetICheckResultRW().CreateInBatchCheckResult(txnCtx, results, constant.DefaultRecordCreateBatchSize)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("validation report produced",
		zap.String("job", v.jobName),
		zap.String("report_id", reportID),
		zap.String("trigger", trigger),
		zap.String("result", overall),
		zap.Uint64("check_totals", rep.CheckTotals),
		zap.Uint64("check_fails", fails))
	return rep, nil
}

func (v *Verifier) checkTable(ctx context.Context, tm *modelmapping.TableMapping, source database.IDatabase, reportID string) ([]*report.CheckResult, error) {
	type check struct {
		category string
		fn       func(context.Context, *modelmapping.TableMapping, database.IDatabase) (string, string, error)
	}
	checks := []check{
		{constant.CheckCategoryRowCount, v.checkRowCountParity},
		{constant.CheckCategoryForeignKey, v.checkForeignKeyIntegrity},
		{constant.CheckCategoryStructure, v.checkStructuralShape},
		{constant.CheckCategoryConservation, v.checkConservation},
		{constant.CheckCategorySample, v.checkSampleEquivalence},
	}

	var results []*report.CheckResult
	for _, c := range checks {
		verdict, detail, err := c.fn(ctx, tm, source)
		if err != nil {
			return nil, fmt.Errorf("job [%s] table [%s] check [%s] failed to run: %v", v.jobName, tm.TableNameT, c.category, err)
		}
		results = append(results, &report.CheckResult{
			JobName:           v.jobName,
			ReportID:          reportID,
			Category:          c.category,
			TableNameT:        tm.TableNameT,
			CheckResult:       verdict,
			DiscrepancyDetail: detail,
		})
	}
	return results, nil
}
