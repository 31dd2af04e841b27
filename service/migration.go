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
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/consolidb/consolidb/batch"
	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/database/inspect"
	"github.com/consolidb/consolidb/database/mapping"
	"github.com/consolidb/consolidb/database/processor"
	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model"
	"github.com/consolidb/consolidb/model/datasource"
	"github.com/consolidb/consolidb/model/job"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/thread"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
	"github.com/consolidb/consolidb/utils/structure"
)

// StartMigrationRequest describes one consolidation effort.
type StartMigrationRequest struct {
	JobName     string                      `json:"jobName"`
	SourceNames []string                    `json:"sourceNames"`
	TargetName  string                      `json:"targetName"`
	Overrides   map[string]mapping.Override `json:"overrides"`
	// DryRun analyzes and backfills against a disposable SQLite target and
	// never touches dual-write or cutover state.
	DryRun bool `json:"dryRun"`
}

// StartMigration creates the job and drives it through schema analysis,
// mapping and backfill. At most one job may be active per (source set,
// target) pair at a time.
func (s *Service) StartMigration(ctx context.Context, req *StartMigrationRequest) (string, error) {
	if strings.EqualFold(req.JobName, "") {
		return "", fmt.Errorf("start migration requires a job name")
	}
	if len(req.SourceNames) == 0 || strings.EqualFold(req.TargetName, "") {
		return "", fmt.Errorf("start migration requires at least one source and a target")
	}

	fingerprint := jobFingerprint(req.SourceNames, req.TargetName)
	active, err := model.GetIMigrationJobRW().FindActiveMigrationJob(ctx, fingerprint)
	if err != nil {
		return "", err
	}
	if len(active) > 0 {
		return "", fmt.Errorf("job [%s] is already active for the same source set and target", active[0].JobName)
	}

	dryRun := "NO"
	if req.DryRun {
		dryRun = "YES"
		if err = s.createDryRunTarget(ctx, req.JobName); err != nil {
			return "", err
		}
	}

	now := time.Now()
	j, err := model.GetIMigrationJobRW().CreateMigrationJob(ctx, &job.MigrationJob{
		JobName:        req.JobName,
		JobFingerprint: fingerprint,
		SourceNames:    stringutil.StringJoin(req.SourceNames, constant.StringSeparatorComma),
		TargetName:     req.TargetName,
		JobStatus:      constant.JobStatusPending,
		DryRun:         dryRun,
		SystemOfRecord: "SOURCE",
		StartTime:      &now,
	})
	if err != nil {
		return "", err
	}

	if err = s.runPipeline(ctx, j, req.Overrides); err != nil {
		return j.JobName, err
	}
	return j.JobName, nil
}

// Resume continues an in-flight job after a restart, re-deriving the next
// action from the persisted state alone.
func (s *Service) Resume(ctx context.Context, jobName string) error {
	j, err := model.GetIMigrationJobRW().GetMigrationJob(ctx, jobName)
	if err != nil {
		return err
	}
	if j == nil || j.JobName == "" {
		return fmt.Errorf("job [%s] does not exist", jobName)
	}
	switch j.JobStatus {
	case constant.JobStatusPending, constant.JobStatusSchemaValidated, constant.JobStatusBackfilling:
		return s.runPipeline(ctx, j, nil)
	case constant.JobStatusValidating:
		// a failing verdict already landed on the job, the resume itself
		// succeeded
		if _, err = s.RunValidation(ctx, jobName); err != nil &&
			!errors.Is(err, database.ErrValidationFailure) {
			return err
		}
		return nil
	case constant.JobStatusDualWriteActive, constant.JobStatusCutoverReady:
		// nothing to re-derive, the job is waiting on validation or the
		// operator's cutover decision
		return nil
	default:
		return fmt.Errorf("job [%s] status [%s] is terminal, nothing to resume", jobName, j.JobStatus)
	}
}

func (s *Service) createDryRunTarget(ctx context.Context, jobName string) error {
	name := dryRunTargetName(jobName)
	_, err := model.GetIDatasourceRW().CreateDatasource(ctx, &datasource.Datasource{
		DatasourceName: name,
		DbType:         constant.DatabaseTypeSQLite,
		FilePath:       stringutil.StringBuilder(name, ".db"),
	})
	return err
}

// runPipeline advances the job from its current persisted state through
// analysis, mapping and backfill. Fatal start errors move the job to FAILED
// with the specific reason.
func (s *Service) runPipeline(ctx context.Context, j *job.MigrationJob, overrides map[string]mapping.Override) error {
	if j.JobStatus == constant.JobStatusPending {
		if err := s.analyzeAndMap(ctx, j, overrides); err != nil {
			if database.IsFatalStartError(err) {
				if ferr := s.fail(ctx, j, err.Error()); ferr != nil {
					logger.Error("job fail transition failed", zap.String("job", j.JobName), zap.Error(ferr))
				}
			}
			return err
		}
		if err := s.transition(ctx, j, constant.JobStatusSchemaValidated, nil); err != nil {
			return err
		}
	}

	if j.JobStatus == constant.JobStatusSchemaValidated {
		if err := s.transition(ctx, j, constant.JobStatusBackfilling, nil); err != nil {
			return err
		}
	}

	if j.JobStatus == constant.JobStatusBackfilling {
		if err := s.backfill(ctx, j); err != nil {
			return err
		}
		partials, err := model.GetITableMappingRW().FindTableMappingByStatus(ctx, j.JobName, []string{constant.TableBackfillPartial})
		if err != nil {
			return err
		}
		if len(partials) > 0 {
			var tables []string
			for _, tm := range partials {
				tables = append(tables, tm.TableNameS)
			}
			reason := fmt.Sprintf("tables %v are PARTIAL, batches exhausted retries", tables)
			if _, err = model.GetIMigrationJobRW().UpdateMigrationJob(ctx, j.JobName, map[string]interface{}{
				"block_reason": reason,
			}); err != nil {
				return err
			}
			logger.Warn("backfill incomplete", zap.String("job", j.JobName), zap.String("reason", reason))
			return nil
		}

		if strings.EqualFold(j.DryRun, "YES") {
			// the disposable target served its purpose, dry runs never
			// enter dual-write
			now := time.Now()
			return s.transition(ctx, j, constant.JobStatusArchived, map[string]interface{}{
				"end_time": &now,
			})
		}
		return s.transition(ctx, j, constant.JobStatusDualWriteActive, map[string]interface{}{
			"block_reason": "",
		})
	}
	return nil
}

// analyzeAndMap inspects every source, builds the mapping plan, applies the
// target DDL and persists one table mapping per source table.
func (s *Service) analyzeAndMap(ctx context.Context, j *job.MigrationJob, overrides map[string]mapping.Override) error {
	sources, target, release, err := s.openStores(ctx, j)
	if err != nil {
		return err
	}
	defer release()

	var inventories []*structure.Inventory
	for _, name := range stringutil.StringSplit(j.SourceNames, constant.StringSeparatorComma) {
		ds, err := model.GetIDatasourceRW().GetDatasource(ctx, name)
		if err != nil {
			return err
		}
		inv, err := inspect.NewInspector(ds, s.cfg.Verify.SampleSize).InspectDatabase(ctx, sources[name])
		if err != nil {
			return err
		}
		inventories = append(inventories, inv)
	}

	plan, err := mapping.NewMapper(j.JobName, overrides).BuildPlan(inventories)
	if err != nil {
		return err
	}

	for _, ddl := range plan.TargetDDL {
		if _, err = target.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("job [%s] target ddl failed: %v, ddl: %s", j.JobName, err, ddl)
		}
	}
	for _, tm := range plan.TableMappings {
		if _, err = model.GetITableMappingRW().CreateTableMapping(ctx, tm); err != nil {
			return err
		}
	}
	return nil
}

// backfill migrates every table in dependency order: a table never starts
// before the tables it references finish, which is also what lets dependent
// tables read the identifier remap entries without locking. Tables sharing
// one topological position run in parallel up to the table concurrency
// ceiling.
func (s *Service) backfill(ctx context.Context, j *job.MigrationJob) error {
	sources, target, release, err := s.openStores(ctx, j)
	if err != nil {
		return err
	}
	defer release()

	mappings, err := model.GetITableMappingRW().FindTableMappingByStatus(ctx, j.JobName,
		[]string{constant.TableBackfillWaiting, constant.TableBackfillRunning, constant.TableBackfillPartial})
	if err != nil {
		return err
	}

	byOrder := make(map[int][]*modelmapping.TableMapping)
	var orders []int
	for _, tm := range mappings {
		if _, ok := byOrder[tm.MigrateOrder]; !ok {
			orders = append(orders, tm.MigrateOrder)
		}
		byOrder[tm.MigrateOrder] = append(byOrder[tm.MigrateOrder], tm)
	}

	for _, order := range orders {
		g := thread.NewGroup()
		g.SetLimit(s.cfg.Verify.TableConcurrency)

		var failed []thread.Result
		collected := make(chan struct{})
		go func() {
			defer close(collected)
			for res := range g.ResultC {
				failed = append(failed, res)
			}
		}()

		for _, tm := range byOrder[order] {
			g.Go(tm, func(t interface{}) error {
				tm := t.(*modelmapping.TableMapping)
				source, ok := sources[tm.SourceName]
				if !ok {
					return fmt.Errorf("job [%s] table [%s] source [%s] has no open connection", j.JobName, tm.TableNameS, tm.SourceName)
				}
				return s.migrateTable(ctx, j, tm, source, target)
			})
		}
		g.Wait()
		<-collected

		// the whole wave is reported, one broken table must not hide the rest
		if len(failed) > 0 {
			details := make([]string, 0, len(failed))
			for _, res := range failed {
				tm := res.Task.(*modelmapping.TableMapping)
				details = append(details, fmt.Sprintf("table [%s] from [%s]: %v", tm.TableNameS, tm.SourceName, res.Error))
			}
			return fmt.Errorf("job [%s] backfill failed: %s", j.JobName, strings.Join(details, "; "))
		}
	}
	return nil
}

func (s *Service) migrateTable(ctx context.Context, j *job.MigrationJob, tm *modelmapping.TableMapping, source, target database.IDatabase) error {
	cfg := *s.cfg.Batch
	cfg.Progress = func(p batch.Progress) {
		logger.Info("backfill progress",
			zap.String("job", j.JobName),
			zap.String("table_s", tm.TableNameS),
			zap.String("processed", humanize.Comma(int64(p.Processed))),
			zap.String("totals", humanize.Comma(int64(p.Totals))),
			zap.Duration("elapsed", p.Elapsed),
			zap.Duration("eta", p.Remaining))
	}

	migrator, err := processor.NewTableMigrator(j.JobName, tm, source, target, &cfg)
	if err != nil {
		return err
	}
	_, err = migrator.Migrate(ctx)
	return err
}
