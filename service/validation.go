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
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/database/verify"
	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model"
	"github.com/consolidb/consolidb/model/job"
	"github.com/consolidb/consolidb/model/report"
	"github.com/consolidb/consolidb/utils/constant"
)

// RunValidation runs the full check battery on demand.
func (s *Service) RunValidation(ctx context.Context, jobName string) (*report.ValidationReport, error) {
	return s.runValidation(ctx, jobName, verify.TriggerOnDemand)
}

// runValidation moves the job through VALIDATING, produces a report and
// settles on CUTOVER_READY or back on DUAL_WRITE_ACTIVE depending on the
// verdict. A failing report is a hard gate, the reason lands on the job.
func (s *Service) runValidation(ctx context.Context, jobName, trigger string) (*report.ValidationReport, error) {
	j, err := model.GetIMigrationJobRW().GetMigrationJob(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if j == nil || j.JobName == "" {
		return nil, fmt.Errorf("job [%s] does not exist", jobName)
	}
	switch j.JobStatus {
	case constant.JobStatusDualWriteActive, constant.JobStatusCutoverReady:
		if err = s.transition(ctx, j, constant.JobStatusValidating, nil); err != nil {
			return nil, err
		}
	case constant.JobStatusValidating:
		// resumed mid-validation, re-run the battery
	default:
		return nil, fmt.Errorf("job [%s] status [%s] does not accept validation", jobName, j.JobStatus)
	}

	rep, err := s.produceReport(ctx, j, trigger)
	if err != nil {
		return nil, err
	}

	if rep.ReportResult == constant.CheckResultPass {
		if err = s.transition(ctx, j, constant.JobStatusCutoverReady, map[string]interface{}{
			"last_report_id": rep.ReportID,
			"block_reason":   "",
		}); err != nil {
			return nil, err
		}
		return rep, nil
	}

	if err = s.transition(ctx, j, constant.JobStatusDualWriteActive, map[string]interface{}{
		"last_report_id": rep.ReportID,
		"block_reason":   fmt.Sprintf("validation report [%s] has [%d] failing checks", rep.ReportID, rep.CheckFails),
	}); err != nil {
		return nil, err
	}
	// the report still comes back alongside the sentinel so callers can
	// render the failing checks
	return rep, errors.Wrapf(database.ErrValidationFailure,
		"report [%s] has [%d] failing checks", rep.ReportID, rep.CheckFails)
}

func (s *Service) produceReport(ctx context.Context, j *job.MigrationJob, trigger string) (*report.ValidationReport, error) {
	sources, target, release, err := s.openStores(ctx, j)
	if err != nil {
		return nil, err
	}
	defer release()

	verifier, err := verify.NewVerifier(j.JobName, sources, target, s.cfg.Verify)
	if err != nil {
		return nil, err
	}
	return verifier.Run(ctx, trigger)
}

// Crontab schedules background validation for jobs sitting in the dual-write
// window.
type Crontab struct {
	cron *cron.Cron
	svc  *Service

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewServiceCrontab(svc *Service) *Crontab {
	return &Crontab{
		cron: cron.New(cron.WithLogger(logger.NewCronLogger(logger.GetRootLogger()))),
		svc:  svc,
		entries: make(map[string]cron.EntryID),
	}
}

func (c *Crontab) Start() {
	c.cron.Start()
}

func (c *Crontab) Stop() {
	c.cron.Stop()
}

// Add schedules one job's recurring validation using the configured crontab
// expression. Adding the same job twice is a no-op.
func (c *Crontab) Add(expr, jobName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[jobName]; ok {
		return nil
	}

	entryID, err := c.cron.AddFunc(expr, func() {
		ctx := context.Background()
		j, err := model.GetIMigrationJobRW().GetMigrationJob(ctx, jobName)
		if err != nil {
			logger.Error("scheduled validation job lookup failed", zap.String("job", jobName), zap.Error(err))
			return
		}
		// only the dual-write window wants recurring validation, other states
		// either cannot validate or already passed
		if j.JobStatus != constant.JobStatusDualWriteActive {
			return
		}
		if _, err = c.svc.runValidation(ctx, jobName, verify.TriggerScheduled); err != nil {
			if errors.Is(err, database.ErrValidationFailure) {
				logger.Warn("scheduled validation failed the battery", zap.String("job", jobName), zap.Error(err))
			} else {
				logger.Error("scheduled validation failed", zap.String("job", jobName), zap.Error(err))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("job [%s] crontab expr [%s] schedule failed: %v", jobName, expr, err)
	}
	c.entries[jobName] = entryID
	logger.Info("scheduled validation registered", zap.String("job", jobName), zap.String("crontab", expr))
	return nil
}

// Remove drops the job's schedule, used when the job leaves the dual-write
// window for a terminal state.
func (c *Crontab) Remove(jobName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entryID, ok := c.entries[jobName]; ok {
		c.cron.Remove(entryID)
		delete(c.entries, jobName)
	}
}
