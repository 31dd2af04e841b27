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

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/database/verify"
	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model"
	"github.com/consolidb/consolidb/model/job"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
)

// jobTransitions is the forward edge set of the lifecycle state machine.
// FAILED is additionally reachable from every non-terminal state and
// ROLLED_BACK from every state before CUTOVER_COMPLETE.
var jobTransitions = map[string][]string{
	constant.JobStatusPending:         {constant.JobStatusSchemaValidated},
	constant.JobStatusSchemaValidated: {constant.JobStatusBackfilling},
	constant.JobStatusBackfilling:     {constant.JobStatusDualWriteActive, constant.JobStatusArchived},
	constant.JobStatusDualWriteActive: {constant.JobStatusValidating},
	constant.JobStatusValidating:      {constant.JobStatusCutoverReady, constant.JobStatusDualWriteActive},
	constant.JobStatusCutoverReady:    {constant.JobStatusCutoverComplete, constant.JobStatusValidating},
	constant.JobStatusCutoverComplete: {constant.JobStatusArchived},
}

var terminalStates = []string{
	constant.JobStatusArchived,
	constant.JobStatusFailed,
	constant.JobStatusRolledBack,
}

func transitionAllowed(from, to string) bool {
	if to == constant.JobStatusFailed {
		return !stringutil.IsContainedString(terminalStates, from)
	}
	if to == constant.JobStatusRolledBack {
		return !stringutil.IsContainedString(terminalStates, from) && from != constant.JobStatusCutoverComplete
	}
	return stringutil.IsContainedString(jobTransitions[from], to)
}

// transition moves the job to the next state and records a rollback point
// carrying the per-table batch snapshot. Runs inside one metadata
// transaction so a crash can never leave the state and its snapshot apart.
func (s *Service) transition(ctx context.Context, j *job.MigrationJob, next string, updates map[string]interface{}) error {
	if !transitionAllowed(j.JobStatus, next) {
		return fmt.Errorf("job [%s] transition [%s] -> [%s] is not allowed", j.JobName, j.JobStatus, next)
	}
	if updates == nil {
		updates = make(map[string]interface{})
	}
	updates["job_status"] = next

	err := model.Transaction(ctx, func(txnCtx context.Context) error {
		groups, err := model.GetIBatchJobRW().FindBatchJobGroupByStatus(txnCtx, j.JobName)
		if err != nil {
			return err
		}
		if _, err = model.GetIRollbackPointRW().CreateRollbackPoint(txnCtx, &job.RollbackPoint{
			JobName:     j.JobName,
			JobStatus:   next,
			BatchDetail: stringutil.MarshalJSON(groups),
		}); err != nil {
			return err
		}
		_, err = model.GetIMigrationJobRW().UpdateMigrationJob(txnCtx, j.JobName, updates)
		return err
	})
	if err != nil {
		return err
	}

	logger.Info("job state transition",
		zap.String("job", j.JobName),
		zap.String("from", j.JobStatus),
		zap.String("to", next))
	j.JobStatus = next
	return nil
}

// fail records the most specific blocking reason and moves the job to
// FAILED. Used for fatal start errors and rollback completion.
func (s *Service) fail(ctx context.Context, j *job.MigrationJob, reason string) error {
	now := time.Now()
	return s.transition(ctx, j, constant.JobStatusFailed, map[string]interface{}{
		"block_reason": reason,
		"end_time":     &now,
	})
}

// PromoteCutover atomically flips the system of record to target when every
// gate holds; otherwise it reports the most specific blocking reason. The
// flip is preceded by a rollback point so the step itself can be undone.
func (s *Service) PromoteCutover(ctx context.Context, jobName string) (bool, string, error) {
	j, err := model.GetIMigrationJobRW().GetMigrationJob(ctx, jobName)
	if err != nil {
		return false, "", err
	}
	if j == nil || j.JobName == "" {
		return false, "", fmt.Errorf("job [%s] does not exist", jobName)
	}

	// a stale PASS is not good enough to flip the system of record, re-run
	// the battery right before the decision
	if j.JobStatus == constant.JobStatusCutoverReady {
		// a failing battery is not an orchestration error, cutoverBlocked
		// reports the verdict as the blocking reason below
		if _, err = s.runValidation(ctx, jobName, verify.TriggerPreCutover); err != nil &&
			!errors.Is(err, database.ErrValidationFailure) {
			return false, "", err
		}
		if j, err = model.GetIMigrationJobRW().GetMigrationJob(ctx, jobName); err != nil {
			return false, "", err
		}
	}

	if blocked, reason, err := s.cutoverBlocked(ctx, j); err != nil {
		return false, "", err
	} else if blocked {
		if _, uerr := model.GetIMigrationJobRW().UpdateMigrationJob(ctx, jobName, map[string]interface{}{
			"block_reason": reason,
		}); uerr != nil {
			return false, "", uerr
		}
		logger.Warn("cutover blocked", zap.String("job", jobName), zap.String("reason", reason))
		return false, reason, nil
	}

	now := time.Now()
	err = s.transition(ctx, j, constant.JobStatusCutoverComplete, map[string]interface{}{
		"system_of_record": "TARGET",
		"cutover_time":     &now,
		"block_reason":     "",
	})
	if err != nil {
		return false, "", err
	}
	logger.Info("cutover complete", zap.String("job", jobName))
	return true, "", nil
}

func (s *Service) cutoverBlocked(ctx context.Context, j *job.MigrationJob) (bool, string, error) {
	if strings.EqualFold(j.DryRun, "YES") {
		return true, "dry-run job never reaches cutover", nil
	}
	if j.JobStatus != constant.JobStatusCutoverReady {
		return true, fmt.Sprintf("job status is [%s], cutover requires [%s]", j.JobStatus, constant.JobStatusCutoverReady), nil
	}

	rep, err := model.GetIValidationReportRW().GetLastValidationReport(ctx, j.JobName)
	if err != nil {
		return false, "", err
	}
	if rep == nil || rep.ReportID == "" {
		return true, "no validation report exists", nil
	}
	if rep.ReportResult != constant.CheckResultPass {
		return true, fmt.Sprintf("latest validation report [%s] has [%d] failing checks", rep.ReportID, rep.CheckFails), nil
	}

	partials, err := model.GetITableMappingRW().FindTableMappingByStatus(ctx, j.JobName, []string{constant.TableBackfillPartial})
	if err != nil {
		return false, "", err
	}
	if len(partials) > 0 {
		var tables []string
		for _, tm := range partials {
			tables = append(tables, tm.TableNameS)
		}
		return true, fmt.Sprintf("tables %v are PARTIAL, batches exhausted retries", tables), nil
	}

	// dead-lettered rows hold the gate until an operator acknowledges or
	// repairs them
	for _, sourceName := range stringutil.StringSplit(j.SourceNames, constant.StringSeparatorComma) {
		pending, err := model.GetIDeadLetterRowRW().CountDeadLetterRow(ctx, j.JobName, sourceName, "", []string{constant.DeadLetterStatusPending})
		if err != nil {
			return false, "", err
		}
		if pending > 0 {
			return true, fmt.Sprintf("source [%s] has [%d] unacknowledged dead-letter rows", sourceName, pending), nil
		}
	}

	drifts, err := model.GetIDriftEventRW().CountDriftEvent(ctx, j.JobName, constant.DriftStatusPending)
	if err != nil {
		return false, "", err
	}
	if drifts > 0 {
		return true, fmt.Sprintf("[%d] drift events await reconciliation", drifts), nil
	}
	return false, "", nil
}

// Rollback restores source as the system of record and discards the target
// writes made for this job. Always available and lossless before cutover
// because source stays authoritative until the flip.
func (s *Service) Rollback(ctx context.Context, jobName, reason string) error {
	j, err := model.GetIMigrationJobRW().GetMigrationJob(ctx, jobName)
	if err != nil {
		return err
	}
	if j == nil || j.JobName == "" {
		return fmt.Errorf("job [%s] does not exist", jobName)
	}
	if !transitionAllowed(j.JobStatus, constant.JobStatusRolledBack) {
		return fmt.Errorf("job [%s] status [%s] cannot roll back", jobName, j.JobStatus)
	}

	if err = s.discardTargetWrites(ctx, j); err != nil {
		return err
	}

	now := time.Now()
	if err = s.transition(ctx, j, constant.JobStatusRolledBack, map[string]interface{}{
		"system_of_record": "SOURCE",
		"block_reason":     reason,
		"end_time":         &now,
	}); err != nil {
		return err
	}
	logger.Info("job rolled back", zap.String("job", jobName), zap.String("reason", reason))
	return nil
}

// Cancel aborts an in-flight job through the rollback path.
func (s *Service) Cancel(ctx context.Context, jobName string) error {
	return s.Rollback(ctx, jobName, "cancelled by operator")
}

// discardTargetWrites removes this job's rows from the target store. Merged
// tables only lose their own sources' slices.
func (s *Service) discardTargetWrites(ctx context.Context, j *job.MigrationJob) error {
	mappings, err := model.GetITableMappingRW().FindTableMapping(ctx, j.JobName)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		return nil
	}

	_, target, release, err := s.openStores(ctx, j)
	if err != nil {
		return err
	}
	defer release()

	for _, tm := range mappings {
		query := fmt.Sprintf("DELETE FROM %s", target.QuoteIdent(tm.TableNameT))
		if strings.EqualFold(tm.MergeDiscriminator, "YES") {
			query = fmt.Sprintf("%s WHERE %s = %s", query,
				target.QuoteIdent(constant.DefaultDataSourceColumn),
				fmt.Sprintf("'%s'", strings.ReplaceAll(tm.SourceName, "'", "''")))
		}
		if _, err = target.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("job [%s] discard target table [%s] failed: %v", j.JobName, tm.TableNameT, err)
		}
	}
	return nil
}

// Archive moves a completed job to its terminal state once the retention
// window has elapsed.
func (s *Service) Archive(ctx context.Context, jobName string) error {
	j, err := model.GetIMigrationJobRW().GetMigrationJob(ctx, jobName)
	if err != nil {
		return err
	}
	if j == nil || j.JobName == "" {
		return fmt.Errorf("job [%s] does not exist", jobName)
	}
	if j.JobStatus != constant.JobStatusCutoverComplete {
		return fmt.Errorf("job [%s] status [%s] cannot archive, requires [%s]", jobName, j.JobStatus, constant.JobStatusCutoverComplete)
	}
	if j.CutoverTime == nil || time.Since(*j.CutoverTime) < constant.DefaultArchiveRetention {
		return fmt.Errorf("job [%s] retention window has not elapsed", jobName)
	}
	return s.transition(ctx, j, constant.JobStatusArchived, nil)
}
