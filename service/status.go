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

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/consolidb/consolidb/model"
	modelbatch "github.com/consolidb/consolidb/model/batch"
	"github.com/consolidb/consolidb/model/job"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/model/report"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
)

// JobStatus is the operator-facing snapshot of one job: lifecycle state,
// per-table backfill progress, outstanding repair work and the last
// validation verdict.
type JobStatus struct {
	Job          *job.MigrationJob          `json:"job"`
	Tables       []*modelmapping.TableMapping `json:"tables"`
	BatchGroups  []*modelbatch.BatchGroupStatusResult `json:"batchGroups"`
	LastReport   *report.ValidationReport   `json:"lastReport"`
	DeadLetters  int64                      `json:"deadLetters"`
	DriftEvents  int64                      `json:"driftEvents"`
}

func (s *JobStatus) String() string {
	return stringutil.MarshalJSON(s)
}

// GetJobStatus assembles the snapshot purely from the metadata store.
func (s *Service) GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	j, err := model.GetIMigrationJobRW().GetMigrationJob(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if j == nil || j.JobName == "" {
		return nil, fmt.Errorf("job [%s] does not exist", jobName)
	}

	tables, err := model.GetITableMappingRW().FindTableMapping(ctx, jobName)
	if err != nil {
		return nil, err
	}
	groups, err := model.GetIBatchJobRW().FindBatchJobGroupByStatus(ctx, jobName)
	if err != nil {
		return nil, err
	}
	rep, err := model.GetIValidationReportRW().GetLastValidationReport(ctx, jobName)
	if err != nil {
		return nil, err
	}
	deadLetters, err := model.GetIDeadLetterRowRW().CountDeadLetterRow(ctx, jobName, "", "", []string{constant.DeadLetterStatusPending})
	if err != nil {
		return nil, err
	}
	drifts, err := model.GetIDriftEventRW().CountDriftEvent(ctx, jobName, constant.DriftStatusPending)
	if err != nil {
		return nil, err
	}
	if rep != nil && rep.ReportID == "" {
		rep = nil
	}
	return &JobStatus{
		Job:         j,
		Tables:      tables,
		BatchGroups: groups,
		LastReport:  rep,
		DeadLetters: deadLetters,
		DriftEvents: drifts,
	}, nil
}

// Render formats the snapshot for terminal output.
func (s *JobStatus) Render() string {
	j := s.Job

	jobT := table.NewWriter()
	jobT.SetStyle(table.StyleLight)
	jobT.AppendHeader(table.Row{"Job", "Status", "Dry Run", "System Of Record", "Sources", "Target", "Block Reason"})
	jobT.AppendRow(table.Row{j.JobName, j.JobStatus, j.DryRun, j.SystemOfRecord, j.SourceNames, j.TargetName, j.BlockReason})

	succeeded := make(map[string]int64)
	totals := make(map[string]int64)
	for _, g := range s.BatchGroups {
		totals[g.TableNameS] += g.StatusCounts
		if g.BatchStatus == constant.BatchStatusSucceeded {
			succeeded[g.TableNameS] += g.StatusCounts
		}
	}

	tableT := table.NewWriter()
	tableT.SetStyle(table.StyleLight)
	tableT.AppendHeader(table.Row{"Source", "Table", "Target Table", "PK Strategy", "Merged", "Order", "Backfill", "Batches", "Duration(s)"})
	for _, tm := range s.Tables {
		tableT.AppendRow(table.Row{
			tm.SourceName,
			tm.TableNameS,
			tm.TableNameT,
			tm.PrimaryKeyStrategy,
			tm.MergeDiscriminator,
			tm.MigrateOrder,
			tm.BackfillStatus,
			fmt.Sprintf("%d/%d", succeeded[tm.TableNameS], totals[tm.TableNameS]),
			fmt.Sprintf("%.2f", tm.Duration),
		})
	}

	out := stringutil.StringBuilder(jobT.Render(), "\n", tableT.Render(), "\n")

	if s.LastReport != nil {
		repT := table.NewWriter()
		repT.SetStyle(table.StyleLight)
		repT.AppendHeader(table.Row{"Report", "Trigger", "Result", "Checks", "Fails", "Duration(s)"})
		repT.AppendRow(table.Row{
			s.LastReport.ReportID,
			s.LastReport.Trigger,
			s.LastReport.ReportResult,
			s.LastReport.CheckTotals,
			s.LastReport.CheckFails,
			fmt.Sprintf("%.2f", s.LastReport.Duration),
		})
		out = stringutil.StringBuilder(out, repT.Render(), "\n")
	}

	out = stringutil.StringBuilder(out,
		fmt.Sprintf("pending dead-letter rows: %d, pending drift events: %d\n", s.DeadLetters, s.DriftEvents))
	return out
}
