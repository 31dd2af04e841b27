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
package model

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/consolidb/consolidb/model/batch"
	"github.com/consolidb/consolidb/model/job"
	"github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/model/report"
	"github.com/consolidb/consolidb/utils/constant"
)

// The embedded store migrates every engine table into one sqlite file, so
// each secondary index name has to be unique across tables, not just inside
// its own table. A collision only surfaces here, at AutoMigrate time.
func TestCreateEmbeddedDatabaseConnectionMigratesAllTables(t *testing.T) {
	if err := CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
	ctx := context.Background()
	now := time.Now()

	if _, err := GetIMigrationJobRW().CreateMigrationJob(ctx, &job.MigrationJob{
		JobName:        "job1",
		JobFingerprint: "east->central",
		SourceNames:    "east",
		TargetName:     "central",
		JobStatus:      constant.JobStatusPending,
		DryRun:         "NO",
		SystemOfRecord: "SOURCE",
		StartTime:      &now,
	}); err != nil {
		t.Fatalf("create migration job failed: %v", err)
	}
	if _, err := GetIRollbackPointRW().CreateRollbackPoint(ctx, &job.RollbackPoint{
		JobName:   "job1",
		JobStatus: constant.JobStatusPending,
	}); err != nil {
		t.Fatalf("create rollback point failed: %v", err)
	}
	if _, err := GetITableMappingRW().CreateTableMapping(ctx, &mapping.TableMapping{
		JobName:            "job1",
		SourceName:         "east",
		TableNameS:         "users",
		TableNameT:         "users",
		PrimaryKeyStrategy: constant.PrimaryKeyStrategyPassthrough,
		PrimaryKeyColumns:  "id",
		MergeDiscriminator: "NO",
		BackfillStatus:     constant.TableBackfillWaiting,
	}); err != nil {
		t.Fatalf("create table mapping failed: %v", err)
	}
	if err := GetIBatchJobRW().CreateInBatchBatchJob(ctx, []*batch.BatchJob{{
		JobName:     "job1",
		SourceName:  "east",
		TableNameS:  "users",
		BatchSeq:    1,
		BatchStatus: constant.BatchStatusPending,
	}}, constant.DefaultRecordCreateBatchSize); err != nil {
		t.Fatalf("create batch job failed: %v", err)
	}
	if _, err := GetIValidationReportRW().CreateValidationReport(ctx, &report.ValidationReport{
		JobName:      "job1",
		ReportID:     "r1",
		Trigger:      "ON_DEMAND",
		ReportResult: constant.CheckResultPass,
	}); err != nil {
		t.Fatalf("create validation report failed: %v", err)
	}
	if _, err := GetIDeadLetterRowRW().CreateDeadLetterRow(ctx, &report.DeadLetterRow{
		JobName:      "job1",
		SourceName:   "east",
		TableNameS:   "users",
		RowKey:       "1",
		ErrorReason:  "boom",
		LetterStatus: constant.DeadLetterStatusPending,
	}); err != nil {
		t.Fatalf("create dead letter row failed: %v", err)
	}
	if _, err := GetIDriftEventRW().CreateDriftEvent(ctx, &report.DriftEvent{
		JobName:     "job1",
		TableNameT:  "users",
		Operation:   constant.DualWriteOpUpsert,
		RowKey:      "1",
		Payload:     "{}",
		DriftStatus: constant.DriftStatusPending,
	}); err != nil {
		t.Fatalf("create drift event failed: %v", err)
	}

	j, err := GetIMigrationJobRW().GetMigrationJob(ctx, "job1")
	if err != nil {
		t.Fatalf("get migration job failed: %v", err)
	}
	if j.JobStatus != constant.JobStatusPending {
		t.Errorf("job status = %s, want PENDING", j.JobStatus)
	}
}
