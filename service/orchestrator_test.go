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
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/model"
	"github.com/consolidb/consolidb/model/datasource"
	"github.com/consolidb/consolidb/model/job"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/utils/configutil"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
)

func TestTransitionAllowed(t *testing.T) {
	cases := []struct {
		from string
		to   string
		want bool
	}{
		{constant.JobStatusPending, constant.JobStatusSchemaValidated, true},
		{constant.JobStatusSchemaValidated, constant.JobStatusBackfilling, true},
		{constant.JobStatusBackfilling, constant.JobStatusDualWriteActive, true},
		{constant.JobStatusBackfilling, constant.JobStatusArchived, true},
		{constant.JobStatusDualWriteActive, constant.JobStatusValidating, true},
		{constant.JobStatusValidating, constant.JobStatusCutoverReady, true},
		{constant.JobStatusValidating, constant.JobStatusDualWriteActive, true},
		{constant.JobStatusCutoverReady, constant.JobStatusCutoverComplete, true},
		{constant.JobStatusCutoverReady, constant.JobStatusValidating, true},
		{constant.JobStatusCutoverComplete, constant.JobStatusArchived, true},

		{constant.JobStatusPending, constant.JobStatusBackfilling, false},
		{constant.JobStatusPending, constant.JobStatusCutoverComplete, false},
		{constant.JobStatusBackfilling, constant.JobStatusCutoverReady, false},
		{constant.JobStatusCutoverComplete, constant.JobStatusDualWriteActive, false},

		// FAILED is reachable from every non-terminal state
		{constant.JobStatusPending, constant.JobStatusFailed, true},
		{constant.JobStatusDualWriteActive, constant.JobStatusFailed, true},
		{constant.JobStatusArchived, constant.JobStatusFailed, false},
		{constant.JobStatusRolledBack, constant.JobStatusFailed, false},

		// ROLLED_BACK is reachable before cutover completes, never after
		{constant.JobStatusBackfilling, constant.JobStatusRolledBack, true},
		{constant.JobStatusDualWriteActive, constant.JobStatusRolledBack, true},
		{constant.JobStatusCutoverReady, constant.JobStatusRolledBack, true},
		{constant.JobStatusCutoverComplete, constant.JobStatusRolledBack, false},
		{constant.JobStatusArchived, constant.JobStatusRolledBack, false},
	}
	for _, c := range cases {
		if got := transitionAllowed(c.from, c.to); got != c.want {
			t.Errorf("transitionAllowed(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestJobFingerprint(t *testing.T) {
	a := jobFingerprint([]string{"east", "west"}, "central")
	b := jobFingerprint([]string{"WEST", "East"}, "Central")
	if a != b {
		t.Errorf("fingerprint is order or case sensitive: %q vs %q", a, b)
	}
	c := jobFingerprint([]string{"east"}, "central")
	if a == c {
		t.Errorf("different source sets share a fingerprint: %q", a)
	}
}

func testService(t *testing.T) *Service {
	t.Helper()
	if err := model.CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
	return NewService(configutil.DefaultConfig())
}

func registerSQLite(t *testing.T, name string) database.IDatabase {
	t.Helper()
	ctx := context.Background()
	ds := &datasource.Datasource{
		DatasourceName: name,
		DbType:         constant.DatabaseTypeSQLite,
		FilePath:       filepath.Join(t.TempDir(), name+".db"),
	}
	if _, err := model.GetIDatasourceRW().CreateDatasource(ctx, ds); err != nil {
		t.Fatalf("register datasource failed: %v", err)
	}
	db, err := database.NewDatabase(ctx, ds)
	if err != nil {
		t.Fatalf("open sqlite [%s] failed: %v", name, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createJobAt(t *testing.T, svc *Service, status string) *job.MigrationJob {
	t.Helper()
	now := time.Now()
	j, err := model.GetIMigrationJobRW().CreateMigrationJob(context.Background(), &job.MigrationJob{
		JobName:        "job1",
		JobFingerprint: jobFingerprint([]string{"east"}, "central"),
		SourceNames:    "east",
		TargetName:     "central",
		JobStatus:      status,
		DryRun:         "NO",
		SystemOfRecord: "SOURCE",
		StartTime:      &now,
	})
	if err != nil {
		t.Fatalf("create job failed: %v", err)
	}
	return j
}

func TestCancelDuringDualWriteRollsBack(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	registerSQLite(t, "east")
	target := registerSQLite(t, "central")
	createJobAt(t, svc, constant.JobStatusDualWriteActive)

	routes := []modelmapping.ColumnRoute{
		{ColumnNameS: "id", ColumnNameT: "id", Transform: "identity", IsPrimaryKey: true},
	}
	if _, err := model.GetITableMappingRW().CreateTableMapping(ctx, &modelmapping.TableMapping{
		JobName:            "job1",
		SourceName:         "east",
		TableNameS:         "users",
		TableNameT:         "users",
		ColumnDetail:       stringutil.MarshalJSON(routes),
		PrimaryKeyStrategy: constant.PrimaryKeyStrategyPassthrough,
		PrimaryKeyColumns:  "id",
		MergeDiscriminator: "NO",
		BackfillStatus:     constant.TableBackfillFinished,
	}); err != nil {
		t.Fatalf("create mapping failed: %v", err)
	}

	if _, err := target.ExecContext(ctx, `CREATE TABLE users (id TEXT NOT NULL PRIMARY KEY)`); err != nil {
		t.Fatalf("create target table failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := target.ExecContext(ctx, `INSERT INTO users (id) VALUES (?)`, fmt.Sprintf("u-%d", i)); err != nil {
			t.Fatalf("seed target failed: %v", err)
		}
	}

	if err := svc.Cancel(ctx, "job1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	j, err := model.GetIMigrationJobRW().GetMigrationJob(ctx, "job1")
	if err != nil {
		t.Fatalf("get job failed: %v", err)
	}
	if j.JobStatus != constant.JobStatusRolledBack {
		t.Errorf("job status = %s, want ROLLED_BACK", j.JobStatus)
	}
	if j.SystemOfRecord != "SOURCE" {
		t.Errorf("system of record = %s, want SOURCE", j.SystemOfRecord)
	}
	if !strings.Contains(j.BlockReason, "cancelled") {
		t.Errorf("block reason = %q, want the cancel cause", j.BlockReason)
	}

	_, rows, err := target.GeneralQuery(ctx, `SELECT COUNT(1) AS n FROM users`)
	if err != nil {
		t.Fatalf("target count failed: %v", err)
	}
	if rows[0]["n"] != "0" {
		t.Errorf("target rows after rollback = %s, want 0", rows[0]["n"])
	}
}

func TestRollbackRefusedAfterCutoverComplete(t *testing.T) {
	svc := testService(t)
	createJobAt(t, svc, constant.JobStatusCutoverComplete)
	if err := svc.Rollback(context.Background(), "job1", "too late"); err == nil {
		t.Fatal("rollback after cutover should be refused")
	}
}

func TestPromoteCutoverBlockedForDryRun(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	j := createJobAt(t, svc, constant.JobStatusBackfilling)
	if _, err := model.GetIMigrationJobRW().UpdateMigrationJob(ctx, j.JobName, map[string]interface{}{
		"dry_run": "YES",
	}); err != nil {
		t.Fatalf("update job failed: %v", err)
	}

	promoted, reason, err := svc.PromoteCutover(ctx, "job1")
	if err != nil {
		t.Fatalf("PromoteCutover failed: %v", err)
	}
	if promoted {
		t.Fatal("dry-run job must never cut over")
	}
	if !strings.Contains(reason, "dry-run") {
		t.Errorf("block reason = %q, want the dry-run cause", reason)
	}
}

func TestArchiveRequiresRetentionWindow(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	j := createJobAt(t, svc, constant.JobStatusCutoverComplete)
	now := time.Now()
	if _, err := model.GetIMigrationJobRW().UpdateMigrationJob(ctx, j.JobName, map[string]interface{}{
		"cutover_time": &now,
	}); err != nil {
		t.Fatalf("update job failed: %v", err)
	}
	if err := svc.Archive(ctx, "job1"); err == nil {
		t.Fatal("archive inside the retention window should be refused")
	}

	elapsed := now.Add(-constant.DefaultArchiveRetention - time.Hour)
	if _, err := model.GetIMigrationJobRW().UpdateMigrationJob(ctx, j.JobName, map[string]interface{}{
		"cutover_time": &elapsed,
	}); err != nil {
		t.Fatalf("update job failed: %v", err)
	}
	if err := svc.Archive(ctx, "job1"); err != nil {
		t.Fatalf("archive after retention failed: %v", err)
	}
	archived, err := model.GetIMigrationJobRW().GetMigrationJob(ctx, "job1")
	if err != nil {
		t.Fatalf("get job failed: %v", err)
	}
	if archived.JobStatus != constant.JobStatusArchived {
		t.Errorf("job status = %s, want ARCHIVED", archived.JobStatus)
	}
}
