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
	"path/filepath"
	"testing"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/model"
	"github.com/consolidb/consolidb/model/datasource"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
)

func openSQLite(t *testing.T, name string) database.IDatabase {
	t.Helper()
	ds := &datasource.Datasource{
		DatasourceName: name,
		DbType:         constant.DatabaseTypeSQLite,
		FilePath:       filepath.Join(t.TempDir(), name+".db"),
	}
	db, err := database.NewDatabase(context.Background(), ds)
	if err != nil {
		t.Fatalf("open sqlite [%s] failed: %v", name, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustExec(t *testing.T, db database.IDatabase, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec failed: %v\n%s", err, query)
	}
}

// seedVerifiable builds matching source and target orders tables, the target
// as a faithful backfill of the source.
func seedVerifiable(t *testing.T, source, target database.IDatabase, rows int) {
	mustExec(t, source, `CREATE TABLE orders (id TEXT NOT NULL PRIMARY KEY, amount DECIMAL(10,2), meta JSON)`)
	mustExec(t, target, `CREATE TABLE orders (id TEXT NOT NULL PRIMARY KEY, amount DECIMAL(38,9), meta JSON)`)
	for i := 1; i <= rows; i++ {
		id := fmt.Sprintf("o-%03d", i)
		amount := fmt.Sprintf("%d.25", i)
		meta := fmt.Sprintf(`{"seq":%d}`, i)
		mustExec(t, source, `INSERT INTO orders (id, amount, meta) VALUES (?, ?, ?)`, id, amount, meta)
		mustExec(t, target, `INSERT INTO orders (id, amount, meta) VALUES (?, ?, ?)`, id, amount, meta)
	}
}

func ordersMapping(t *testing.T) *modelmapping.TableMapping {
	t.Helper()
	routes := []modelmapping.ColumnRoute{
		{ColumnNameS: "id", ColumnNameT: "id", TypeS: "TEXT", TypeT: "TEXT", Transform: "identity", IsPrimaryKey: true},
		{ColumnNameS: "amount", ColumnNameT: "amount", TypeS: "DECIMAL(10,2)", TypeT: "DECIMAL(38,9)", Transform: "decimal", Nullable: true},
		{ColumnNameS: "meta", ColumnNameT: "meta", TypeS: "JSON", TypeT: "JSON", Transform: "json", Nullable: true},
	}
	tm := &modelmapping.TableMapping{
		JobName:            "job1",
		SourceName:         "east",
		TableNameS:         "orders",
		TableNameT:         "orders",
		ColumnDetail:       stringutil.MarshalJSON(routes),
		PrimaryKeyStrategy: constant.PrimaryKeyStrategyPassthrough,
		PrimaryKeyColumns:  "id",
		MergeDiscriminator: "NO",
		BackfillStatus:     constant.TableBackfillFinished,
	}
	if _, err := model.GetITableMappingRW().CreateTableMapping(context.Background(), tm); err != nil {
		t.Fatalf("persist mapping failed: %v", err)
	}
	return tm
}

func failedCategories(t *testing.T, reportID string) map[string]bool {
	t.Helper()
	failed, err := model.GetICheckResultRW().FindFailedCheckResult(context.Background(), reportID)
	if err != nil {
		t.Fatalf("find failed checks failed: %v", err)
	}
	categories := make(map[string]bool)
	for _, r := range failed {
		categories[r.Category] = true
	}
	return categories
}

func TestRunPassesOnFaithfulBackfill(t *testing.T) {
	if err := model.CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
	ctx := context.Background()
	source := openSQLite(t, "east")
	target := openSQLite(t, "target")
	seedVerifiable(t, source, target, 10)
	ordersMapping(t)

	v, err := NewVerifier("job1", map[string]database.IDatabase{"east": source}, target, &Config{
		Epsilon:          "0.01",
		SampleSize:       10,
		TableConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}

	rep, err := v.Run(ctx, TriggerOnDemand)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.ReportResult != constant.CheckResultPass {
		failed, _ := model.GetICheckResultRW().FindFailedCheckResult(ctx, rep.ReportID)
		t.Fatalf("report = %s with %d fails: %+v", rep.ReportResult, rep.CheckFails, failed)
	}
	if rep.CheckTotals != 5 {
		t.Errorf("check totals = %d, want the full battery of 5", rep.CheckTotals)
	}
	if rep.Trigger != TriggerOnDemand {
		t.Errorf("trigger = %s, want ON_DEMAND", rep.Trigger)
	}
}

func TestRunFailsWhenTargetDropsARow(t *testing.T) {
	if err := model.CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
	ctx := context.Background()
	source := openSQLite(t, "east")
	target := openSQLite(t, "target")
	seedVerifiable(t, source, target, 10)
	ordersMapping(t)

	mustExec(t, target, `DELETE FROM orders WHERE id = 'o-004'`)

	v, err := NewVerifier("job1", map[string]database.IDatabase{"east": source}, target, &Config{
		Epsilon:          "0.01",
		SampleSize:       10,
		TableConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	rep, err := v.Run(ctx, TriggerScheduled)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.ReportResult != constant.CheckResultFail {
		t.Fatalf("report = %s, want FAIL", rep.ReportResult)
	}
	categories := failedCategories(t, rep.ReportID)
	if !categories[constant.CheckCategoryRowCount] {
		t.Errorf("failing categories = %v, want ROW_COUNT_PARITY among them", categories)
	}
}

func TestConservationEpsilonToleratesRoundingOnly(t *testing.T) {
	if err := model.CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
	ctx := context.Background()
	source := openSQLite(t, "east")
	target := openSQLite(t, "target")
	seedVerifiable(t, source, target, 10)
	ordersMapping(t)

	// a sub-epsilon drift on one amount: conservation stays inside the
	// tolerance while field-level sample comparison still surfaces it
	mustExec(t, target, `UPDATE orders SET amount = '4.251' WHERE id = 'o-004'`)

	v, err := NewVerifier("job1", map[string]database.IDatabase{"east": source}, target, &Config{
		Epsilon:          "0.01",
		SampleSize:       10,
		TableConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	rep, err := v.Run(ctx, TriggerPreCutover)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	categories := failedCategories(t, rep.ReportID)
	if categories[constant.CheckCategoryRowCount] {
		t.Errorf("row count parity should hold: %v", categories)
	}
	if categories[constant.CheckCategoryConservation] {
		t.Errorf("sub-epsilon delta must not fail conservation: %v", categories)
	}
	if !categories[constant.CheckCategorySample] {
		t.Errorf("sample equivalence should surface the drifted field: %v", categories)
	}

	// a drift beyond epsilon fails conservation outright
	mustExec(t, target, `UPDATE orders SET amount = '104.25' WHERE id = 'o-005'`)
	rep, err = v.Run(ctx, TriggerPreCutover)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	categories = failedCategories(t, rep.ReportID)
	if !categories[constant.CheckCategoryConservation] {
		t.Errorf("over-epsilon delta must fail conservation: %v", categories)
	}
}
