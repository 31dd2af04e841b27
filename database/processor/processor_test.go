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
package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/consolidb/consolidb/batch"
	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/database/inspect"
	"github.com/consolidb/consolidb/database/mapping"
	"github.com/consolidb/consolidb/model"
	"github.com/consolidb/consolidb/model/datasource"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
	"github.com/consolidb/consolidb/utils/structure"
)

func testBatchConfig() *batch.Config {
	return &batch.Config{
		BatchSize:         8,
		MaxRetries:        1,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		ConcurrencyLimit:  2,
	}
}

func openSQLite(t *testing.T, name string) (*datasource.Datasource, database.IDatabase) {
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
	return ds, db
}

func mustExec(t *testing.T, db database.IDatabase, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec failed: %v\n%s", err, query)
	}
}

func countRows(t *testing.T, db database.IDatabase, query string) int {
	t.Helper()
	_, rows, err := db.GeneralQuery(context.Background(), query)
	if err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	var n int
	for _, r := range rows {
		for _, v := range r {
			fmt.Sscanf(v, "%d", &n)
		}
	}
	return n
}

// seedSource builds one regional store: users with integer keys that collide
// across regions, orders referencing them, and malformed amounts in the east
// region only.
func seedSource(t *testing.T, db database.IDatabase, region string, users, orders, malformed int) {
	mustExec(t, db, `CREATE TABLE users (id INTEGER NOT NULL PRIMARY KEY, email TEXT NOT NULL)`)
	mustExec(t, db, `CREATE TABLE orders (
		id TEXT NOT NULL PRIMARY KEY,
		user_id INTEGER NOT NULL,
		amount DECIMAL(10,2),
		FOREIGN KEY (user_id) REFERENCES users(id))`)

	for i := 1; i <= users; i++ {
		mustExec(t, db, `INSERT INTO users (id, email) VALUES (?, ?)`, i, fmt.Sprintf("u%d@%s.example", i, region))
	}
	for i := 1; i <= orders; i++ {
		amount := fmt.Sprintf("%d.50", i)
		if i <= malformed {
			amount = "not-a-number"
		}
		mustExec(t, db, `INSERT INTO orders (id, user_id, amount) VALUES (?, ?, ?)`,
			fmt.Sprintf("%s-%03d", region, i), i%users+1, amount)
	}
}

func buildPlan(t *testing.T, inventories []*structure.Inventory) *mapping.Plan {
	t.Helper()
	plan, err := mapping.NewMapper("job1", nil).BuildPlan(inventories)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	return plan
}

func TestMigrateMergedSourcesEndToEnd(t *testing.T) {
	if err := model.CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
	ctx := context.Background()

	eastDS, east := openSQLite(t, "east")
	westDS, west := openSQLite(t, "west")
	_, target := openSQLite(t, "target")

	seedSource(t, east, "east", 5, 20, 3)
	seedSource(t, west, "west", 5, 10, 0)

	eastInv, err := inspect.NewInspector(eastDS, 5).InspectDatabase(ctx, east)
	if err != nil {
		t.Fatalf("east inspect failed: %v", err)
	}
	westInv, err := inspect.NewInspector(westDS, 5).InspectDatabase(ctx, west)
	if err != nil {
		t.Fatalf("west inspect failed: %v", err)
	}

	plan := buildPlan(t, []*structure.Inventory{eastInv, westInv})
	for _, ddl := range plan.TargetDDL {
		mustExec(t, target, ddl)
	}

	sources := map[string]database.IDatabase{"east": east, "west": west}
	mappings := plan.TableMappings
	sort.SliceStable(mappings, func(i, j int) bool { return mappings[i].MigrateOrder < mappings[j].MigrateOrder })
	for _, tm := range mappings {
		if _, err = model.GetITableMappingRW().CreateTableMapping(ctx, tm); err != nil {
			t.Fatalf("persist mapping failed: %v", err)
		}
	}

	for _, tm := range mappings {
		migrator, err := NewTableMigrator("job1", tm, sources[tm.SourceName], target, testBatchConfig())
		if err != nil {
			t.Fatalf("table [%s] migrator failed: %v", tm.TableNameS, err)
		}
		summary, err := migrator.Migrate(ctx)
		if err != nil {
			t.Fatalf("table [%s] migrate failed: %v", tm.TableNameS, err)
		}
		if summary.Exhausted != 0 {
			t.Fatalf("table [%s] exhausted batches: %+v", tm.TableNameS, summary.Failures)
		}
	}

	// merged users keep both regions under surrogate keys
	if got := countRows(t, target, `SELECT COUNT(1) FROM users`); got != 10 {
		t.Errorf("target users = %d, want 10", got)
	}
	if got := countRows(t, target, `SELECT COUNT(DISTINCT surrogate_id) FROM users`); got != 10 {
		t.Errorf("distinct surrogate keys = %d, want 10", got)
	}
	eastRemaps, err := model.GetIIdentifierRemapRW().FindIdentifierRemap(ctx, "job1", "east", "users")
	if err != nil {
		t.Fatalf("find remaps failed: %v", err)
	}
	if len(eastRemaps) != 5 {
		t.Errorf("east users remap entries = %d, want 5", len(eastRemaps))
	}

	// malformed rows are dead-lettered, never migrated, never block the page
	if got := countRows(t, target, `SELECT COUNT(1) FROM orders`); got != 27 {
		t.Errorf("target orders = %d, want 27 (30 source rows minus 3 malformed)", got)
	}
	deadLetters, err := model.GetIDeadLetterRowRW().CountDeadLetterRow(ctx, "job1", "east", "orders",
		[]string{constant.DeadLetterStatusPending})
	if err != nil {
		t.Fatalf("count dead letters failed: %v", err)
	}
	if deadLetters != 3 {
		t.Errorf("pending dead letters = %d, want 3", deadLetters)
	}

	// every migrated order points at an existing surrogate parent
	if got := countRows(t, target, `SELECT COUNT(1) FROM orders o LEFT JOIN users u ON o.user_id = u.surrogate_id WHERE u.surrogate_id IS NULL`); got != 0 {
		t.Errorf("orphaned orders on target = %d, want 0", got)
	}

	finished, err := model.GetITableMappingRW().FindTableMappingByStatus(ctx, "job1", []string{constant.TableBackfillFinished})
	if err != nil {
		t.Fatalf("find finished mappings failed: %v", err)
	}
	if len(finished) != len(mappings) {
		t.Errorf("finished mappings = %d, want %d", len(finished), len(mappings))
	}
}

func TestDeadLetterUnderParallelPages(t *testing.T) {
	if err := model.CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
	ctx := context.Background()

	_, east := openSQLite(t, "east")
	_, target := openSQLite(t, "target")

	// a keyed table without remap columns backfills unordered, so pages
	// dead-letter from parallel goroutines
	mustExec(t, east, `CREATE TABLE payments (id TEXT NOT NULL PRIMARY KEY, amount DECIMAL(10,2))`)
	mustExec(t, target, `CREATE TABLE payments (id TEXT NOT NULL PRIMARY KEY, amount DECIMAL(38,9))`)
	for i := 1; i <= 80; i++ {
		amount := fmt.Sprintf("%d.75", i)
		if i%2 == 1 {
			amount = "not-a-number"
		}
		mustExec(t, east, `INSERT INTO payments (id, amount) VALUES (?, ?)`, fmt.Sprintf("p-%03d", i), amount)
	}

	routes := []modelmapping.ColumnRoute{
		{ColumnNameS: "id", ColumnNameT: "id", TypeS: "TEXT", TypeT: "TEXT", Transform: "identity", IsPrimaryKey: true},
		{ColumnNameS: "amount", ColumnNameT: "amount", TypeS: "DECIMAL(10,2)", TypeT: "DECIMAL(38,9)", Transform: "decimal", Nullable: true},
	}
	tm := &modelmapping.TableMapping{
		JobName:            "job1",
		SourceName:         "east",
		TableNameS:         "payments",
		TableNameT:         "payments",
		ColumnDetail:       stringutil.MarshalJSON(routes),
		PrimaryKeyStrategy: constant.PrimaryKeyStrategyPassthrough,
		PrimaryKeyColumns:  "id",
		MergeDiscriminator: "NO",
		BackfillStatus:     constant.TableBackfillWaiting,
	}
	if _, err := model.GetITableMappingRW().CreateTableMapping(ctx, tm); err != nil {
		t.Fatalf("persist mapping failed: %v", err)
	}

	cfg := &batch.Config{
		BatchSize:         2,
		MaxRetries:        0,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		ConcurrencyLimit:  8,
	}
	migrator, err := NewTableMigrator("job1", tm, east, target, cfg)
	if err != nil {
		t.Fatalf("migrator failed: %v", err)
	}
	summary, err := migrator.Migrate(ctx)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if summary.Exhausted != 0 {
		t.Fatalf("exhausted batches: %+v", summary.Failures)
	}

	if got := countRows(t, target, `SELECT COUNT(1) FROM payments`); got != 40 {
		t.Errorf("target rows = %d, want the 40 well-formed ones", got)
	}
	letters, err := model.GetIDeadLetterRowRW().FindDeadLetterRow(ctx, "job1", "east", "payments")
	if err != nil {
		t.Fatalf("find dead letters failed: %v", err)
	}
	if len(letters) != 40 {
		t.Fatalf("dead letter rows = %d, want 40 with no duplicates", len(letters))
	}
	keys := make(map[string]bool, len(letters))
	for _, l := range letters {
		if keys[l.RowKey] {
			t.Errorf("row [%s] dead-lettered twice", l.RowKey)
		}
		keys[l.RowKey] = true
	}
}

func TestMigrateIsIdempotentAcrossReruns(t *testing.T) {
	if err := model.CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
	ctx := context.Background()

	eastDS, east := openSQLite(t, "east")
	westDS, west := openSQLite(t, "west")
	_, target := openSQLite(t, "target")

	seedSource(t, east, "east", 5, 0, 0)
	seedSource(t, west, "west", 5, 0, 0)

	eastInv, err := inspect.NewInspector(eastDS, 5).InspectDatabase(ctx, east)
	if err != nil {
		t.Fatalf("east inspect failed: %v", err)
	}
	westInv, err := inspect.NewInspector(westDS, 5).InspectDatabase(ctx, west)
	if err != nil {
		t.Fatalf("west inspect failed: %v", err)
	}
	plan := buildPlan(t, []*structure.Inventory{eastInv, westInv})
	for _, ddl := range plan.TargetDDL {
		mustExec(t, target, ddl)
	}

	var eastUsers *modelmapping.TableMapping
	for _, tm := range plan.TableMappings {
		if _, err = model.GetITableMappingRW().CreateTableMapping(ctx, tm); err != nil {
			t.Fatalf("persist mapping failed: %v", err)
		}
		if tm.SourceName == "east" && tm.TableNameS == "users" {
			eastUsers = tm
		}
	}

	run := func() {
		migrator, err := NewTableMigrator("job1", eastUsers, east, target, testBatchConfig())
		if err != nil {
			t.Fatalf("migrator failed: %v", err)
		}
		if _, err = migrator.Migrate(ctx); err != nil {
			t.Fatalf("migrate failed: %v", err)
		}
	}
	run()

	firstKeys := make(map[string]string)
	remaps, err := model.GetIIdentifierRemapRW().FindIdentifierRemap(ctx, "job1", "east", "users")
	if err != nil {
		t.Fatalf("find remaps failed: %v", err)
	}
	for _, r := range remaps {
		firstKeys[r.OldKey] = r.NewKey
	}

	// a rerun of the same table reuses the persisted surrogate keys and
	// upserts instead of duplicating
	run()

	if got := countRows(t, target, `SELECT COUNT(1) FROM users WHERE data_source = 'east'`); got != 5 {
		t.Errorf("east rows after rerun = %d, want 5", got)
	}
	remaps, err = model.GetIIdentifierRemapRW().FindIdentifierRemap(ctx, "job1", "east", "users")
	if err != nil {
		t.Fatalf("find remaps failed: %v", err)
	}
	if len(remaps) != 5 {
		t.Fatalf("remap entries after rerun = %d, want 5", len(remaps))
	}
	for _, r := range remaps {
		if firstKeys[r.OldKey] != r.NewKey {
			t.Errorf("old key [%s] surrogate changed across reruns: %s -> %s", r.OldKey, firstKeys[r.OldKey], r.NewKey)
		}
	}
}
