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
package dualwrite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/model"
	"github.com/consolidb/consolidb/model/datasource"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/model/report"
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

func usersMapping() *modelmapping.TableMapping {
	routes := []modelmapping.ColumnRoute{
		{ColumnNameS: "id", ColumnNameT: "id", TypeS: "INTEGER", TypeT: "BIGINT", Transform: "identity", IsPrimaryKey: true},
		{ColumnNameS: "email", ColumnNameT: "email", TypeS: "TEXT", TypeT: "TEXT", Transform: "identity", Nullable: true},
	}
	return &modelmapping.TableMapping{
		JobName:            "job1",
		SourceName:         "east",
		TableNameS:         "users",
		TableNameT:         "users",
		ColumnDetail:       stringutil.MarshalJSON(routes),
		PrimaryKeyStrategy: constant.PrimaryKeyStrategySurrogate,
		PrimaryKeyColumns:  "id",
		MergeDiscriminator: "YES",
		BackfillStatus:     constant.TableBackfillFinished,
	}
}

func seedStores(t *testing.T, source, target database.IDatabase) {
	mustExec(t, source, `CREATE TABLE users (id INTEGER NOT NULL PRIMARY KEY, email TEXT)`)
	mustExec(t, target, `CREATE TABLE users (
		surrogate_id VARCHAR(36) NOT NULL,
		data_source VARCHAR(300) NOT NULL,
		id BIGINT NOT NULL,
		email TEXT,
		PRIMARY KEY (surrogate_id),
		UNIQUE (data_source, id))`)
}

func upsertOp(id int) *Operation {
	return &Operation{
		TableNameS: "users",
		Kind:       constant.DualWriteOpUpsert,
		Values: map[string]string{
			"id":    fmt.Sprintf("%d", id),
			"email": fmt.Sprintf("u%d@example.com", id),
		},
	}
}

func TestWriteMirrorsToBothStores(t *testing.T) {
	if err := model.CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
	ctx := context.Background()
	source := openSQLite(t, "source")
	target := openSQLite(t, "target")
	seedStores(t, source, target)

	c, err := NewCoordinator("job1", usersMapping(), source, target, time.Second, EventBus.New())
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	for i := 1; i <= 5; i++ {
		if err = c.Write(ctx, upsertOp(i)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if got := countRows(t, source, `SELECT COUNT(1) FROM users`); got != 5 {
		t.Errorf("source rows = %d, want 5", got)
	}
	if got := countRows(t, target, `SELECT COUNT(1) FROM users`); got != 5 {
		t.Errorf("target rows = %d, want 5", got)
	}
	if got := countRows(t, target, `SELECT COUNT(DISTINCT surrogate_id) FROM users`); got != 5 {
		t.Errorf("distinct surrogates = %d, want 5", got)
	}

	// deletes mirror by (data_source, original key)
	if err = c.Write(ctx, &Operation{
		TableNameS: "users",
		Kind:       constant.DualWriteOpDelete,
		Values:     map[string]string{"id": "3"},
	}); err != nil {
		t.Fatalf("delete Write failed: %v", err)
	}
	if got := countRows(t, source, `SELECT COUNT(1) FROM users`); got != 4 {
		t.Errorf("source rows after delete = %d, want 4", got)
	}
	if got := countRows(t, target, `SELECT COUNT(1) FROM users WHERE id = 3`); got != 0 {
		t.Errorf("target still carries the deleted row")
	}
}

func TestTargetFailureNeverFailsTheCaller(t *testing.T) {
	if err := model.CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
	ctx := context.Background()
	source := openSQLite(t, "source")
	target := openSQLite(t, "target")
	// source is usable, the target table is missing so every mirror fails
	mustExec(t, source, `CREATE TABLE users (id INTEGER NOT NULL PRIMARY KEY, email TEXT)`)

	var published int64
	bus := EventBus.New()
	if err := bus.Subscribe(DriftTopic, func(ev *report.DriftEvent) {
		atomic.AddInt64(&published, 1)
	}); err != nil {
		t.Fatalf("bus subscribe failed: %v", err)
	}

	c, err := NewCoordinator("job1", usersMapping(), source, target, time.Second, bus)
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	for i := 1; i <= 10; i++ {
		if err = c.Write(ctx, upsertOp(i)); err != nil {
			t.Fatalf("caller saw a target failure: %v", err)
		}
	}

	if got := countRows(t, source, `SELECT COUNT(1) FROM users`); got != 10 {
		t.Errorf("source rows = %d, want 10", got)
	}
	drifts, err := model.GetIDriftEventRW().CountDriftEvent(ctx, "job1", constant.DriftStatusPending)
	if err != nil {
		t.Fatalf("count drift events failed: %v", err)
	}
	if drifts != 10 {
		t.Errorf("pending drift events = %d, want 10", drifts)
	}
	bus.WaitAsync()
	if got := atomic.LoadInt64(&published); got != 10 {
		t.Errorf("published drift events = %d, want 10", got)
	}
}

func TestReplayReconcilesPendingDrift(t *testing.T) {
	if err := model.CreateEmbeddedDatabaseConnection(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("embedded metadata store failed: %v", err)
	}
	ctx := context.Background()
	source := openSQLite(t, "source")
	target := openSQLite(t, "target")
	mustExec(t, source, `CREATE TABLE users (id INTEGER NOT NULL PRIMARY KEY, email TEXT)`)

	c, err := NewCoordinator("job1", usersMapping(), source, target, time.Second, EventBus.New())
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	for i := 1; i <= 4; i++ {
		if err = c.Write(ctx, upsertOp(i)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	// the target store recovers, replay drains the backlog
	mustExec(t, target, `CREATE TABLE users (
		surrogate_id VARCHAR(36) NOT NULL,
		data_source VARCHAR(300) NOT NULL,
		id BIGINT NOT NULL,
		email TEXT,
		PRIMARY KEY (surrogate_id),
		UNIQUE (data_source, id))`)

	reconciled, err := c.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if reconciled != 4 {
		t.Errorf("reconciled = %d, want 4", reconciled)
	}
	if got := countRows(t, target, `SELECT COUNT(1) FROM users`); got != 4 {
		t.Errorf("target rows after replay = %d, want 4", got)
	}
	drifts, err := model.GetIDriftEventRW().CountDriftEvent(ctx, "job1", constant.DriftStatusPending)
	if err != nil {
		t.Fatalf("count drift events failed: %v", err)
	}
	if drifts != 0 {
		t.Errorf("pending drift events after replay = %d, want 0", drifts)
	}

	// a second replay finds nothing and replayed upserts never double-apply
	reconciled, err = c.Replay(ctx)
	if err != nil {
		t.Fatalf("second Replay failed: %v", err)
	}
	if reconciled != 0 {
		t.Errorf("second replay reconciled = %d, want 0", reconciled)
	}
	if got := countRows(t, target, `SELECT COUNT(1) FROM users`); got != 4 {
		t.Errorf("target rows after second replay = %d, want 4", got)
	}
}
