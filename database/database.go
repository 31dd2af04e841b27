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
package database

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/consolidb/consolidb/database/mysql"
	"github.com/consolidb/consolidb/database/postgres"
	"github.com/consolidb/consolidb/database/sqlite"
	"github.com/consolidb/consolidb/model/datasource"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/structure"
)

type IDatabase interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTxn(ctx context.Context) (*sql.Tx, error)
	GeneralQuery(ctx context.Context, query string, args ...any) ([]string, []map[string]string, error)
	PingDatabaseConnection() error
	Close() error
	IDatabaseInspect
	IDatabaseDialect
}

// IDatabaseInspect is the read-only structural surface used by the schema
// analyzer and the validation engine.
type IDatabaseInspect interface {
	GetDatabaseTables(ctx context.Context) ([]string, error)
	GetTableColumns(ctx context.Context, tableName string) ([]structure.Column, error)
	GetTablePrimaryKey(ctx context.Context, tableName string) ([]string, error)
	GetTableForeignKeys(ctx context.Context, tableName string) ([]structure.ForeignKey, error)
	GetTableRows(ctx context.Context, tableName string) (uint64, error)
}

// IDatabaseDialect renders identifier quoting and idempotent upserts in the
// store's own SQL dialect. Upserts are the only write form the engine emits,
// so retries and reconciliation replays are always safe to repeat.
type IDatabaseDialect interface {
	QuoteIdent(name string) string
	// Placeholder renders the 1-based n-th bind parameter marker.
	Placeholder(n int) string
	// UpsertStatement builds an insert that updates all non-key columns when
	// the key columns conflict.
	UpsertStatement(tableName string, columns []string, keyColumns []string) string
}

func NewDatabase(ctx context.Context, ds *datasource.Datasource) (IDatabase, error) {
	switch {
	case strings.EqualFold(ds.DbType, constant.DatabaseTypeMySQL):
		return mysql.NewDatabase(ctx, ds)
	case strings.EqualFold(ds.DbType, constant.DatabaseTypePostgresql):
		return postgres.NewDatabase(ctx, ds)
	case strings.EqualFold(ds.DbType, constant.DatabaseTypeSQLite):
		return sqlite.NewDatabase(ctx, ds)
	default:
		return nil, errors.Errorf("datasource [%s] db type [%s] is not supported", ds.DatasourceName, ds.DbType)
	}
}
