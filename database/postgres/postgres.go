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
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/consolidb/consolidb/model/datasource"
	"github.com/consolidb/consolidb/utils/structure"
)

const (
	PostgresDatabaseMaxIdleConn     = 64
	PostgresDatabaseMaxConn         = 256
	PostgresDatabaseConnMaxLifeTime = 300 * time.Second
	PostgresDatabaseConnMaxIdleTime = 200 * time.Second
)

type Database struct {
	Ctx    context.Context
	DbName string
	DBConn *sql.DB
}

func NewDatabase(ctx context.Context, ds *datasource.Datasource) (*Database, error) {
	connectParams := ds.ConnectParams
	if strings.EqualFold(connectParams, "") {
		connectParams = "sslmode=disable"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		ds.Username, ds.Password, ds.Host, ds.Port, ds.DbName, connectParams)

	pgDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error on open postgres database connection: %v", err)
	}

	pgDB.SetMaxIdleConns(PostgresDatabaseMaxIdleConn)
	pgDB.SetMaxOpenConns(PostgresDatabaseMaxConn)
	pgDB.SetConnMaxLifetime(PostgresDatabaseConnMaxLifeTime)
	pgDB.SetConnMaxIdleTime(PostgresDatabaseConnMaxIdleTime)

	if err = pgDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("error on ping postgres database connection: %v", err)
	}
	return &Database{Ctx: ctx, DbName: ds.DbName, DBConn: pgDB}, nil
}

func (d *Database) PingDatabaseConnection() error {
	err := d.DBConn.Ping()
	if err != nil {
		return fmt.Errorf("database ping failed, database error: [%v]", err)
	}
	return nil
}

func (d *Database) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.DBConn.QueryContext(ctx, query, args...)
}

func (d *Database) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.DBConn.ExecContext(ctx, query, args...)
}

func (d *Database) BeginTxn(ctx context.Context) (*sql.Tx, error) {
	return d.DBConn.BeginTx(ctx, nil)
}

func (d *Database) Close() error {
	return d.DBConn.Close()
}

func (d *Database) GeneralQuery(ctx context.Context, query string, args ...any) ([]string, []map[string]string, error) {
	var (
		columns []string
		results []map[string]string
	)
	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err = rows.Columns()
	if err != nil {
		return columns, results, fmt.Errorf("query rows.Columns failed, sql: [%v], error: [%v]", query, err)
	}

	values := make([][]byte, len(columns))
	scans := make([]interface{}, len(columns))
	for i := range values {
		scans[i] = &values[i]
	}

	for rows.Next() {
		err = rows.Scan(scans...)
		if err != nil {
			return columns, results, fmt.Errorf("query rows.Scan failed, sql: [%v], error: [%v]", query, err)
		}

		row := make(map[string]string)
		for k, v := range values {
			if v == nil {
				row[columns[k]] = "NULLABLE"
			} else {
				row[columns[k]] = string(v)
			}
		}
		results = append(results, row)
	}
	if err = rows.Err(); err != nil {
		return columns, results, fmt.Errorf("query rows.Next failed, sql: [%v], error: [%v]", query, err)
	}
	return columns, results, nil
}

func (d *Database) GetDatabaseTables(ctx context.Context) ([]string, error) {
	_, res, err := d.GeneralQuery(ctx, `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_type = 'BASE TABLE' ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, r := range res {
		tables = append(tables, r["table_name"])
	}
	return tables, nil
}

func (d *Database) GetTableColumns(ctx context.Context, tableName string) ([]structure.Column, error) {
	_, res, err := d.GeneralQuery(ctx, `SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1 ORDER BY ordinal_position`, tableName)
	if err != nil {
		return nil, err
	}
	var columns []structure.Column
	for _, r := range res {
		columns = append(columns, structure.Column{
			ColumnName: r["column_name"],
			DataType:   strings.ToUpper(r["data_type"]),
			Nullable:   strings.EqualFold(r["is_nullable"], "YES"),
		})
	}
	return columns, nil
}

func (d *Database) GetTablePrimaryKey(ctx context.Context, tableName string) ([]string, error) {
	_, res, err := d.GeneralQuery(ctx, `SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.table_schema = 'public' AND tc.table_name = $1 AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY kcu.ordinal_position`, tableName)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, r := range res {
		keys = append(keys, r["column_name"])
	}
	return keys, nil
}

func (d *Database) GetTableForeignKeys(ctx context.Context, tableName string) ([]structure.ForeignKey, error) {
	_, res, err := d.GeneralQuery(ctx, `SELECT kcu.column_name, ccu.table_name AS ref_table_name, ccu.column_name AS ref_column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
WHERE tc.table_schema = 'public' AND tc.table_name = $1 AND tc.constraint_type = 'FOREIGN KEY'
ORDER BY kcu.ordinal_position`, tableName)
	if err != nil {
		return nil, err
	}
	var fks []structure.ForeignKey
	for _, r := range res {
		fks = append(fks, structure.ForeignKey{
			ColumnName:    r["column_name"],
			RefTableName:  r["ref_table_name"],
			RefColumnName: r["ref_column_name"],
		})
	}
	return fks, nil
}

func (d *Database) GetTableRows(ctx context.Context, tableName string) (uint64, error) {
	_, res, err := d.GeneralQuery(ctx, fmt.Sprintf(`SELECT COUNT(1) AS row_counts FROM %s`, d.QuoteIdent(tableName)))
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	var counts uint64
	_, err = fmt.Sscanf(res[0]["row_counts"], "%d", &counts)
	if err != nil {
		return 0, fmt.Errorf("table [%s] row counts [%s] parse failed: %v", tableName, res[0]["row_counts"], err)
	}
	return counts, nil
}

func (d *Database) QuoteIdent(name string) string {
	return fmt.Sprintf(`"%s"`, name)
}

func (d *Database) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// UpsertStatement builds INSERT ... ON CONFLICT (key) DO UPDATE with
// positional $n placeholders.
func (d *Database) UpsertStatement(tableName string, columns []string, keyColumns []string) string {
	keySet := make(map[string]struct{}, len(keyColumns))
	for _, k := range keyColumns {
		keySet[k] = struct{}{}
	}

	quoted := make([]string, 0, len(columns))
	holders := make([]string, 0, len(columns))
	quotedKeys := make([]string, 0, len(keyColumns))
	var updates []string
	for i, c := range columns {
		quoted = append(quoted, d.QuoteIdent(c))
		holders = append(holders, fmt.Sprintf("$%d", i+1))
		if _, isKey := keySet[c]; !isKey {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", d.QuoteIdent(c), d.QuoteIdent(c)))
		}
	}
	for _, k := range keyColumns {
		quotedKeys = append(quotedKeys, d.QuoteIdent(k))
	}

	if len(updates) == 0 {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			d.QuoteIdent(tableName),
			strings.Join(quoted, ", "),
			strings.Join(holders, ", "),
			strings.Join(quotedKeys, ", "))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		d.QuoteIdent(tableName),
		strings.Join(quoted, ", "),
		strings.Join(holders, ", "),
		strings.Join(quotedKeys, ", "),
		strings.Join(updates, ", "))
}
