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
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/consolidb/consolidb/model/datasource"
	"github.com/consolidb/consolidb/utils/structure"
)

const (
	MYSQLDatabaseMaxIdleConn     = 64
	MYSQLDatabaseMaxConn         = 256
	MYSQLDatabaseConnMaxLifeTime = 300 * time.Second
	MYSQLDatabaseConnMaxIdleTime = 200 * time.Second
)

type Database struct {
	Ctx    context.Context
	DbName string
	DBConn *sql.DB
}

func NewDatabase(ctx context.Context, ds *datasource.Datasource) (*Database, error) {
	connectParams := ds.ConnectParams
	if strings.EqualFold(connectParams, "") {
		connectParams = "charset=utf8mb4&parseTime=true&loc=Local"
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		ds.Username, ds.Password, ds.Host, ds.Port, ds.DbName, connectParams)

	mysqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("error on open mysql database connection: %v", err)
	}

	mysqlDB.SetMaxIdleConns(MYSQLDatabaseMaxIdleConn)
	mysqlDB.SetMaxOpenConns(MYSQLDatabaseMaxConn)
	mysqlDB.SetConnMaxLifetime(MYSQLDatabaseConnMaxLifeTime)
	mysqlDB.SetConnMaxIdleTime(MYSQLDatabaseConnMaxIdleTime)

	if err = mysqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("error on ping mysql database connection: %v", err)
	}
	return &Database{Ctx: ctx, DbName: ds.DbName, DBConn: mysqlDB}, nil
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

// GeneralQuery runs a query and scans every column as a string, automatic
// get column name.
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
	_, res, err := d.GeneralQuery(ctx, `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME`, d.DbName)
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, r := range res {
		tables = append(tables, r["TABLE_NAME"])
	}
	return tables, nil
}

func (d *Database) GetTableColumns(ctx context.Context, tableName string) ([]structure.Column, error) {
	_, res, err := d.GeneralQuery(ctx, `SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`, d.DbName, tableName)
	if err != nil {
		return nil, err
	}
	var columns []structure.Column
	for _, r := range res {
		columns = append(columns, structure.Column{
			ColumnName: r["COLUMN_NAME"],
			DataType:   strings.ToUpper(r["DATA_TYPE"]),
			Nullable:   strings.EqualFold(r["IS_NULLABLE"], "YES"),
		})
	}
	return columns, nil
}

func (d *Database) GetTablePrimaryKey(ctx context.Context, tableName string) ([]string, error) {
	_, res, err := d.GeneralQuery(ctx, `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY' ORDER BY ORDINAL_POSITION`, d.DbName, tableName)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, r := range res {
		keys = append(keys, r["COLUMN_NAME"])
	}
	return keys, nil
}

func (d *Database) GetTableForeignKeys(ctx context.Context, tableName string) ([]structure.ForeignKey, error) {
	_, res, err := d.GeneralQuery(ctx, `SELECT COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL ORDER BY ORDINAL_POSITION`, d.DbName, tableName)
	if err != nil {
		return nil, err
	}
	var fks []structure.ForeignKey
	for _, r := range res {
		fks = append(fks, structure.ForeignKey{
			ColumnName:    r["COLUMN_NAME"],
			RefTableName:  r["REFERENCED_TABLE_NAME"],
			RefColumnName: r["REFERENCED_COLUMN_NAME"],
		})
	}
	return fks, nil
}

func (d *Database) GetTableRows(ctx context.Context, tableName string) (uint64, error) {
	_, res, err := d.GeneralQuery(ctx, fmt.Sprintf(`SELECT COUNT(1) AS ROW_COUNTS FROM %s`, d.QuoteIdent(tableName)))
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	var counts uint64
	_, err = fmt.Sscanf(res[0]["ROW_COUNTS"], "%d", &counts)
	if err != nil {
		return 0, fmt.Errorf("table [%s] row counts [%s] parse failed: %v", tableName, res[0]["ROW_COUNTS"], err)
	}
	return counts, nil
}

func (d *Database) QuoteIdent(name string) string {
	return fmt.Sprintf("`%s`", name)
}

func (d *Database) Placeholder(_ int) string {
	return "?"
}

// UpsertStatement builds INSERT ... ON DUPLICATE KEY UPDATE over all
// non-key columns. MySQL resolves the conflict through the table's primary
// or unique key, keyColumns only decide which columns are excluded from the
// update list.
func (d *Database) UpsertStatement(tableName string, columns []string, keyColumns []string) string {
	keySet := make(map[string]struct{}, len(keyColumns))
	for _, k := range keyColumns {
		keySet[k] = struct{}{}
	}

	quoted := make([]string, 0, len(columns))
	holders := make([]string, 0, len(columns))
	var updates []string
	for _, c := range columns {
		quoted = append(quoted, d.QuoteIdent(c))
		holders = append(holders, "?")
		if _, isKey := keySet[c]; !isKey {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", d.QuoteIdent(c), d.QuoteIdent(c)))
		}
	}
	if len(updates) == 0 {
		// key-only table, conflicting rows are already identical
		updates = append(updates, fmt.Sprintf("%s = %s", d.QuoteIdent(columns[0]), d.QuoteIdent(columns[0])))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		d.QuoteIdent(tableName),
		strings.Join(quoted, ", "),
		strings.Join(holders, ", "),
		strings.Join(updates, ", "))
}
