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
package inspect

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/database/mapping"
	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model/datasource"
	"github.com/consolidb/consolidb/utils/structure"
)

// Inspector reads one source store's structure and row samples. It issues
// only metadata queries, COUNT and limited SELECTs, never a write.
type Inspector struct {
	datasource *datasource.Datasource
	sampleSize int
}

func NewInspector(ds *datasource.Datasource, sampleSize int) *Inspector {
	return &Inspector{
		datasource: ds,
		sampleSize: sampleSize,
	}
}

// Inspect opens the source store and returns its inventory: every table with
// columns, primary key, foreign keys, approximate row count and a sample of
// rows for shape inference. A store that cannot be opened or pinged fails
// with a source-unavailable error; a column type with no declared widening
// rule fails with schema-unsupported and names the table and column rather
// than silently skipping them.
func (i *Inspector) Inspect(ctx context.Context) (*structure.Inventory, error) {
	db, err := database.NewDatabase(ctx, i.datasource)
	if err != nil {
		return nil, errors.Wrapf(database.ErrSourceUnavailable, "datasource [%s] open failed: %v", i.datasource.DatasourceName, err)
	}
	defer db.Close()

	if err = db.PingDatabaseConnection(); err != nil {
		return nil, errors.Wrapf(database.ErrSourceUnavailable, "datasource [%s] ping failed: %v", i.datasource.DatasourceName, err)
	}
	return i.InspectDatabase(ctx, db)
}

// InspectDatabase builds the inventory over an already-open connection.
func (i *Inspector) InspectDatabase(ctx context.Context, db database.IDatabase) (*structure.Inventory, error) {
	tables, err := db.GetDatabaseTables(ctx)
	if err != nil {
		return nil, errors.Wrapf(database.ErrSourceUnavailable, "datasource [%s] list tables failed: %v", i.datasource.DatasourceName, err)
	}

	inventory := &structure.Inventory{
		DatasourceName: i.datasource.DatasourceName,
		DbType:         i.datasource.DbType,
	}

	for _, tableName := range tables {
		table, err := i.inspectTable(ctx, db, tableName)
		if err != nil {
			return nil, err
		}
		inventory.Tables = append(inventory.Tables, table)
	}

	logger.Info("datasource inspect success",
		zap.String("datasource", i.datasource.DatasourceName),
		zap.String("db_type", i.datasource.DbType),
		zap.Int("tables", len(inventory.Tables)))
	return inventory, nil
}

func (i *Inspector) inspectTable(ctx context.Context, db database.IDatabase, tableName string) (*structure.Table, error) {
	columns, err := db.GetTableColumns(ctx, tableName)
	if err != nil {
		return nil, fmt.Errorf("datasource [%s] table [%s] get columns failed: %v", i.datasource.DatasourceName, tableName, err)
	}
	for _, c := range columns {
		if !mapping.IsSupportedType(c.DataType) {
			return nil, errors.Wrapf(database.ErrSchemaUnsupported,
				"datasource [%s] table [%s] column [%s] type [%s] has no widening rule",
				i.datasource.DatasourceName, tableName, c.ColumnName, c.DataType)
		}
	}

	primaryKey, err := db.GetTablePrimaryKey(ctx, tableName)
	if err != nil {
		return nil, fmt.Errorf("datasource [%s] table [%s] get primary key failed: %v", i.datasource.DatasourceName, tableName, err)
	}

	foreignKeys, err := db.GetTableForeignKeys(ctx, tableName)
	if err != nil {
		return nil, fmt.Errorf("datasource [%s] table [%s] get foreign keys failed: %v", i.datasource.DatasourceName, tableName, err)
	}

	rowCounts, err := db.GetTableRows(ctx, tableName)
	if err != nil {
		return nil, fmt.Errorf("datasource [%s] table [%s] get row counts failed: %v", i.datasource.DatasourceName, tableName, err)
	}

	sampleRows, err := i.sampleTableRows(ctx, db, tableName, primaryKey)
	if err != nil {
		return nil, err
	}

	return &structure.Table{
		TableName:   tableName,
		Columns:     columns,
		PrimaryKey:  primaryKey,
		ForeignKeys: foreignKeys,
		RowCounts:   rowCounts,
		SampleRows:  sampleRows,
	}, nil
}

func (i *Inspector) sampleTableRows(ctx context.Context, db database.IDatabase, tableName string, primaryKey []string) ([]map[string]string, error) {
	var orderBy string
	if len(primaryKey) > 0 {
		quoted := make([]string, 0, len(primaryKey))
		for _, k := range primaryKey {
			quoted = append(quoted, db.QuoteIdent(k))
		}
		orderBy = fmt.Sprintf(" ORDER BY %s", strings.Join(quoted, ", "))
	}
	query := fmt.Sprintf("SELECT * FROM %s%s LIMIT %d", db.QuoteIdent(tableName), orderBy, i.sampleSize)

	_, rows, err := db.GeneralQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("datasource [%s] table [%s] sample rows failed: %v", i.datasource.DatasourceName, tableName, err)
	}
	return rows, nil
}
