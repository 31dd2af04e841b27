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
package structure

import (
	"github.com/consolidb/consolidb/utils/stringutil"
)

// Inventory is one source store's analyzed structure: every table with its
// columns, keys, approximate row count and a small row sample for shape
// inference. Produced by the schema analyzer, consumed by the mapper.
type Inventory struct {
	DatasourceName string   `json:"datasourceName"`
	DbType         string   `json:"dbType"`
	Tables         []*Table `json:"tables"`
}

type Table struct {
	TableName   string              `json:"tableName"`
	Columns     []Column            `json:"columns"`
	PrimaryKey  []string            `json:"primaryKey"`
	ForeignKeys []ForeignKey        `json:"foreignKeys"`
	RowCounts   uint64              `json:"rowCounts"`
	SampleRows  []map[string]string `json:"sampleRows"`
}

type Column struct {
	ColumnName string `json:"columnName"`
	DataType   string `json:"dataType"`
	Nullable   bool   `json:"nullable"`
}

type ForeignKey struct {
	ColumnName    string `json:"columnName"`
	RefTableName  string `json:"refTableName"`
	RefColumnName string `json:"refColumnName"`
}

func (i *Inventory) String() string {
	return stringutil.MarshalJSON(i)
}

func (t *Table) FindTable(tables []*Table, tableName string) *Table {
	for _, tab := range tables {
		if tab.TableName == tableName {
			return tab
		}
	}
	return nil
}
