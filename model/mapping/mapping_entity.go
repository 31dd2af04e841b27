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
package mapping

import (
	"github.com/consolidb/consolidb/model/common"
	"github.com/consolidb/consolidb/utils/stringutil"
)

// TableMapping routes one source table into its target table. ColumnDetail,
// ForeignKeyDetail and PrimaryKeyColumns are JSON documents produced by the
// schema mapper; MigrateOrder is the position in the FK-dependency
// topological order and decides when the table may begin backfill.
type TableMapping struct {
	ID              uint64 `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	JobName         string `gorm:"type:varchar(100);not null;uniqueIndex:uniq_job_source_table;index:idx_tm_job_name;comment:job name" json:"jobName"`
	SourceName      string `gorm:"type:varchar(300);not null;uniqueIndex:uniq_job_source_table;comment:source datasource name" json:"sourceName"`
	TableNameS      string `gorm:"type:varchar(300);not null;uniqueIndex:uniq_job_source_table;comment:source table name" json:"tableNameS"`
	TableNameT      string `gorm:"type:varchar(300);not null;comment:target table name" json:"tableNameT"`
	ColumnDetail    string `gorm:"type:longtext;not null;comment:column routes" json:"columnDetail"`
	PrimaryKeyStrategy string `gorm:"type:varchar(30);not null;comment:primary key strategy" json:"primaryKeyStrategy"`
	PrimaryKeyColumns  string `gorm:"type:varchar(1000);comment:source primary key columns" json:"primaryKeyColumns"`
	ForeignKeyDetail   string `gorm:"type:longtext;comment:foreign key references" json:"foreignKeyDetail"`
	// MergeDiscriminator is set when several sources land in the same target
	// table; rows then carry the data_source column and uniqueness runs over
	// (data_source, original key).
	MergeDiscriminator string `gorm:"type:varchar(10);default:NO;comment:target table merges several sources" json:"mergeDiscriminator"`
	// DeferredConstraint names a foreign key whose enforcement was pushed to
	// a post-backfill pass because the dependency graph contained a cycle.
	DeferredConstraint string `gorm:"type:varchar(300);comment:fk deferred by cycle break" json:"deferredConstraint"`
	MigrateOrder       int    `gorm:"type:int;comment:backfill topological order" json:"migrateOrder"`
	BackfillStatus     string `gorm:"type:varchar(30);not null;comment:backfill status" json:"backfillStatus"`
	Duration           float64 `gorm:"comment:run duration, size: seconds" json:"duration"`
	*common.Entity
}

// IdentifierRemap records old primary key -> new surrogate key for one row,
// keyed by (job, source, table, old key). Written only during the owning
// table's backfill and never mutated afterward; dependent tables read it to
// rewrite foreign keys, audits read it for the life of the job.
type IdentifierRemap struct {
	ID         uint64 `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	JobName    string `gorm:"type:varchar(100);not null;uniqueIndex:uniq_job_table_key;comment:job name" json:"jobName"`
	SourceName string `gorm:"type:varchar(300);not null;uniqueIndex:uniq_job_table_key;comment:source datasource name" json:"sourceName"`
	TableNameS string `gorm:"type:varchar(300);not null;uniqueIndex:uniq_job_table_key;comment:source table name" json:"tableNameS"`
	OldKey     string `gorm:"type:varchar(500);not null;uniqueIndex:uniq_job_table_key;comment:original primary key" json:"oldKey"`
	NewKey     string `gorm:"type:varchar(500);not null;comment:surrogate key" json:"newKey"`
	*common.Entity
}

// ColumnRoute is one entry of TableMapping.ColumnDetail.
type ColumnRoute struct {
	ColumnNameS string `json:"columnNameS"`
	ColumnNameT string `json:"columnNameT"`
	TypeS       string `json:"typeS"`
	TypeT       string `json:"typeT"`
	// Transform names the registered transform applied during backfill and
	// sample-equivalence checks: identity, decimal, remap, json.
	Transform    string `json:"transform"`
	IsPrimaryKey bool   `json:"isPrimaryKey"`
	Nullable     bool   `json:"nullable"`
}

// ForeignKeyRef is one entry of TableMapping.ForeignKeyDetail.
type ForeignKeyRef struct {
	ColumnS        string `json:"columnS"`
	RefTableS      string `json:"refTableS"`
	RefColumnS     string `json:"refColumnS"`
	OrphanTolerant bool   `json:"orphanTolerant"`
}

func (m *TableMapping) String() string {
	return stringutil.MarshalJSON(m)
}

func (m *TableMapping) ColumnRoutes() ([]ColumnRoute, error) {
	var routes []ColumnRoute
	if err := stringutil.UnmarshalJSON([]byte(m.ColumnDetail), &routes); err != nil {
		return nil, err
	}
	return routes, nil
}

func (m *TableMapping) ForeignKeyRefs() ([]ForeignKeyRef, error) {
	if m.ForeignKeyDetail == "" {
		return nil, nil
	}
	var refs []ForeignKeyRef
	if err := stringutil.UnmarshalJSON([]byte(m.ForeignKeyDetail), &refs); err != nil {
		return nil, err
	}
	return refs, nil
}
