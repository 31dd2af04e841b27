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
	"context"
	"fmt"
	"reflect"

	"gorm.io/gorm/clause"

	"github.com/consolidb/consolidb/model/common"
	"gorm.io/gorm"
)

type RWTableMapping struct {
	common.GormDB
}

func NewTableMappingRW(db *gorm.DB) *RWTableMapping {
	m := &RWTableMapping{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWTableMapping) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(TableMapping{}).Name())
}

func (rw *RWTableMapping) CreateTableMapping(ctx context.Context, m *TableMapping) (*TableMapping, error) {
	err := rw.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_name"}, {Name: "source_name"}, {Name: "table_name_s"}},
		UpdateAll: true,
	}).Create(m).Error
	if err != nil {
		return nil, fmt.Errorf("create table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return m, nil
}

func (rw *RWTableMapping) UpdateTableMapping(ctx context.Context, m *TableMapping, updates map[string]interface{}) (*TableMapping, error) {
	err := rw.DB(ctx).Model(&TableMapping{}).Where("job_name = ? AND source_name = ? AND table_name_s = ?",
		m.JobName, m.SourceName, m.TableNameS).Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("update table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return m, nil
}

func (rw *RWTableMapping) GetTableMapping(ctx context.Context, m *TableMapping) (*TableMapping, error) {
	var dataS *TableMapping
	err := rw.DB(ctx).Model(&TableMapping{}).Where("job_name = ? AND source_name = ? AND table_name_s = ?",
		m.JobName, m.SourceName, m.TableNameS).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("get table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWTableMapping) FindTableMapping(ctx context.Context, jobName string) ([]*TableMapping, error) {
	var dataS []*TableMapping
	err := rw.DB(ctx).Model(&TableMapping{}).Where("job_name = ?", jobName).Order("migrate_order asc").Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWTableMapping) FindTableMappingByStatus(ctx context.Context, jobName string, backfillStatus []string) ([]*TableMapping, error) {
	var dataS []*TableMapping
	err := rw.DB(ctx).Model(&TableMapping{}).Where("job_name = ? AND backfill_status IN (?)", jobName, backfillStatus).Order("migrate_order asc").Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWTableMapping) DeleteTableMapping(ctx context.Context, jobName []string) error {
	err := rw.DB(ctx).Where("job_name IN (?)", jobName).Delete(&TableMapping{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}

type RWIdentifierRemap struct {
	common.GormDB
}

func NewIdentifierRemapRW(db *gorm.DB) *RWIdentifierRemap {
	m := &RWIdentifierRemap{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWIdentifierRemap) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(IdentifierRemap{}).Name())
}

// CreateInBatchIdentifierRemap inserts remap rows with do-nothing conflict
// handling: remap rows are immutable once written, a retried page must not
// rewrite them.
func (rw *RWIdentifierRemap) CreateInBatchIdentifierRemap(ctx context.Context, remaps []*IdentifierRemap, batchSize int) error {
	err := rw.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_name"}, {Name: "source_name"}, {Name: "table_name_s"}, {Name: "old_key"}},
		DoNothing: true,
	}).CreateInBatches(remaps, batchSize).Error
	if err != nil {
		return fmt.Errorf("create table [%s] batch record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}

func (rw *RWIdentifierRemap) GetIdentifierRemap(ctx context.Context, r *IdentifierRemap) (*IdentifierRemap, error) {
	var dataS *IdentifierRemap
	err := rw.DB(ctx).Model(&IdentifierRemap{}).Where("job_name = ? AND source_name = ? AND table_name_s = ? AND old_key = ?",
		r.JobName, r.SourceName, r.TableNameS, r.OldKey).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("get table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWIdentifierRemap) FindIdentifierRemap(ctx context.Context, jobName, sourceName, tableNameS string) ([]*IdentifierRemap, error) {
	var dataS []*IdentifierRemap
	err := rw.DB(ctx).Model(&IdentifierRemap{}).Where("job_name = ? AND source_name = ? AND table_name_s = ?",
		jobName, sourceName, tableNameS).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWIdentifierRemap) CountIdentifierRemap(ctx context.Context, jobName, sourceName, tableNameS string) (int64, error) {
	var totals int64
	err := rw.DB(ctx).Model(&IdentifierRemap{}).Where("job_name = ? AND source_name = ? AND table_name_s = ?",
		jobName, sourceName, tableNameS).Count(&totals).Error
	if err != nil {
		return totals, fmt.Errorf("count table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return totals, nil
}

func (rw *RWIdentifierRemap) DeleteIdentifierRemap(ctx context.Context, jobName []string) error {
	err := rw.DB(ctx).Where("job_name IN (?)", jobName).Delete(&IdentifierRemap{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}
