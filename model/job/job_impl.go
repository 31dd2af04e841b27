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
package job

import (
	"context"
	"fmt"
	"reflect"

	"gorm.io/gorm/clause"

	"github.com/consolidb/consolidb/model/common"
	"github.com/consolidb/consolidb/utils/constant"
	"gorm.io/gorm"
)

type RWMigrationJob struct {
	common.GormDB
}

func NewMigrationJobRW(db *gorm.DB) *RWMigrationJob {
	m := &RWMigrationJob{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWMigrationJob) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(MigrationJob{}).Name())
}

func (rw *RWMigrationJob) CreateMigrationJob(ctx context.Context, j *MigrationJob) (*MigrationJob, error) {
	err := rw.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_name"}},
		UpdateAll: true,
	}).Create(j).Error
	if err != nil {
		return nil, fmt.Errorf("create table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return j, nil
}

func (rw *RWMigrationJob) UpdateMigrationJob(ctx context.Context, jobName string, updates map[string]interface{}) (*MigrationJob, error) {
	err := rw.DB(ctx).Model(&MigrationJob{}).Where("job_name = ?", jobName).Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("update table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return &MigrationJob{JobName: jobName}, nil
}

func (rw *RWMigrationJob) GetMigrationJob(ctx context.Context, jobName string) (*MigrationJob, error) {
	var dataS *MigrationJob
	err := rw.DB(ctx).Model(&MigrationJob{}).Where("job_name = ?", jobName).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("get table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

// FindActiveMigrationJob returns every non-terminal job for the given
// (source set, target) fingerprint, used to enforce single-active-job.
func (rw *RWMigrationJob) FindActiveMigrationJob(ctx context.Context, jobFingerprint string) ([]*MigrationJob, error) {
	var dataS []*MigrationJob
	err := rw.DB(ctx).Model(&MigrationJob{}).Where("job_fingerprint = ? AND job_status NOT IN (?)",
		jobFingerprint,
		[]string{constant.JobStatusArchived, constant.JobStatusFailed, constant.JobStatusRolledBack}).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWMigrationJob) ListMigrationJob(ctx context.Context, page uint64, pageSize uint64) ([]*MigrationJob, error) {
	var dataS []*MigrationJob
	err := rw.DB(ctx).Scopes(common.Paginate(int(page), int(pageSize))).Model(&MigrationJob{}).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("list table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWMigrationJob) DeleteMigrationJob(ctx context.Context, jobName []string) error {
	err := rw.DB(ctx).Where("job_name IN (?)", jobName).Delete(&MigrationJob{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}

type RWRollbackPoint struct {
	common.GormDB
}

func NewRollbackPointRW(db *gorm.DB) *RWRollbackPoint {
	m := &RWRollbackPoint{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWRollbackPoint) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(RollbackPoint{}).Name())
}

func (rw *RWRollbackPoint) CreateRollbackPoint(ctx context.Context, p *RollbackPoint) (*RollbackPoint, error) {
	err := rw.DB(ctx).Create(p).Error
	if err != nil {
		return nil, fmt.Errorf("create table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return p, nil
}

func (rw *RWRollbackPoint) GetLastRollbackPoint(ctx context.Context, jobName string) (*RollbackPoint, error) {
	var dataS *RollbackPoint
	err := rw.DB(ctx).Model(&RollbackPoint{}).Where("job_name = ?", jobName).Order("id desc").Limit(1).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("get table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWRollbackPoint) FindRollbackPoint(ctx context.Context, jobName string) ([]*RollbackPoint, error) {
	var dataS []*RollbackPoint
	err := rw.DB(ctx).Model(&RollbackPoint{}).Where("job_name = ?", jobName).Order("id asc").Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWRollbackPoint) DeleteRollbackPoint(ctx context.Context, jobName []string) error {
	err := rw.DB(ctx).Where("job_name IN (?)", jobName).Delete(&RollbackPoint{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}
