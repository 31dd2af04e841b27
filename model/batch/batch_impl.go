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
package batch

import (
	"context"
	"fmt"
	"reflect"

	"gorm.io/gorm/clause"

	"github.com/consolidb/consolidb/model/common"
	"gorm.io/gorm"
)

type RWBatchJob struct {
	common.GormDB
}

func NewBatchJobRW(db *gorm.DB) *RWBatchJob {
	m := &RWBatchJob{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWBatchJob) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(BatchJob{}).Name())
}

// CreateInBatchBatchJob inserts batch records with do-nothing conflict
// handling so a resumed run keeps the prior run's statuses.
func (rw *RWBatchJob) CreateInBatchBatchJob(ctx context.Context, batches []*BatchJob, batchSize int) error {
	err := rw.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_name"}, {Name: "source_name"}, {Name: "table_name_s"}, {Name: "batch_seq"}},
		DoNothing: true,
	}).CreateInBatches(batches, batchSize).Error
	if err != nil {
		return fmt.Errorf("create table [%s] batch record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}

func (rw *RWBatchJob) UpdateBatchJob(ctx context.Context, b *BatchJob, updates map[string]interface{}) (*BatchJob, error) {
	err := rw.DB(ctx).Model(&BatchJob{}).Where("job_name = ? AND source_name = ? AND table_name_s = ? AND batch_seq = ?",
		b.JobName, b.SourceName, b.TableNameS, b.BatchSeq).Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("update table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return b, nil
}

func (rw *RWBatchJob) GetBatchJob(ctx context.Context, b *BatchJob) (*BatchJob, error) {
	var dataS *BatchJob
	err := rw.DB(ctx).Model(&BatchJob{}).Where("job_name = ? AND source_name = ? AND table_name_s = ? AND batch_seq = ?",
		b.JobName, b.SourceName, b.TableNameS, b.BatchSeq).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("get table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWBatchJob) FindBatchJob(ctx context.Context, jobName, sourceName, tableNameS string) ([]*BatchJob, error) {
	var dataS []*BatchJob
	err := rw.DB(ctx).Model(&BatchJob{}).Where("job_name = ? AND source_name = ? AND table_name_s = ?",
		jobName, sourceName, tableNameS).Order("batch_seq asc").Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWBatchJob) FindBatchJobByStatus(ctx context.Context, jobName, sourceName, tableNameS string, batchStatus []string) ([]*BatchJob, error) {
	var dataS []*BatchJob
	err := rw.DB(ctx).Model(&BatchJob{}).Where("job_name = ? AND source_name = ? AND table_name_s = ? AND batch_status IN (?)",
		jobName, sourceName, tableNameS, batchStatus).Order("batch_seq asc").Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWBatchJob) FindBatchJobGroupByStatus(ctx context.Context, jobName string) ([]*BatchGroupStatusResult, error) {
	var dataS []*BatchGroupStatusResult
	err := rw.DB(ctx).Model(&BatchJob{}).Select("job_name, table_name_s, batch_status, count(1) as status_counts").Where("job_name = ?", jobName).Group("job_name, table_name_s, batch_status").Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] group record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWBatchJob) DeleteBatchJob(ctx context.Context, jobName []string) error {
	err := rw.DB(ctx).Where("job_name IN (?)", jobName).Delete(&BatchJob{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}
