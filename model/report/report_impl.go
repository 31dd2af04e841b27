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
package report

import (
	"context"
	"fmt"
	"reflect"

	"github.com/consolidb/consolidb/model/common"
	"gorm.io/gorm"
)

type RWValidationReport struct {
	common.GormDB
}

func NewValidationReportRW(db *gorm.DB) *RWValidationReport {
	m := &RWValidationReport{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWValidationReport) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(ValidationReport{}).Name())
}

func (rw *RWValidationReport) CreateValidationReport(ctx context.Context, r *ValidationReport) (*ValidationReport, error) {
	// reports are immutable once produced, conflicts are a caller bug
	err := rw.DB(ctx).Create(r).Error
	if err != nil {
		return nil, fmt.Errorf("create table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return r, nil
}

func (rw *RWValidationReport) GetValidationReport(ctx context.Context, reportID string) (*ValidationReport, error) {
	var dataS *ValidationReport
	err := rw.DB(ctx).Model(&ValidationReport{}).Where("report_id = ?", reportID).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("get table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWValidationReport) GetLastValidationReport(ctx context.Context, jobName string) (*ValidationReport, error) {
	var dataS *ValidationReport
	err := rw.DB(ctx).Model(&ValidationReport{}).Where("job_name = ?", jobName).Order("id desc").Limit(1).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("get table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWValidationReport) ListValidationReport(ctx context.Context, jobName string, page uint64, pageSize uint64) ([]*ValidationReport, error) {
	var dataS []*ValidationReport
	err := rw.DB(ctx).Scopes(common.Paginate(int(page), int(pageSize))).Model(&ValidationReport{}).Where("job_name = ?", jobName).Order("id desc").Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("list table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWValidationReport) DeleteValidationReport(ctx context.Context, jobName []string) error {
	err := rw.DB(ctx).Where("job_name IN (?)", jobName).Delete(&ValidationReport{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}

type RWCheckResult struct {
	common.GormDB
}

func NewCheckResultRW(db *gorm.DB) *RWCheckResult {
	m := &RWCheckResult{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWCheckResult) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(CheckResult{}).Name())
}

func (rw *RWCheckResult) CreateInBatchCheckResult(ctx context.Context, results []*CheckResult, batchSize int) error {
	err := rw.DB(ctx).CreateInBatches(results, batchSize).Error
	if err != nil {
		return fmt.Errorf("create table [%s] batch record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}

func (rw *RWCheckResult) FindCheckResult(ctx context.Context, reportID string) ([]*CheckResult, error) {
	var dataS []*CheckResult
	err := rw.DB(ctx).Model(&CheckResult{}).Where("report_id = ?", reportID).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWCheckResult) FindFailedCheckResult(ctx context.Context, reportID string) ([]*CheckResult, error) {
	var dataS []*CheckResult
	err := rw.DB(ctx).Model(&CheckResult{}).Where("report_id = ? AND check_result = ?", reportID, "FAIL").Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWCheckResult) DeleteCheckResult(ctx context.Context, jobName []string) error {
	err := rw.DB(ctx).Where("job_name IN (?)", jobName).Delete(&CheckResult{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}

type RWDeadLetterRow struct {
	common.GormDB
}

func NewDeadLetterRowRW(db *gorm.DB) *RWDeadLetterRow {
	m := &RWDeadLetterRow{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWDeadLetterRow) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(DeadLetterRow{}).Name())
}

func (rw *RWDeadLetterRow) CreateDeadLetterRow(ctx context.Context, d *DeadLetterRow) (*DeadLetterRow, error) {
	err := rw.DB(ctx).Create(d).Error
	if err != nil {
		return nil, fmt.Errorf("create table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return d, nil
}

func (rw *RWDeadLetterRow) UpdateDeadLetterRow(ctx context.Context, d *DeadLetterRow, updates map[string]interface{}) (*DeadLetterRow, error) {
	err := rw.DB(ctx).Model(&DeadLetterRow{}).Where("job_name = ? AND source_name = ? AND table_name_s = ? AND row_key = ?",
		d.JobName, d.SourceName, d.TableNameS, d.RowKey).Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("update table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return d, nil
}

func (rw *RWDeadLetterRow) FindDeadLetterRow(ctx context.Context, jobName, sourceName, tableNameS string) ([]*DeadLetterRow, error) {
	var dataS []*DeadLetterRow
	err := rw.DB(ctx).Model(&DeadLetterRow{}).Where("job_name = ? AND source_name = ? AND table_name_s = ?",
		jobName, sourceName, tableNameS).Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

// CountDeadLetterRow counts rows by status; empty sourceName or tableNameS
// widen the count to the whole job or source.
func (rw *RWDeadLetterRow) CountDeadLetterRow(ctx context.Context, jobName, sourceName, tableNameS string, letterStatus []string) (int64, error) {
	var totals int64
	query := rw.DB(ctx).Model(&DeadLetterRow{}).Where("job_name = ? AND letter_status IN (?)", jobName, letterStatus)
	if sourceName != "" {
		query = query.Where("source_name = ?", sourceName)
	}
	if tableNameS != "" {
		query = query.Where("table_name_s = ?", tableNameS)
	}
	err := query.Count(&totals).Error
	if err != nil {
		return totals, fmt.Errorf("count table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return totals, nil
}

func (rw *RWDeadLetterRow) DeleteDeadLetterRow(ctx context.Context, jobName []string) error {
	err := rw.DB(ctx).Where("job_name IN (?)", jobName).Delete(&DeadLetterRow{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}

type RWDriftEvent struct {
	common.GormDB
}

func NewDriftEventRW(db *gorm.DB) *RWDriftEvent {
	m := &RWDriftEvent{
		common.WarpDB(db),
	}
	return m
}

func (rw *RWDriftEvent) TableName(ctx context.Context) string {
	return rw.DB(ctx).NamingStrategy.TableName(reflect.TypeOf(DriftEvent{}).Name())
}

func (rw *RWDriftEvent) CreateDriftEvent(ctx context.Context, d *DriftEvent) (*DriftEvent, error) {
	err := rw.DB(ctx).Create(d).Error
	if err != nil {
		return nil, fmt.Errorf("create table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return d, nil
}

func (rw *RWDriftEvent) UpdateDriftEvent(ctx context.Context, d *DriftEvent, updates map[string]interface{}) (*DriftEvent, error) {
	err := rw.DB(ctx).Model(&DriftEvent{}).Where("id = ?", d.ID).Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("update table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return d, nil
}

func (rw *RWDriftEvent) FindDriftEventByStatus(ctx context.Context, jobName string, driftStatus string) ([]*DriftEvent, error) {
	var dataS []*DriftEvent
	err := rw.DB(ctx).Model(&DriftEvent{}).Where("job_name = ? AND drift_status = ?", jobName, driftStatus).Order("id asc").Find(&dataS).Error
	if err != nil {
		return nil, fmt.Errorf("find table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return dataS, nil
}

func (rw *RWDriftEvent) CountDriftEvent(ctx context.Context, jobName string, driftStatus string) (int64, error) {
	var totals int64
	err := rw.DB(ctx).Model(&DriftEvent{}).Where("job_name = ? AND drift_status = ?", jobName, driftStatus).Count(&totals).Error
	if err != nil {
		return totals, fmt.Errorf("count table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return totals, nil
}

func (rw *RWDriftEvent) DeleteDriftEvent(ctx context.Context, jobName []string) error {
	err := rw.DB(ctx).Where("job_name IN (?)", jobName).Delete(&DriftEvent{}).Error
	if err != nil {
		return fmt.Errorf("delete table [%s] record failed: %v", rw.TableName(ctx), err)
	}
	return nil
}
