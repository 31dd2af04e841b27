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
	"github.com/consolidb/consolidb/model/common"
	"github.com/consolidb/consolidb/utils/stringutil"
)

// ValidationReport is the immutable result of one validation pass. A job
// accumulates many reports across the dual-write window; the most recent
// all-pass report is the cutover precondition.
type ValidationReport struct {
	ID           uint64  `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	JobName      string  `gorm:"type:varchar(100);not null;index:idx_vr_job_name;comment:job name" json:"jobName"`
	ReportID     string  `gorm:"type:varchar(100);not null;uniqueIndex:uniq_report_id;comment:report identifier" json:"reportID"`
	Trigger      string  `gorm:"type:varchar(30);comment:on demand, scheduled or pre-cutover" json:"trigger"`
	ReportResult string  `gorm:"type:varchar(10);not null;comment:overall pass or fail" json:"reportResult"`
	CheckTotals  uint64  `gorm:"type:int;comment:check totals" json:"checkTotals"`
	CheckFails   uint64  `gorm:"type:int;comment:failing checks" json:"checkFails"`
	Duration     float64 `gorm:"comment:run duration, size: seconds" json:"duration"`
	*common.Entity
}

// CheckResult is one category's verdict for one table inside a report.
type CheckResult struct {
	ID          uint64 `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	JobName     string `gorm:"type:varchar(100);not null;index:idx_cr_job_name;comment:job name" json:"jobName"`
	ReportID    string `gorm:"type:varchar(100);not null;index:idx_cr_report_id;comment:report identifier" json:"reportID"`
	Category    string `gorm:"type:varchar(60);not null;comment:check category" json:"category"`
	TableNameT  string `gorm:"type:varchar(300);not null;comment:target table name" json:"tableNameT"`
	CheckResult string `gorm:"type:varchar(10);not null;comment:pass or fail" json:"checkResult"`
	// DiscrepancyDetail is a JSON list describing every mismatch found.
	DiscrepancyDetail string `gorm:"type:longtext;comment:discrepancy detail" json:"discrepancyDetail"`
	*common.Entity
}

// DeadLetterRow is a source row that failed its transform and was set aside
// so the rest of its page could continue. Rows block cutover until
// acknowledged or repaired by an operator.
type DeadLetterRow struct {
	ID          uint64 `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	JobName     string `gorm:"type:varchar(100);not null;index:idx_dl_job_name;comment:job name" json:"jobName"`
	SourceName  string `gorm:"type:varchar(300);not null;comment:source datasource name" json:"sourceName"`
	TableNameS  string `gorm:"type:varchar(300);not null;index:idx_dl_table_name;comment:source table name" json:"tableNameS"`
	RowKey      string `gorm:"type:varchar(500);comment:source primary key" json:"rowKey"`
	ErrorReason string `gorm:"type:longtext;not null;comment:transform error reason" json:"errorReason"`
	RowPayload  string `gorm:"type:longtext;comment:source row payload" json:"rowPayload"`
	LetterStatus string `gorm:"type:varchar(30);not null;comment:pending, acknowledged or repaired" json:"letterStatus"`
	*common.Entity
}

// DriftEvent records a dual-write target failure with the full operation
// payload so reconciliation can replay it later. Never dropped, never
// blocking the caller's primary write.
type DriftEvent struct {
	ID          uint64 `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	JobName     string `gorm:"type:varchar(100);not null;index:idx_de_job_name;comment:job name" json:"jobName"`
	TableNameT  string `gorm:"type:varchar(300);not null;comment:target table name" json:"tableNameT"`
	Operation   string `gorm:"type:varchar(30);not null;comment:operation kind" json:"operation"`
	RowKey      string `gorm:"type:varchar(500);comment:original row key" json:"rowKey"`
	Payload     string `gorm:"type:longtext;not null;comment:full operation payload" json:"payload"`
	ErrorReason string `gorm:"type:longtext;comment:target write error" json:"errorReason"`
	DriftStatus string `gorm:"type:varchar(30);not null;comment:pending or reconciled" json:"driftStatus"`
	*common.Entity
}

func (r *ValidationReport) String() string {
	return stringutil.MarshalJSON(r)
}

func (c *CheckResult) String() string {
	return stringutil.MarshalJSON(c)
}
