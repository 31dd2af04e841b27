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
	"time"

	"github.com/consolidb/consolidb/model/common"
	"github.com/consolidb/consolidb/utils/stringutil"
)

// MigrationJob is one consolidation effort. JobStatus transitions are owned
// exclusively by the cutover orchestrator; every other component only reads
// the state. JobFingerprint is the sorted (source set, target) pair used to
// enforce at most one ACTIVE job per pair.
type MigrationJob struct {
	ID              uint64     `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	JobName         string     `gorm:"type:varchar(100);not null;uniqueIndex:uniq_job_name;comment:job name" json:"jobName"`
	JobFingerprint  string     `gorm:"type:varchar(1000);not null;index:idx_job_fingerprint;comment:sorted source set and target" json:"jobFingerprint"`
	SourceNames     string     `gorm:"type:varchar(1000);not null;comment:source datasource names" json:"sourceNames"`
	TargetName      string     `gorm:"type:varchar(300);not null;comment:target datasource name" json:"targetName"`
	JobStatus       string     `gorm:"type:varchar(30);not null;comment:job lifecycle state" json:"jobStatus"`
	DryRun          string     `gorm:"type:varchar(10);default:NO;comment:is dry run job" json:"dryRun"`
	SystemOfRecord  string     `gorm:"type:varchar(30);default:SOURCE;comment:current system of record" json:"systemOfRecord"`
	BlockReason     string     `gorm:"type:longtext;comment:most specific blocking reason" json:"blockReason"`
	LastReportID    string     `gorm:"type:varchar(100);comment:last validation report id" json:"lastReportID"`
	CutoverTime     *time.Time `gorm:"default:null;comment:cutover flip time" json:"cutoverTime"`
	StartTime       *time.Time `gorm:"default:null;comment:job start running time" json:"startTime"`
	EndTime         *time.Time `gorm:"default:null;comment:job end running time" json:"endTime"`
	*common.Entity
}

// RollbackPoint is a snapshot recorded at every state transition and
// immediately before the cutover flip, sufficient to resume or abort safely.
type RollbackPoint struct {
	ID       uint64 `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	JobName  string `gorm:"type:varchar(100);not null;index:idx_rp_job_name;comment:job name" json:"jobName"`
	JobStatus string `gorm:"type:varchar(30);not null;comment:job state at snapshot" json:"jobStatus"`
	// BatchDetail carries the last successfully validated batch per table as JSON.
	BatchDetail string `gorm:"type:longtext;comment:last validated batch per table" json:"batchDetail"`
	*common.Entity
}

func (j *MigrationJob) String() string {
	return stringutil.MarshalJSON(j)
}
