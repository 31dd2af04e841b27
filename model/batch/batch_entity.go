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
	"github.com/consolidb/consolidb/model/common"
	"github.com/consolidb/consolidb/utils/stringutil"
)

// BatchJob is one bounded unit of work, e.g. rows 50001-50500 of a table.
// Records survive restarts; a resumed run skips SUCCEEDED batches and the
// run is terminal once every batch is SUCCEEDED or EXHAUSTED_RETRIES.
type BatchJob struct {
	ID           uint64 `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	JobName      string `gorm:"type:varchar(100);not null;uniqueIndex:uniq_job_table_seq;index:idx_bj_job_name;comment:job name" json:"jobName"`
	SourceName   string `gorm:"type:varchar(300);not null;uniqueIndex:uniq_job_table_seq;comment:source datasource name" json:"sourceName"`
	TableNameS   string `gorm:"type:varchar(300);not null;uniqueIndex:uniq_job_table_seq;comment:source table name" json:"tableNameS"`
	BatchSeq     uint64 `gorm:"type:bigint;not null;uniqueIndex:uniq_job_table_seq;comment:batch sequence number" json:"batchSeq"`
	LowerBound   string `gorm:"type:varchar(500);comment:page lower key bound, exclusive" json:"lowerBound"`
	UpperBound   string `gorm:"type:varchar(500);comment:page upper key bound, inclusive" json:"upperBound"`
	ItemCount    uint64 `gorm:"type:bigint;comment:item count" json:"itemCount"`
	AttemptCount uint64 `gorm:"type:int;comment:attempt count" json:"attemptCount"`
	LastError    string `gorm:"type:longtext;comment:last error detail" json:"lastError"`
	BatchStatus  string `gorm:"type:varchar(30);not null;comment:batch status" json:"batchStatus"`
	Duration     float64 `gorm:"comment:run duration, size: seconds" json:"duration"`
	*common.Entity
}

// BatchGroupStatusResult aggregates batch counts per status for one table.
type BatchGroupStatusResult struct {
	JobName     string `json:"jobName"`
	TableNameS  string `json:"tableNameS"`
	BatchStatus string `json:"batchStatus"`
	StatusCounts int64 `json:"statusCounts"`
}

func (b *BatchJob) String() string {
	return stringutil.MarshalJSON(b)
}
