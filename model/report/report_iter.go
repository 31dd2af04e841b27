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

import "context"

type IValidationReport interface {
	CreateValidationReport(ctx context.Context, r *ValidationReport) (*ValidationReport, error)
	GetValidationReport(ctx context.Context, reportID string) (*ValidationReport, error)
	GetLastValidationReport(ctx context.Context, jobName string) (*ValidationReport, error)
	ListValidationReport(ctx context.Context, jobName string, page uint64, pageSize uint64) ([]*ValidationReport, error)
	DeleteValidationReport(ctx context.Context, jobName []string) error
}

type ICheckResult interface {
	CreateInBatchCheckResult(ctx context.Context, results []*CheckResult, batchSize int) error
	FindCheckResult(ctx context.Context, reportID string) ([]*CheckResult, error)
	FindFailedCheckResult(ctx context.Context, reportID string) ([]*CheckResult, error)
	DeleteCheckResult(ctx context.Context, jobName []string) error
}

type IDeadLetterRow interface {
	CreateDeadLetterRow(ctx context.Context, d *DeadLetterRow) (*DeadLetterRow, error)
	UpdateDeadLetterRow(ctx context.Context, d *DeadLetterRow, updates map[string]interface{}) (*DeadLetterRow, error)
	FindDeadLetterRow(ctx context.Context, jobName, sourceName, tableNameS string) ([]*DeadLetterRow, error)
	CountDeadLetterRow(ctx context.Context, jobName, sourceName, tableNameS string, letterStatus []string) (int64, error)
	DeleteDeadLetterRow(ctx context.Context, jobName []string) error
}

type IDriftEvent interface {
	CreateDriftEvent(ctx context.Context, d *DriftEvent) (*DriftEvent, error)
	UpdateDriftEvent(ctx context.Context, d *DriftEvent, updates map[string]interface{}) (*DriftEvent, error)
	FindDriftEventByStatus(ctx context.Context, jobName string, driftStatus string) ([]*DriftEvent, error)
	CountDriftEvent(ctx context.Context, jobName string, driftStatus string) (int64, error)
	DeleteDriftEvent(ctx context.Context, jobName []string) error
}
