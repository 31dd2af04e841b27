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

import "context"

type IBatchJob interface {
	CreateInBatchBatchJob(ctx context.Context, batches []*BatchJob, batchSize int) error
	UpdateBatchJob(ctx context.Context, b *BatchJob, updates map[string]interface{}) (*BatchJob, error)
	GetBatchJob(ctx context.Context, b *BatchJob) (*BatchJob, error)
	FindBatchJob(ctx context.Context, jobName, sourceName, tableNameS string) ([]*BatchJob, error)
	FindBatchJobByStatus(ctx context.Context, jobName, sourceName, tableNameS string, batchStatus []string) ([]*BatchJob, error)
	FindBatchJobGroupByStatus(ctx context.Context, jobName string) ([]*BatchGroupStatusResult, error)
	DeleteBatchJob(ctx context.Context, jobName []string) error
}
