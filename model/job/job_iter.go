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

import "context"

type IMigrationJob interface {
	CreateMigrationJob(ctx context.Context, j *MigrationJob) (*MigrationJob, error)
	UpdateMigrationJob(ctx context.Context, jobName string, updates map[string]interface{}) (*MigrationJob, error)
	GetMigrationJob(ctx context.Context, jobName string) (*MigrationJob, error)
	FindActiveMigrationJob(ctx context.Context, jobFingerprint string) ([]*MigrationJob, error)
	ListMigrationJob(ctx context.Context, page uint64, pageSize uint64) ([]*MigrationJob, error)
	DeleteMigrationJob(ctx context.Context, jobName []string) error
}

type IRollbackPoint interface {
	CreateRollbackPoint(ctx context.Context, p *RollbackPoint) (*RollbackPoint, error)
	GetLastRollbackPoint(ctx context.Context, jobName string) (*RollbackPoint, error)
	FindRollbackPoint(ctx context.Context, jobName string) ([]*RollbackPoint, error)
	DeleteRollbackPoint(ctx context.Context, jobName []string) error
}
