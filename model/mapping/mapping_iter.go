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

import "context"

type ITableMapping interface {
	CreateTableMapping(ctx context.Context, m *TableMapping) (*TableMapping, error)
	UpdateTableMapping(ctx context.Context, m *TableMapping, updates map[string]interface{}) (*TableMapping, error)
	GetTableMapping(ctx context.Context, m *TableMapping) (*TableMapping, error)
	FindTableMapping(ctx context.Context, jobName string) ([]*TableMapping, error)
	FindTableMappingByStatus(ctx context.Context, jobName string, backfillStatus []string) ([]*TableMapping, error)
	DeleteTableMapping(ctx context.Context, jobName []string) error
}

type IIdentifierRemap interface {
	CreateInBatchIdentifierRemap(ctx context.Context, remaps []*IdentifierRemap, batchSize int) error
	GetIdentifierRemap(ctx context.Context, r *IdentifierRemap) (*IdentifierRemap, error)
	FindIdentifierRemap(ctx context.Context, jobName, sourceName, tableNameS string) ([]*IdentifierRemap, error)
	CountIdentifierRemap(ctx context.Context, jobName, sourceName, tableNameS string) (int64, error)
	DeleteIdentifierRemap(ctx context.Context, jobName []string) error
}
