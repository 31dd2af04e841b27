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
package constant

import "time"

const (
	DatabaseTypeMySQL      = "MYSQL"
	DatabaseTypePostgresql = "POSTGRES"
	DatabaseTypeSQLite     = "SQLITE"
)

const (
	StringSeparatorComma      = ","
	StringSeparatorSlash      = "/"
	StringSeparatorUnderline  = "_"
	StringSeparatorCenterLine = "-"
)

// DefaultDataSourceColumn is the discriminator column added to a target table
// whenever rows from more than one source store are merged into it. The pair
// (data_source, original key) stays unique so merged rows can never silently
// overwrite each other.
const DefaultDataSourceColumn = "data_source"

const (
	DefaultMigrateBatchSize         = 500
	DefaultMigrateSampleSize        = 5
	DefaultMigrateMaxRetries        = 3
	DefaultMigrateBackoffBase       = 100 * time.Millisecond
	DefaultMigrateBackoffMultiplier = 2.0
	DefaultMigrateBatchConcurrency  = 4
	DefaultMigrateTableConcurrency  = 2
	DefaultMigrateTaskQueueSize     = 1024

	// DefaultDualWriteTimeout bounds the mirrored target write on the
	// application write path. On expiry the target write counts as failed
	// and is recorded as a drift event, the caller never blocks on it.
	DefaultDualWriteTimeout = 250 * time.Millisecond

	// DefaultConservationEpsilon is the tolerated fixed-point rounding
	// difference for financial aggregate checks, expressed as a decimal
	// string so it never passes through binary floating point.
	DefaultConservationEpsilon = "0.01"

	// DefaultArchiveRetention is how long a CUTOVER_COMPLETE job is kept
	// before it may move to ARCHIVED.
	DefaultArchiveRetention = 7 * 24 * time.Hour
)

const (
	DefaultRecordCreateBatchSize = 200
	DefaultRecordCreateThread    = 2
)
