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

// Migration job lifecycle states. Only the cutover orchestrator writes these.
const (
	JobStatusPending         = "PENDING"
	JobStatusSchemaValidated = "SCHEMA_VALIDATED"
	JobStatusBackfilling     = "BACKFILLING"
	JobStatusDualWriteActive = "DUAL_WRITE_ACTIVE"
	JobStatusValidating      = "VALIDATING"
	JobStatusCutoverReady    = "CUTOVER_READY"
	JobStatusCutoverComplete = "CUTOVER_COMPLETE"
	JobStatusArchived        = "ARCHIVED"
	JobStatusFailed          = "FAILED"
	JobStatusRolledBack      = "ROLLED_BACK"
)

// Batch job statuses, terminal on SUCCEEDED or EXHAUSTED.
const (
	BatchStatusPending   = "PENDING"
	BatchStatusRunning   = "RUNNING"
	BatchStatusSucceeded = "SUCCEEDED"
	BatchStatusFailed    = "FAILED"
	BatchStatusExhausted = "EXHAUSTED_RETRIES"
)

// Per-table backfill states recorded on the table mapping.
const (
	TableBackfillWaiting  = "WAITING"
	TableBackfillRunning  = "RUNNING"
	TableBackfillFinished = "FINISHED"
	// TableBackfillPartial marks a table whose batches exhausted retries,
	// blocking cutover for the whole job until repaired.
	TableBackfillPartial = "PARTIAL"
)

// Primary-key strategies for a table mapping.
const (
	PrimaryKeyStrategyPassthrough = "PASSTHROUGH"
	PrimaryKeyStrategySurrogate   = "SURROGATE"
)

// Validation check categories, the fixed battery every report runs.
const (
	CheckCategoryRowCount     = "ROW_COUNT_PARITY"
	CheckCategoryForeignKey   = "FOREIGN_KEY_INTEGRITY"
	CheckCategoryStructure    = "STRUCTURAL_SHAPE"
	CheckCategoryConservation = "VALUE_CONSERVATION"
	CheckCategorySample       = "SAMPLE_EQUIVALENCE"
)

const (
	CheckResultPass = "PASS"
	CheckResultFail = "FAIL"
)

// Dual-write operation kinds. Deletes are mirrored as deletes, inserts and
// updates both mirror as idempotent upserts keyed by the original key.
const (
	DualWriteOpUpsert = "UPSERT"
	DualWriteOpDelete = "DELETE"
)

const (
	DriftStatusPending    = "PENDING"
	DriftStatusReconciled = "RECONCILED"
)

const (
	DeadLetterStatusPending      = "PENDING"
	DeadLetterStatusAcknowledged = "ACKNOWLEDGED"
	DeadLetterStatusRepaired     = "REPAIRED"
)
