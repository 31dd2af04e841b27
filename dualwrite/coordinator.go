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
package dualwrite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/database/mapping"
	"github.com/consolidb/consolidb/database/processor"
	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/model/report"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
)

// DriftTopic is the in-process event bus topic drift events publish on;
// reconciliation subscribers receive the persisted *report.DriftEvent.
const DriftTopic = "dualwrite:drift"

// Operation is one application write to mirror, expressed in source-table
// terms. Values carry every source column of the row for upserts and only the
// primary key columns for deletes.
type Operation struct {
	TableNameS string            `json:"tableNameS"`
	Kind       string            `json:"kind"`
	Values     map[string]string `json:"values"`
}

// Coordinator mirrors application writes to source and target for one table
// during the transition window. The source write is synchronous and
// authoritative; the target write runs under a bounded timeout and its
// failure is recorded as a drift event instead of surfacing to the caller.
type Coordinator struct {
	jobName string
	mapping *modelmapping.TableMapping
	source  database.IDatabase
	target  database.IDatabase
	timeout time.Duration
	bus     EventBus.Bus

	routes []modelmapping.ColumnRoute
	pkCols []string
	merged bool
}

func NewCoordinator(jobName string, tm *modelmapping.TableMapping, source, target database.IDatabase, timeout time.Duration, bus EventBus.Bus) (*Coordinator, error) {
	routes, err := tm.ColumnRoutes()
	if err != nil {
		return nil, fmt.Errorf("table [%s] column routes decode failed: %v", tm.TableNameS, err)
	}
	var pkCols []string
	if !strings.EqualFold(tm.PrimaryKeyColumns, "") {
		pkCols = stringutil.StringSplit(tm.PrimaryKeyColumns, constant.StringSeparatorComma)
	}
	if timeout <= 0 {
		timeout = constant.DefaultDualWriteTimeout
	}
	return &Coordinator{
		jobName: jobName,
		mapping: tm,
		source:  source,
		target:  target,
		timeout: timeout,
		bus:     bus,
		routes:  routes,
		pkCols:  pkCols,
		merged:  strings.EqualFold(tm.MergeDiscriminator, "YES"),
	}, nil
}

// Write applies op to source synchronously, then mirrors it to target under
// the configured timeout. A source failure is the caller's failure; a target
// failure or timeout is recorded as a drift event and never propagates, the
// system of record during this phase remains source.
func (c *Coordinator) Write(ctx context.Context, op *Operation) error {
	if err := c.applySource(ctx, op); err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.applyTarget(tctx, op); err != nil {
		c.recordDrift(ctx, op, err)
	}
	return nil
}

// Replay re-applies every PENDING drift event of the job's table against the
// target. Target upserts are idempotent, so replaying an operation that
// later succeeded through another path cannot double-apply.
func (c *Coordinator) Replay(ctx context.Context) (int, error) {
	events, err := model.GetIDriftEventRW().FindDriftEventByStatus(ctx, c.jobName, constant.DriftStatusPending)
	if err != nil {
		return 0, err
	}
	reconciled := 0
	for _, ev := range events {
		if ev.TableNameT != c.mapping.TableNameT {
			continue
		}
		var op Operation
		if err = stringutil.UnmarshalJSON([]byte(ev.Payload), &op); err != nil {
			return reconciled, fmt.Errorf("drift event [%d] payload decode failed: %v", ev.ID, err)
		}
		if err = c.applyTarget(ctx, &op); err != nil {
			return reconciled, err
		}
		if _, err = model.GetIDriftEventRW().UpdateDriftEvent(ctx, ev, map[string]interface{}{
			"drift_status": constant.DriftStatusReconciled,
		}); err != nil {
			return reconciled, err
		}
		reconciled++
	}
	if reconciled > 0 {
		logger.Info("drift events reconciled",
			zap.String("job", c.jobName),
			zap.String("table_t", c.mapping.TableNameT),
			zap.Int("reconciled", reconciled))
	}
	return reconciled, nil
}

func (c *Coordinator) applySource(ctx context.Context, op *Operation) error {
	switch op.Kind {
	case constant.DualWriteOpUpsert:
		var cols []string
		var args []interface{}
		for _, r := range c.routes {
			if v, ok := op.Values[r.ColumnNameS]; ok {
				cols = append(cols, r.ColumnNameS)
				args = append(args, v)
			}
		}
		stmt := c.source.UpsertStatement(c.mapping.TableNameS, cols, c.pkCols)
		_, err := c.source.ExecContext(ctx, stmt, args...)
		return err
	case constant.DualWriteOpDelete:
		stmt, args := deleteStatement(c.source, c.mapping.TableNameS, c.pkCols, op.Values)
		_, err := c.source.ExecContext(ctx, stmt, args...)
		return err
	default:
		return fmt.Errorf("dual-write operation kind [%s] is not supported", op.Kind)
	}
}

// applyTarget mirrors the operation after the declared transforms, keyed by
// (data_source, original key) so a reconciliation replay is idempotent.
func (c *Coordinator) applyTarget(ctx context.Context, op *Operation) error {
	switch op.Kind {
	case constant.DualWriteOpUpsert:
		cols, keyCols, args, err := c.transformOperation(ctx, op)
		if err != nil {
			return err
		}
		stmt := c.target.UpsertStatement(c.mapping.TableNameT, cols, keyCols)
		_, err = c.target.ExecContext(ctx, stmt, args...)
		return err
	case constant.DualWriteOpDelete:
		keyCols, keyVals := c.targetKey(op)
		stmt, args := deleteStatement(c.target, c.mapping.TableNameT, keyCols, keyVals)
		_, err := c.target.ExecContext(ctx, stmt, args...)
		return err
	default:
		return fmt.Errorf("dual-write operation kind [%s] is not supported", op.Kind)
	}
}

func (c *Coordinator) transformOperation(ctx context.Context, op *Operation) ([]string, []string, []interface{}, error) {
	var (
		cols    []string
		keyCols []string
		args    []interface{}
	)
	if c.mapping.PrimaryKeyStrategy == constant.PrimaryKeyStrategySurrogate {
		newKey, err := c.surrogateFor(ctx, op)
		if err != nil {
			return nil, nil, nil, err
		}
		cols = append(cols, mapping.SurrogateKeyColumn)
		args = append(args, newKey)
	}
	if c.merged {
		cols = append(cols, constant.DefaultDataSourceColumn)
		keyCols = append(keyCols, constant.DefaultDataSourceColumn)
		args = append(args, c.mapping.SourceName)
	}
	for _, r := range c.routes {
		value, ok := op.Values[r.ColumnNameS]
		if !ok {
			continue
		}
		// remap lookups on the live write path read the persisted remap
		// table directly, backfill of the referenced table has completed
		// before dual-write starts
		var remap map[string]string
		if r.Transform == mapping.TransformRemap {
			remap = map[string]string{}
			for _, fkRef := range mustForeignKeyRefs(c.mapping) {
				if fkRef.ColumnS != r.ColumnNameS {
					continue
				}
				entry, err := model.GetIIdentifierRemapRW().GetIdentifierRemap(ctx, &modelmapping.IdentifierRemap{
					JobName:    c.jobName,
					SourceName: c.mapping.SourceName,
					TableNameS: fkRef.RefTableS,
					OldKey:     value,
				})
				if err != nil {
					return nil, nil, nil, err
				}
				if entry != nil && entry.NewKey != "" {
					remap[value] = entry.NewKey
				}
			}
		}
		transformed, err := processor.TransformValue(r, value, remap)
		if err != nil {
			return nil, nil, nil, err
		}
		cols = append(cols, r.ColumnNameT)
		args = append(args, transformed)
		if r.IsPrimaryKey {
			keyCols = append(keyCols, r.ColumnNameT)
		}
	}
	return cols, keyCols, args, nil
}

// surrogateFor resolves the row's surrogate key, generating and persisting a
// remap entry for rows first seen on the live write path.
func (c *Coordinator) surrogateFor(ctx context.Context, op *Operation) (string, error) {
	var keyParts []string
	for _, k := range c.pkCols {
		keyParts = append(keyParts, op.Values[k])
	}
	oldKey := stringutil.StringJoin(keyParts, constant.StringSeparatorUnderline)

	entry, err := model.GetIIdentifierRemapRW().GetIdentifierRemap(ctx, &modelmapping.IdentifierRemap{
		JobName:    c.jobName,
		SourceName: c.mapping.SourceName,
		TableNameS: c.mapping.TableNameS,
		OldKey:     oldKey,
	})
	if err != nil {
		return "", err
	}
	if entry != nil && entry.NewKey != "" {
		return entry.NewKey, nil
	}

	newKey := uuid.New().String()
	if err = model.GetIIdentifierRemapRW().CreateInBatchIdentifierRemap(ctx, []*modelmapping.IdentifierRemap{{
		JobName:    c.jobName,
		SourceName: c.mapping.SourceName,
		TableNameS: c.mapping.TableNameS,
		OldKey:     oldKey,
		NewKey:     newKey,
	}}, 1); err != nil {
		return "", err
	}
	// the do-nothing conflict clause may have kept a concurrent writer's
	// key, re-read to stay consistent
	entry, err = model.GetIIdentifierRemapRW().GetIdentifierRemap(ctx, &modelmapping.IdentifierRemap{
		JobName:    c.jobName,
		SourceName: c.mapping.SourceName,
		TableNameS: c.mapping.TableNameS,
		OldKey:     oldKey,
	})
	if err != nil {
		return "", err
	}
	return entry.NewKey, nil
}

func (c *Coordinator) targetKey(op *Operation) ([]string, map[string]string) {
	keyCols := make([]string, 0, len(c.pkCols)+1)
	keyVals := make(map[string]string)
	if c.merged {
		keyCols = append(keyCols, constant.DefaultDataSourceColumn)
		keyVals[constant.DefaultDataSourceColumn] = c.mapping.SourceName
	}
	for _, k := range c.pkCols {
		keyCols = append(keyCols, k)
		keyVals[k] = op.Values[k]
	}
	return keyCols, keyVals
}

// recordDrift persists the failed mirror with its full payload and publishes
// it for reconciliation subscribers. Never fails the caller.
func (c *Coordinator) recordDrift(ctx context.Context, op *Operation, werr error) {
	var keyParts []string
	for _, k := range c.pkCols {
		keyParts = append(keyParts, op.Values[k])
	}
	event := &report.DriftEvent{
		JobName:     c.jobName,
		TableNameT:  c.mapping.TableNameT,
		Operation:   op.Kind,
		RowKey:      stringutil.StringJoin(keyParts, constant.StringSeparatorUnderline),
		Payload:     stringutil.MarshalJSON(op),
		ErrorReason: werr.Error(),
		DriftStatus: constant.DriftStatusPending,
	}
	persisted, perr := model.GetIDriftEventRW().CreateDriftEvent(ctx, event)
	if perr != nil {
		logger.Error("drift event persist failed",
			zap.String("job", c.jobName),
			zap.String("table_t", c.mapping.TableNameT),
			zap.String("row_key", event.RowKey),
			zap.Error(perr))
		persisted = event
	}
	logger.Warn("dual-write drift recorded",
		zap.String("job", c.jobName),
		zap.String("table_t", c.mapping.TableNameT),
		zap.String("operation", op.Kind),
		zap.String("row_key", event.RowKey),
		zap.Error(werr))
	if c.bus != nil {
		c.bus.Publish(DriftTopic, persisted)
	}
}

func deleteStatement(db database.IDatabase, tableName string, keyCols []string, keyVals map[string]string) (string, []interface{}) {
	var (
		predicates []string
		args       []interface{}
	)
	for _, k := range keyCols {
		predicates = append(predicates, fmt.Sprintf("%s = %s", db.QuoteIdent(k), db.Placeholder(len(args)+1)))
		args = append(args, keyVals[k])
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s",
		db.QuoteIdent(tableName), strings.Join(predicates, " AND ")), args
}

func mustForeignKeyRefs(tm *modelmapping.TableMapping) []modelmapping.ForeignKeyRef {
	refs, err := tm.ForeignKeyRefs()
	if err != nil {
		return nil
	}
	return refs
}
