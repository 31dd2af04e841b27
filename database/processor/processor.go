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
package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/scylladb/go-set/strset"
	"go.uber.org/zap"

	"github.com/consolidb/consolidb/batch"
	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/database/mapping"
	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model"
	modelbatch "github.com/consolidb/consolidb/model/batch"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/model/report"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
)

// TableMigrator backfills one source table into its target table: page reads
// in primary-key order, registered column transforms, one transaction per
// page with idempotent upserts. A malformed row lands in the dead-letter list
// and never blocks its page; a page that exhausts write retries marks the
// whole table PARTIAL, which blocks cutover.
type TableMigrator struct {
	jobName string
	mapping *modelmapping.TableMapping
	source  database.IDatabase
	target  database.IDatabase
	cfg     *batch.Config

	routes  []modelmapping.ColumnRoute
	fkRefs  []modelmapping.ForeignKeyRef
	pkCols  []string
	merged  bool

	// remapByColumn caches referenced tables' old key -> new key entries;
	// ownRemap caches this table's surrogate assignments so a retried page
	// re-applies the same keys.
	remapByColumn map[string]map[string]string
	ownRemap      map[string]string

	// unordered tables dead-letter from parallel pages, the set itself is
	// not thread safe
	dlMu         sync.Mutex
	deadLettered *strset.Set
}

func NewTableMigrator(jobName string, tm *modelmapping.TableMapping, source, target database.IDatabase, cfg *batch.Config) (*TableMigrator, error) {
	routes, err := tm.ColumnRoutes()
	if err != nil {
		return nil, fmt.Errorf("table [%s] column routes decode failed: %v", tm.TableNameS, err)
	}
	fkRefs, err := tm.ForeignKeyRefs()
	if err != nil {
		return nil, fmt.Errorf("table [%s] foreign key refs decode failed: %v", tm.TableNameS, err)
	}
	if cfg == nil {
		cfg = batch.DefaultConfig()
	}
	runCfg := *cfg
	// identifier remapping requires pages in non-decreasing key order so a
	// child row always finds its parent's remap entry already written
	runCfg.Ordered = tm.PrimaryKeyStrategy == constant.PrimaryKeyStrategySurrogate
	for _, r := range routes {
		if r.Transform == mapping.TransformRemap {
			runCfg.Ordered = true
		}
	}

	var pkCols []string
	if !strings.EqualFold(tm.PrimaryKeyColumns, "") {
		pkCols = stringutil.StringSplit(tm.PrimaryKeyColumns, constant.StringSeparatorComma)
	}
	if len(pkCols) == 0 {
		return nil, errors.Wrapf(database.ErrSchemaUnsupported,
			"table [%s] has no primary key, keyless tables cannot be paged deterministically", tm.TableNameS)
	}

	return &TableMigrator{
		jobName:       jobName,
		mapping:       tm,
		source:        source,
		target:        target,
		cfg:           &runCfg,
		routes:        routes,
		fkRefs:        fkRefs,
		pkCols:        pkCols,
		merged:        strings.EqualFold(tm.MergeDiscriminator, "YES"),
		remapByColumn: make(map[string]map[string]string),
		ownRemap:      make(map[string]string),
	}, nil
}

// Migrate runs the whole backfill for the table and reports the batch
// summary. The mapping's backfill status ends FINISHED, or PARTIAL when any
// batch exhausted its retries.
func (m *TableMigrator) Migrate(ctx context.Context) (*batch.Summary, error) {
	startTime := time.Now()
	if _, err := model.GetITableMappingRW().UpdateTableMapping(ctx, m.mapping, map[string]interface{}{
		"backfill_status": constant.TableBackfillRunning,
	}); err != nil {
		return nil, err
	}

	if err := m.loadRemapCaches(ctx); err != nil {
		return nil, err
	}
	if err := m.loadDeadLettered(ctx); err != nil {
		return nil, err
	}

	engine, err := batch.NewEngine(m.cfg)
	if err != nil {
		return nil, err
	}
	bounds, err := m.splitBounds(ctx)
	if err != nil {
		return nil, err
	}
	if err = engine.Split(ctx, m.jobName, m.mapping.SourceName, m.mapping.TableNameS, bounds); err != nil {
		return nil, err
	}

	summary, err := engine.Run(ctx, m.jobName, m.mapping.SourceName, m.mapping.TableNameS, m.migratePage)
	if err != nil {
		return nil, err
	}

	backfillStatus := constant.TableBackfillFinished
	if summary.Exhausted > 0 {
		backfillStatus = constant.TableBackfillPartial
	}
	if _, err = model.GetITableMappingRW().UpdateTableMapping(ctx, m.mapping, map[string]interface{}{
		"backfill_status": backfillStatus,
		"duration":        time.Since(startTime).Seconds(),
	}); err != nil {
		return nil, err
	}

	logger.Info("table backfill finished",
		zap.String("job", m.jobName),
		zap.String("table_s", m.mapping.TableNameS),
		zap.String("table_t", m.mapping.TableNameT),
		zap.String("backfill_status", backfillStatus),
		zap.Int("batch_totals", summary.Totals),
		zap.Int("batch_exhausted", summary.Exhausted))
	return summary, nil
}

func (m *TableMigrator) loadRemapCaches(ctx context.Context) error {
	for _, fk := range m.fkRefs {
		remaps, err := model.GetIIdentifierRemapRW().FindIdentifierRemap(ctx, m.jobName, m.mapping.SourceName, fk.RefTableS)
		if err != nil {
			return err
		}
		cache := make(map[string]string, len(remaps))
		for _, r := range remaps {
			cache[r.OldKey] = r.NewKey
		}
		m.remapByColumn[fk.ColumnS] = cache
	}
	if m.mapping.PrimaryKeyStrategy == constant.PrimaryKeyStrategySurrogate {
		remaps, err := model.GetIIdentifierRemapRW().FindIdentifierRemap(ctx, m.jobName, m.mapping.SourceName, m.mapping.TableNameS)
		if err != nil {
			return err
		}
		for _, r := range remaps {
			m.ownRemap[r.OldKey] = r.NewKey
		}
	}
	return nil
}

func (m *TableMigrator) loadDeadLettered(ctx context.Context) error {
	rows, err := model.GetIDeadLetterRowRW().FindDeadLetterRow(ctx, m.jobName, m.mapping.SourceName, m.mapping.TableNameS)
	if err != nil {
		return err
	}
	m.deadLettered = strset.New()
	for _, r := range rows {
		m.deadLettered.Add(r.RowKey)
	}
	return nil
}

// splitBounds reads the table's primary keys in order and cuts them into
// page bounds, lower exclusive and upper inclusive, one persisted batch per
// page.
func (m *TableMigrator) splitBounds(ctx context.Context) ([]batch.Bound, error) {
	quotedPK := make([]string, 0, len(m.pkCols))
	for _, k := range m.pkCols {
		quotedPK = append(quotedPK, m.source.QuoteIdent(k))
	}
	pkList := strings.Join(quotedPK, ", ")
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		pkList, m.source.QuoteIdent(m.mapping.TableNameS), pkList)

	_, rows, err := m.source.GeneralQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("table [%s] primary key scan failed: %v", m.mapping.TableNameS, err)
	}

	var bounds []batch.Bound
	lower := ""
	for start := 0; start < len(rows); start += m.cfg.BatchSize {
		end := start + m.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		upper := m.encodeKey(rows[end-1])
		bounds = append(bounds, batch.Bound{
			Lower:     lower,
			Upper:     upper,
			ItemCount: uint64(end - start),
		})
		lower = upper
	}
	return bounds, nil
}

func (m *TableMigrator) encodeKey(row map[string]string) string {
	vals := make([]string, 0, len(m.pkCols))
	for _, k := range m.pkCols {
		vals = append(vals, row[k])
	}
	return stringutil.MarshalJSON(vals)
}

func (m *TableMigrator) rowKey(row map[string]string) string {
	vals := make([]string, 0, len(m.pkCols))
	for _, k := range m.pkCols {
		vals = append(vals, row[k])
	}
	return stringutil.StringJoin(vals, constant.StringSeparatorUnderline)
}

// keyPredicate renders a row-value comparison over the primary key columns,
// with values inlined as quoted literals. MySQL, Postgres and SQLite all
// support row-value comparison syntax.
func (m *TableMigrator) keyPredicate(op string, encoded string) (string, error) {
	var vals []string
	if err := stringutil.UnmarshalJSON([]byte(encoded), &vals); err != nil {
		return "", fmt.Errorf("table [%s] batch bound [%s] decode failed: %v", m.mapping.TableNameS, encoded, err)
	}
	quotedPK := make([]string, 0, len(m.pkCols))
	for _, k := range m.pkCols {
		quotedPK = append(quotedPK, m.source.QuoteIdent(k))
	}
	literals := make([]string, 0, len(vals))
	for _, v := range vals {
		literals = append(literals, fmt.Sprintf("'%s'", strings.ReplaceAll(v, "'", "''")))
	}
	if len(m.pkCols) == 1 {
		return fmt.Sprintf("%s %s %s", quotedPK[0], op, literals[0]), nil
	}
	return fmt.Sprintf("(%s) %s (%s)", strings.Join(quotedPK, ", "), op, strings.Join(literals, ", ")), nil
}

// migratePage is the batch work function: read the page, transform every
// row, write the survivors inside one target transaction.
func (m *TableMigrator) migratePage(ctx context.Context, b *modelbatch.BatchJob) error {
	var predicates []string
	if !strings.EqualFold(b.LowerBound, "") {
		p, err := m.keyPredicate(">", b.LowerBound)
		if err != nil {
			return err
		}
		predicates = append(predicates, p)
	}
	p, err := m.keyPredicate("<=", b.UpperBound)
	if err != nil {
		return err
	}
	predicates = append(predicates, p)

	quotedPK := make([]string, 0, len(m.pkCols))
	for _, k := range m.pkCols {
		quotedPK = append(quotedPK, m.source.QuoteIdent(k))
	}
	selectCols := make([]string, 0, len(m.routes))
	for _, r := range m.routes {
		selectCols = append(selectCols, m.source.QuoteIdent(r.ColumnNameS))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		strings.Join(selectCols, ", "),
		m.source.QuoteIdent(m.mapping.TableNameS),
		strings.Join(predicates, " AND "),
		strings.Join(quotedPK, ", "))

	_, rows, err := m.source.GeneralQuery(ctx, query)
	if err != nil {
		return errors.Wrapf(database.ErrBatchWrite, "table [%s] page read failed: %v", m.mapping.TableNameS, err)
	}

	transformed, err := m.transformPage(ctx, rows)
	if err != nil {
		return err
	}
	if len(transformed) == 0 {
		return nil
	}
	return m.writePage(ctx, transformed)
}

func (m *TableMigrator) transformPage(ctx context.Context, rows []map[string]string) ([][]interface{}, error) {
	var (
		newRemaps   []*modelmapping.IdentifierRemap
		transformed [][]interface{}
	)
	for _, row := range rows {
		rowKey := m.rowKey(row)
		args, terr := m.transformRow(row)
		if terr != nil {
			if !errors.Is(terr, database.ErrRowTransform) {
				return nil, terr
			}
			if err := m.deadLetter(ctx, rowKey, row, terr); err != nil {
				return nil, err
			}
			continue
		}
		if m.mapping.PrimaryKeyStrategy == constant.PrimaryKeyStrategySurrogate {
			newKey, ok := m.ownRemap[rowKey]
			if !ok {
				newKey = uuid.New().String()
				m.ownRemap[rowKey] = newKey
				newRemaps = append(newRemaps, &modelmapping.IdentifierRemap{
					JobName:    m.jobName,
					SourceName: m.mapping.SourceName,
					TableNameS: m.mapping.TableNameS,
					OldKey:     rowKey,
					NewKey:     newKey,
				})
			}
			args = append([]interface{}{newKey}, args...)
		}
		transformed = append(transformed, args)
	}

	// remap rows are persisted before the page write so a crash between the
	// two still replays with the same surrogate keys
	if len(newRemaps) > 0 {
		if err := model.GetIIdentifierRemapRW().CreateInBatchIdentifierRemap(ctx, newRemaps, constant.DefaultRecordCreateBatchSize); err != nil {
			return nil, err
		}
	}
	return transformed, nil
}

// transformRow produces the upsert argument list in target column order:
// [surrogate added by caller,] [data_source,] route columns.
func (m *TableMigrator) transformRow(row map[string]string) ([]interface{}, error) {
	var args []interface{}
	if m.merged {
		args = append(args, m.mapping.SourceName)
	}
	for _, route := range m.routes {
		value, err := TransformValue(route, row[route.ColumnNameS], m.remapByColumn[route.ColumnNameS])
		if err != nil {
			// an orphan-tolerant foreign key keeps the row with a NULL
			// reference instead of dead-lettering it
			if route.Transform == mapping.TransformRemap && m.orphanTolerant(route.ColumnNameS) {
				args = append(args, nil)
				continue
			}
			return nil, err
		}
		args = append(args, value)
	}
	return args, nil
}

func (m *TableMigrator) orphanTolerant(columnS string) bool {
	for _, fk := range m.fkRefs {
		if fk.ColumnS == columnS {
			return fk.OrphanTolerant
		}
	}
	return false
}

func (m *TableMigrator) deadLetter(ctx context.Context, rowKey string, row map[string]string, terr error) error {
	m.dlMu.Lock()
	defer m.dlMu.Unlock()
	if m.deadLettered.Has(rowKey) {
		return nil
	}
	if _, err := model.GetIDeadLetterRowRW().CreateDeadLetterRow(ctx, &report.DeadLetterRow{
		JobName:      m.jobName,
		SourceName:   m.mapping.SourceName,
		TableNameS:   m.mapping.TableNameS,
		RowKey:       rowKey,
		ErrorReason:  terr.Error(),
		RowPayload:   stringutil.MarshalJSON(row),
		LetterStatus: constant.DeadLetterStatusPending,
	}); err != nil {
		return err
	}
	m.deadLettered.Add(rowKey)
	logger.Warn("row dead-lettered",
		zap.String("job", m.jobName),
		zap.String("table_s", m.mapping.TableNameS),
		zap.String("row_key", rowKey),
		zap.Error(terr))
	return nil
}

// writePage applies the page inside one target transaction with idempotent
// upserts, so a retried page can never double-apply.
func (m *TableMigrator) writePage(ctx context.Context, transformed [][]interface{}) error {
	targetCols, keyCols := m.targetColumns()
	stmt := m.target.UpsertStatement(m.mapping.TableNameT, targetCols, keyCols)

	tx, err := m.target.BeginTxn(ctx)
	if err != nil {
		return errors.Wrapf(database.ErrBatchWrite, "table [%s] begin txn failed: %v", m.mapping.TableNameT, err)
	}
	for _, args := range transformed {
		if _, err = tx.ExecContext(ctx, stmt, args...); err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				logger.Error("page rollback failed",
					zap.String("job", m.jobName),
					zap.String("table_t", m.mapping.TableNameT),
					zap.Error(rerr))
			}
			return errors.Wrapf(database.ErrBatchWrite, "table [%s] upsert failed: %v", m.mapping.TableNameT, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrapf(database.ErrBatchWrite, "table [%s] commit failed: %v", m.mapping.TableNameT, err)
	}
	return nil
}

// targetColumns returns the insert column list in argument order and the
// conflict key columns for the idempotent upsert.
func (m *TableMigrator) targetColumns() ([]string, []string) {
	var cols []string
	if m.mapping.PrimaryKeyStrategy == constant.PrimaryKeyStrategySurrogate {
		cols = append(cols, mapping.SurrogateKeyColumn)
	}
	var keyCols []string
	if m.merged {
		cols = append(cols, constant.DefaultDataSourceColumn)
		keyCols = append(keyCols, constant.DefaultDataSourceColumn)
	}
	for _, r := range m.routes {
		cols = append(cols, r.ColumnNameT)
		if r.IsPrimaryKey {
			keyCols = append(keyCols, r.ColumnNameT)
		}
	}
	return cols, keyCols
}
