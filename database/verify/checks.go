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
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/r3labs/diff/v2"
	"github.com/shopspring/decimal"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/database/mapping"
	"github.com/consolidb/consolidb/database/processor"
	"github.com/consolidb/consolidb/model"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
)

const nullSentinel = "NULLABLE"

// discrepancyLimit caps how many individual mismatches a detail document
// enumerates.
const discrepancyLimit = 50

func quoteLit(v string) string {
	return fmt.Sprintf("'%s'", strings.ReplaceAll(v, "'", "''"))
}

// targetScope renders the data_source predicate for merged tables so each
// source's rows are compared against their own slice of the target.
func targetScope(db database.IDatabase, tm *modelmapping.TableMapping) string {
	if strings.EqualFold(tm.MergeDiscriminator, "YES") {
		return fmt.Sprintf("%s = %s", db.QuoteIdent(constant.DefaultDataSourceColumn), quoteLit(tm.SourceName))
	}
	return ""
}

func countWhere(ctx context.Context, db database.IDatabase, tableName, where string) (uint64, error) {
	query := fmt.Sprintf("SELECT COUNT(1) AS row_counts FROM %s", db.QuoteIdent(tableName))
	if where != "" {
		query = fmt.Sprintf("%s WHERE %s", query, where)
	}
	_, res, err := db.GeneralQuery(ctx, query)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	var counts uint64
	if _, err = fmt.Sscanf(res[0]["row_counts"], "%d", &counts); err != nil {
		return 0, fmt.Errorf("count parse failed for table [%s]: %v", tableName, err)
	}
	return counts, nil
}

// checkRowCountParity verifies target == source - dead-lettered, with every
// dropped row enumerated in the detail rather than silently excused.
func (v *Verifier) checkRowCountParity(ctx context.Context, tm *modelmapping.TableMapping, source database.IDatabase) (string, string, error) {
	sourceCount, err := source.GetTableRows(ctx, tm.TableNameS)
	if err != nil {
		return "", "", err
	}
	targetCount, err := countWhere(ctx, v.target, tm.TableNameT, targetScope(v.target, tm))
	if err != nil {
		return "", "", err
	}

	deadLetters, err := model.GetIDeadLetterRowRW().FindDeadLetterRow(ctx, v.jobName, tm.SourceName, tm.TableNameS)
	if err != nil {
		return "", "", err
	}
	var droppedKeys []string
	for _, d := range deadLetters {
		if d.LetterStatus == constant.DeadLetterStatusRepaired {
			continue
		}
		droppedKeys = append(droppedKeys, d.RowKey)
	}

	expected := sourceCount - uint64(len(droppedKeys))
	detail := stringutil.MarshalJSON(map[string]interface{}{
		"sourceCount":     sourceCount,
		"targetCount":     targetCount,
		"deadLetterCount": len(droppedKeys),
		"deadLetterKeys":  droppedKeys,
		"expectedCount":   expected,
	})
	if targetCount == expected {
		return constant.CheckResultPass, detail, nil
	}
	return constant.CheckResultFail, detail, nil
}

// checkForeignKeyIntegrity anti-joins every foreign key on the target: after
// remapping, each non-null reference must land on an existing parent row.
func (v *Verifier) checkForeignKeyIntegrity(ctx context.Context, tm *modelmapping.TableMapping, _ database.IDatabase) (string, string, error) {
	fkRefs, err := tm.ForeignKeyRefs()
	if err != nil {
		return "", "", err
	}
	if len(fkRefs) == 0 {
		return constant.CheckResultPass, "", nil
	}
	routes, err := tm.ColumnRoutes()
	if err != nil {
		return "", "", err
	}
	targetCol := func(columnS string) string {
		for _, r := range routes {
			if r.ColumnNameS == columnS {
				return r.ColumnNameT
			}
		}
		return columnS
	}

	type orphanDetail struct {
		Column      string `json:"column"`
		RefTable    string `json:"refTable"`
		OrphanCount uint64 `json:"orphanCount"`
	}
	var (
		details []orphanDetail
		orphans uint64
	)
	for _, fk := range fkRefs {
		parent, err := model.GetITableMappingRW().GetTableMapping(ctx, &modelmapping.TableMapping{
			JobName:    v.jobName,
			SourceName: tm.SourceName,
			TableNameS: fk.RefTableS,
		})
		if err != nil {
			return "", "", err
		}
		if parent == nil || parent.TableNameT == "" {
			// unmapped reference was declared orphan-tolerant at mapping time
			continue
		}

		parentKey := targetCol(fk.RefColumnS)
		if parent.PrimaryKeyStrategy == constant.PrimaryKeyStrategySurrogate {
			parentKey = mapping.SurrogateKeyColumn
		}
		childCol := targetCol(fk.ColumnS)

		joins := []string{fmt.Sprintf("c.%s = p.%s", v.target.QuoteIdent(childCol), v.target.QuoteIdent(parentKey))}
		if strings.EqualFold(tm.MergeDiscriminator, "YES") && strings.EqualFold(parent.MergeDiscriminator, "YES") &&
			parent.PrimaryKeyStrategy != constant.PrimaryKeyStrategySurrogate {
			joins = append(joins, fmt.Sprintf("c.%s = p.%s",
				v.target.QuoteIdent(constant.DefaultDataSourceColumn), v.target.QuoteIdent(constant.DefaultDataSourceColumn)))
		}
		wheres := []string{
			fmt.Sprintf("c.%s IS NOT NULL", v.target.QuoteIdent(childCol)),
			fmt.Sprintf("p.%s IS NULL", v.target.QuoteIdent(parentKey)),
		}
		if scope := targetScope(v.target, tm); scope != "" {
			wheres = append(wheres, fmt.Sprintf("c.%s = %s", v.target.QuoteIdent(constant.DefaultDataSourceColumn), quoteLit(tm.SourceName)))
		}

		query := fmt.Sprintf("SELECT COUNT(1) AS row_counts FROM %s c LEFT JOIN %s p ON %s WHERE %s",
			v.target.QuoteIdent(tm.TableNameT),
			v.target.QuoteIdent(parent.TableNameT),
			strings.Join(joins, " AND "),
			strings.Join(wheres, " AND "))
		_, res, err := v.target.GeneralQuery(ctx, query)
		if err != nil {
			return "", "", err
		}
		var counts uint64
		if len(res) > 0 {
			if _, err = fmt.Sscanf(res[0]["row_counts"], "%d", &counts); err != nil {
				return "", "", err
			}
		}
		orphans += counts
		details = append(details, orphanDetail{Column: childCol, RefTable: parent.TableNameT, OrphanCount: counts})
	}

	detail := stringutil.MarshalJSON(details)
	if orphans == 0 {
		return constant.CheckResultPass, detail, nil
	}
	return constant.CheckResultFail, detail, nil
}

// checkStructuralShape scans every JSON-routed column on the target for
// values that are not well-formed documents.
func (v *Verifier) checkStructuralShape(ctx context.Context, tm *modelmapping.TableMapping, _ database.IDatabase) (string, string, error) {
	routes, err := tm.ColumnRoutes()
	if err != nil {
		return "", "", err
	}

	type shapeDetail struct {
		Column       string   `json:"column"`
		InvalidCount int      `json:"invalidCount"`
		InvalidKeys  []string `json:"invalidKeys"`
	}
	var (
		details []shapeDetail
		invalid int
	)
	scope := targetScope(v.target, tm)
	for _, r := range routes {
		if r.Transform != mapping.TransformJSON {
			continue
		}
		query := fmt.Sprintf("SELECT %s FROM %s", v.target.QuoteIdent(r.ColumnNameT), v.target.QuoteIdent(tm.TableNameT))
		if scope != "" {
			query = fmt.Sprintf("%s WHERE %s", query, scope)
		}
		_, rows, err := v.target.GeneralQuery(ctx, query)
		if err != nil {
			return "", "", err
		}
		d := shapeDetail{Column: r.ColumnNameT}
		for _, row := range rows {
			value := row[r.ColumnNameT]
			if value == nullSentinel {
				continue
			}
			if !json.Valid([]byte(value)) {
				d.InvalidCount++
				if len(d.InvalidKeys) < discrepancyLimit {
					d.InvalidKeys = append(d.InvalidKeys, value)
				}
			}
		}
		invalid += d.InvalidCount
		details = append(details, d)
	}
	if len(details) == 0 {
		return constant.CheckResultPass, "", nil
	}
	detail := stringutil.MarshalJSON(details)
	if invalid == 0 {
		return constant.CheckResultPass, detail, nil
	}
	return constant.CheckResultFail, detail, nil
}

// checkConservation re-derives financial aggregates on both sides with
// fixed-point arithmetic and compares them within the configured epsilon.
func (v *Verifier) checkConservation(ctx context.Context, tm *modelmapping.TableMapping, source database.IDatabase) (string, string, error) {
	routes, err := tm.ColumnRoutes()
	if err != nil {
		return "", "", err
	}

	type sumDetail struct {
		Column    string `json:"column"`
		SumSource string `json:"sumSource"`
		SumTarget string `json:"sumTarget"`
		Delta     string `json:"delta"`
	}
	var (
		details []sumDetail
		fails   int
	)
	for _, r := range routes {
		if r.Transform != mapping.TransformDecimal {
			continue
		}
		sumS, err := v.sumColumn(ctx, source, tm.TableNameS, r.ColumnNameS, "")
		if err != nil {
			return "", "", err
		}
		sumT, err := v.sumColumn(ctx, v.target, tm.TableNameT, r.ColumnNameT, targetScope(v.target, tm))
		if err != nil {
			return "", "", err
		}
		delta := sumS.Sub(sumT).Abs()
		if delta.GreaterThan(v.epsilon) {
			fails++
		}
		details = append(details, sumDetail{
			Column:    r.ColumnNameT,
			SumSource: sumS.String(),
			SumTarget: sumT.String(),
			Delta:     delta.String(),
		})
	}
	if len(details) == 0 {
		return constant.CheckResultPass, "", nil
	}
	detail := stringutil.MarshalJSON(details)
	if fails == 0 {
		return constant.CheckResultPass, detail, nil
	}
	return constant.CheckResultFail, detail, nil
}

// sumColumn scans the column and sums in decimal space. SQL SUM would route
// through the store's float accumulator on some dialects and could hide
// exactly the precision loss this check exists to catch.
func (v *Verifier) sumColumn(ctx context.Context, db database.IDatabase, tableName, columnName, where string) (decimal.Decimal, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", db.QuoteIdent(columnName), db.QuoteIdent(tableName))
	if where != "" {
		query = fmt.Sprintf("%s WHERE %s", query, where)
	}
	_, rows, err := db.GeneralQuery(ctx, query)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, row := range rows {
		value := row[columnName]
		if value == nullSentinel {
			continue
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("table [%s] column [%s] value [%s] is not a valid decimal: %v", tableName, columnName, value, err)
		}
		sum = sum.Add(d)
	}
	return sum, nil
}

// checkSampleEquivalence compares a random sample of source rows
// field-by-field against their migrated counterparts after applying the
// declared transforms.
func (v *Verifier) checkSampleEquivalence(ctx context.Context, tm *modelmapping.TableMapping, source database.IDatabase) (string, string, error) {
	routes, err := tm.ColumnRoutes()
	if err != nil {
		return "", "", err
	}
	fkRefs, err := tm.ForeignKeyRefs()
	if err != nil {
		return "", "", err
	}
	pkCols := stringutil.StringSplit(tm.PrimaryKeyColumns, constant.StringSeparatorComma)
	if len(pkCols) == 0 {
		return constant.CheckResultPass, "", nil
	}

	total, err := source.GetTableRows(ctx, tm.TableNameS)
	if err != nil {
		return "", "", err
	}
	if total == 0 {
		return constant.CheckResultPass, "", nil
	}
	offset := 0
	if int(total) > v.cfg.SampleSize {
		offset = rand.Intn(int(total) - v.cfg.SampleSize + 1)
	}

	selectCols := make([]string, 0, len(routes))
	for _, r := range routes {
		selectCols = append(selectCols, source.QuoteIdent(r.ColumnNameS))
	}
	quotedPK := make([]string, 0, len(pkCols))
	for _, k := range pkCols {
		quotedPK = append(quotedPK, source.QuoteIdent(k))
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %d OFFSET %d",
		strings.Join(selectCols, ", "),
		source.QuoteIdent(tm.TableNameS),
		strings.Join(quotedPK, ", "),
		v.cfg.SampleSize, offset)
	_, sampleRows, err := source.GeneralQuery(ctx, query)
	if err != nil {
		return "", "", err
	}

	type mismatch struct {
		RowKey string `json:"rowKey"`
		Reason string `json:"reason"`
	}
	var mismatches []mismatch
	for _, row := range sampleRows {
		var keyParts []string
		for _, k := range pkCols {
			keyParts = append(keyParts, row[k])
		}
		rowKey := stringutil.StringJoin(keyParts, constant.StringSeparatorUnderline)

		expected, err := v.expectedTargetRow(ctx, tm, routes, fkRefs, row)
		if err != nil {
			return "", "", err
		}
		actual, err := v.fetchTargetRow(ctx, tm, routes, pkCols, row)
		if err != nil {
			return "", "", err
		}
		if actual == nil {
			mismatches = append(mismatches, mismatch{RowKey: rowKey, Reason: "row missing on target"})
			continue
		}
		normalizeDecimals(routes, actual)
		changes, err := diff.Diff(expected, actual)
		if err != nil {
			return "", "", err
		}
		if len(changes) > 0 {
			mismatches = append(mismatches, mismatch{RowKey: rowKey, Reason: stringutil.MarshalJSON(changes)})
		}
	}

	detail := stringutil.MarshalJSON(mismatches)
	if len(mismatches) == 0 {
		return constant.CheckResultPass, detail, nil
	}
	return constant.CheckResultFail, detail, nil
}

// normalizeDecimals rewrites decimal-routed fields to their canonical form
// so trailing zeros from the target's column scale never read as a diff.
func normalizeDecimals(routes []modelmapping.ColumnRoute, row map[string]string) {
	for _, r := range routes {
		if r.Transform != mapping.TransformDecimal {
			continue
		}
		value, ok := row[r.ColumnNameT]
		if !ok || value == nullSentinel {
			continue
		}
		if d, err := decimal.NewFromString(value); err == nil {
			row[r.ColumnNameT] = d.String()
		}
	}
}

// expectedTargetRow applies the declared transforms to a source row,
// producing the field values the migrated row must carry.
func (v *Verifier) expectedTargetRow(ctx context.Context, tm *modelmapping.TableMapping, routes []modelmapping.ColumnRoute, fkRefs []modelmapping.ForeignKeyRef, row map[string]string) (map[string]string, error) {
	expected := make(map[string]string, len(routes))
	for _, r := range routes {
		var remap map[string]string
		if r.Transform == mapping.TransformRemap {
			remap = map[string]string{}
			for _, fk := range fkRefs {
				if fk.ColumnS != r.ColumnNameS {
					continue
				}
				entry, err := model.GetIIdentifierRemapRW().GetIdentifierRemap(ctx, &modelmapping.IdentifierRemap{
					JobName:    v.jobName,
					SourceName: tm.SourceName,
					TableNameS: fk.RefTableS,
					OldKey:     row[r.ColumnNameS],
				})
				if err != nil {
					return nil, err
				}
				if entry != nil && entry.NewKey != "" {
					remap[row[r.ColumnNameS]] = entry.NewKey
				}
			}
		}
		value, err := processor.TransformValue(r, row[r.ColumnNameS], remap)
		if err != nil {
			// the row was dead-lettered or is orphan drift, surface it as a
			// field-level difference instead of failing the run
			expected[r.ColumnNameT] = fmt.Sprintf("transform error: %v", err)
			continue
		}
		if value == nil {
			expected[r.ColumnNameT] = nullSentinel
			continue
		}
		expected[r.ColumnNameT] = fmt.Sprintf("%v", value)
	}
	return expected, nil
}

// fetchTargetRow reads the migrated row by (data_source, original key).
func (v *Verifier) fetchTargetRow(ctx context.Context, tm *modelmapping.TableMapping, routes []modelmapping.ColumnRoute, pkCols []string, row map[string]string) (map[string]string, error) {
	targetCol := func(columnS string) string {
		for _, r := range routes {
			if r.ColumnNameS == columnS {
				return r.ColumnNameT
			}
		}
		return columnS
	}

	var predicates []string
	if scope := targetScope(v.target, tm); scope != "" {
		predicates = append(predicates, scope)
	}
	for _, k := range pkCols {
		predicates = append(predicates, fmt.Sprintf("%s = %s", v.target.QuoteIdent(targetCol(k)), quoteLit(row[k])))
	}

	selectCols := make([]string, 0, len(routes))
	for _, r := range routes {
		selectCols = append(selectCols, v.target.QuoteIdent(r.ColumnNameT))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(selectCols, ", "),
		v.target.QuoteIdent(tm.TableNameT),
		strings.Join(predicates, " AND "))
	_, rows, err := v.target.GeneralQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
