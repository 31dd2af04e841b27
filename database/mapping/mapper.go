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

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/scylladb/go-set/strset"
	"go.uber.org/zap"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/logger"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
	"github.com/consolidb/consolidb/utils/structure"
)

// SurrogateKeyColumn is the generated primary key column added to a target
// table when merging sources could collide on original keys.
const SurrogateKeyColumn = "surrogate_id"

// Override adjusts the mapper's defaults for one source table.
type Override struct {
	TableNameT            string   `json:"tableNameT"`
	PrimaryKeyStrategy    string   `json:"primaryKeyStrategy"`
	OrphanTolerantColumns []string `json:"orphanTolerantColumns"`
}

// Plan is the mapper's output: the target schema DDL in backfill order plus
// one table mapping per source table.
type Plan struct {
	JobName       string
	TargetDDL     []string
	TableMappings []*modelmapping.TableMapping
}

type Mapper struct {
	jobName   string
	overrides map[string]Override
}

func NewMapper(jobName string, overrides map[string]Override) *Mapper {
	if overrides == nil {
		overrides = make(map[string]Override)
	}
	return &Mapper{jobName: jobName, overrides: overrides}
}

// targetGroup gathers every source table that lands in one target table.
type targetGroup struct {
	tableNameT string
	members    []*groupMember
	merged     bool
	pkStrategy string
	deferredFK string
	order      int
}

type groupMember struct {
	sourceName string
	table      *structure.Table
}

// BuildPlan consumes the analyzer inventories and produces the target schema
// plus a table mapping per source table. Tables sharing a name across sources
// merge into one target table carrying the data_source discriminator; two
// sources declaring incompatible types for the same target column escalate as
// a mapping conflict, never resolved by truncation.
func (m *Mapper) BuildPlan(inventories []*structure.Inventory) (*Plan, error) {
	groups, err := m.groupTables(inventories)
	if err != nil {
		return nil, err
	}

	if err = m.checkForeignKeyCoverage(groups); err != nil {
		return nil, err
	}

	ordered, err := m.orderByDependency(groups)
	if err != nil {
		return nil, err
	}

	plan := &Plan{JobName: m.jobName}
	for _, g := range ordered {
		m.decidePrimaryKeyStrategy(g)
	}
	for _, g := range ordered {
		mappings, err := m.buildTableMappings(g, groups)
		if err != nil {
			return nil, err
		}
		plan.TableMappings = append(plan.TableMappings, mappings...)

		ddl, err := m.buildTargetDDL(g)
		if err != nil {
			return nil, err
		}
		plan.TargetDDL = append(plan.TargetDDL, ddl)
	}

	logger.Info("mapping plan built",
		zap.String("job", m.jobName),
		zap.Int("target_tables", len(ordered)),
		zap.Int("table_mappings", len(plan.TableMappings)))
	return plan, nil
}

func (m *Mapper) groupTables(inventories []*structure.Inventory) (map[string]*targetGroup, error) {
	groups := make(map[string]*targetGroup)
	for _, inv := range inventories {
		for _, tab := range inv.Tables {
			tableNameT := tab.TableName
			if ov, ok := m.overrides[tab.TableName]; ok && !strings.EqualFold(ov.TableNameT, "") {
				tableNameT = ov.TableNameT
			}
			g, ok := groups[tableNameT]
			if !ok {
				g = &targetGroup{tableNameT: tableNameT}
				groups[tableNameT] = g
			}
			g.members = append(g.members, &groupMember{sourceName: inv.DatasourceName, table: tab})
		}
	}
	for _, g := range groups {
		g.merged = len(g.members) > 1
	}
	return groups, nil
}

// mergedColumns unions the member tables' columns. When two sources both
// carry a column its widened target type must agree, a disagreement is a
// conflict escalated to the operator.
func (m *Mapper) mergedColumns(g *targetGroup) ([]modelmapping.ColumnRoute, error) {
	var (
		order  []string
		byName = make(map[string]modelmapping.ColumnRoute)
	)
	for _, member := range g.members {
		pkSet := strset.New(member.table.PrimaryKey...)
		for _, c := range member.table.Columns {
			rule, ok := WidenType(c.DataType)
			if !ok {
				return nil, errors.Wrapf(database.ErrSchemaUnsupported,
					"table [%s] column [%s] type [%s] has no widening rule", member.table.TableName, c.ColumnName, c.DataType)
			}
			route := modelmapping.ColumnRoute{
				ColumnNameS:  c.ColumnName,
				ColumnNameT:  c.ColumnName,
				TypeS:        c.DataType,
				TypeT:        rule.TargetType,
				Transform:    rule.Transform,
				IsPrimaryKey: pkSet.Has(c.ColumnName),
				Nullable:     c.Nullable,
			}
			exist, ok := byName[c.ColumnName]
			if !ok {
				byName[c.ColumnName] = route
				order = append(order, c.ColumnName)
				continue
			}
			if exist.TypeT != route.TypeT {
				return nil, errors.Wrapf(database.ErrMappingConflict,
					"target table [%s] column [%s] widens to [%s] from source [%s] but [%s] from another source",
					g.tableNameT, c.ColumnName, route.TypeT, member.sourceName, exist.TypeT)
			}
			// a column nullable in any source stays nullable in the target
			if route.Nullable && !exist.Nullable {
				exist.Nullable = true
				byName[c.ColumnName] = exist
			}
		}
	}
	routes := make([]modelmapping.ColumnRoute, 0, len(order))
	for _, name := range order {
		routes = append(routes, byName[name])
	}
	return routes, nil
}

// decidePrimaryKeyStrategy keeps original keys unless merging sources could
// collide on them: integer keys (auto-increment families) always count as
// collision risks, otherwise the sampled key values decide.
func (m *Mapper) decidePrimaryKeyStrategy(g *targetGroup) {
	for _, member := range g.members {
		if ov, ok := m.overrides[member.table.TableName]; ok && !strings.EqualFold(ov.PrimaryKeyStrategy, "") {
			g.pkStrategy = stringutil.StringUpper(ov.PrimaryKeyStrategy)
			return
		}
	}
	if !g.merged {
		g.pkStrategy = constant.PrimaryKeyStrategyPassthrough
		return
	}

	seen := strset.New()
	for _, member := range g.members {
		pkSet := strset.New(member.table.PrimaryKey...)
		for _, c := range member.table.Columns {
			if !pkSet.Has(c.ColumnName) {
				continue
			}
			if rule, ok := WidenType(c.DataType); ok && rule.TargetType == "BIGINT" {
				g.pkStrategy = constant.PrimaryKeyStrategySurrogate
				return
			}
		}
		for _, row := range member.table.SampleRows {
			var keyParts []string
			for _, k := range member.table.PrimaryKey {
				keyParts = append(keyParts, row[k])
			}
			key := stringutil.StringJoin(keyParts, constant.StringSeparatorUnderline)
			if seen.Has(key) {
				g.pkStrategy = constant.PrimaryKeyStrategySurrogate
				return
			}
			seen.Add(key)
		}
	}
	g.pkStrategy = constant.PrimaryKeyStrategyPassthrough
}

// checkForeignKeyCoverage enforces the mapping invariant: every foreign key a
// mapped table declares must point at a mapped table or be explicitly
// declared orphan-tolerant through an override.
func (m *Mapper) checkForeignKeyCoverage(groups map[string]*targetGroup) error {
	mappedSourceTables := strset.New()
	for _, g := range groups {
		for _, member := range g.members {
			mappedSourceTables.Add(member.table.TableName)
		}
	}
	for _, g := range groups {
		for _, member := range g.members {
			tolerant := strset.New()
			if ov, ok := m.overrides[member.table.TableName]; ok {
				tolerant.Add(ov.OrphanTolerantColumns...)
			}
			for _, fk := range member.table.ForeignKeys {
				if mappedSourceTables.Has(fk.RefTableName) || tolerant.Has(fk.ColumnName) {
					continue
				}
				return errors.Wrapf(database.ErrMappingConflict,
					"table [%s] foreign key column [%s] references unmapped table [%s] and is not declared orphan-tolerant",
					member.table.TableName, fk.ColumnName, fk.RefTableName)
			}
		}
	}
	return nil
}

// orderByDependency topologically sorts target tables over the foreign-key
// graph so a table never backfills before the tables it references. A true
// cycle is broken by deferring one direction's constraint to a post-backfill
// pass instead of refusing to migrate.
func (m *Mapper) orderByDependency(groups map[string]*targetGroup) ([]*targetGroup, error) {
	// map source table name -> target group
	targetOf := make(map[string]*targetGroup)
	for _, g := range groups {
		for _, member := range g.members {
			targetOf[member.table.TableName] = g
		}
	}

	deps := make(map[string]*strset.Set)
	for name, g := range groups {
		deps[name] = strset.New()
		for _, member := range g.members {
			for _, fk := range member.table.ForeignKeys {
				ref, ok := targetOf[fk.RefTableName]
				if !ok || ref.tableNameT == name {
					continue
				}
				deps[name].Add(ref.tableNameT)
			}
		}
	}

	var (
		ordered []*targetGroup
		names   []string
	)
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := strset.New()
	for len(names) > 0 {
		progressed := false
		var remaining []string
		for _, name := range names {
			unresolved := strset.Difference(deps[name], resolved)
			if unresolved.Size() == 0 {
				g := groups[name]
				g.order = len(ordered)
				ordered = append(ordered, g)
				resolved.Add(name)
				progressed = true
				continue
			}
			remaining = append(remaining, name)
		}
		if !progressed {
			// cycle: break it at the lexicographically first remaining table
			// by deferring its constraint into the cycle
			name := remaining[0]
			g := groups[name]
			deferred := strset.Difference(deps[name], resolved).List()
			sort.Strings(deferred)
			g.deferredFK = deferred[0]
			deps[name].Remove(deferred[0])
			logger.Warn("foreign key cycle broken",
				zap.String("job", m.jobName),
				zap.String("table", name),
				zap.String("deferred_reference", g.deferredFK))
		}
		names = remaining
	}
	return ordered, nil
}

func (m *Mapper) buildTableMappings(g *targetGroup, groups map[string]*targetGroup) ([]*modelmapping.TableMapping, error) {
	targetOf := make(map[string]*targetGroup)
	for _, grp := range groups {
		for _, member := range grp.members {
			targetOf[member.table.TableName] = grp
		}
	}

	var mappings []*modelmapping.TableMapping
	for _, member := range g.members {
		pkSet := strset.New(member.table.PrimaryKey...)
		var routes []modelmapping.ColumnRoute
		for _, c := range member.table.Columns {
			rule, ok := WidenType(c.DataType)
			if !ok {
				return nil, errors.Wrapf(database.ErrSchemaUnsupported,
					"table [%s] column [%s] type [%s] has no widening rule", member.table.TableName, c.ColumnName, c.DataType)
			}
			transform := rule.Transform
			// a foreign key into a surrogate-keyed parent rewrites through
			// the identifier remap table
			for _, fk := range member.table.ForeignKeys {
				if fk.ColumnName != c.ColumnName {
					continue
				}
				if ref, ok := targetOf[fk.RefTableName]; ok && ref.pkStrategy == constant.PrimaryKeyStrategySurrogate {
					transform = TransformRemap
				}
			}
			routes = append(routes, modelmapping.ColumnRoute{
				ColumnNameS:  c.ColumnName,
				ColumnNameT:  c.ColumnName,
				TypeS:        c.DataType,
				TypeT:        rule.TargetType,
				Transform:    transform,
				IsPrimaryKey: pkSet.Has(c.ColumnName),
				Nullable:     c.Nullable,
			})
		}

		tolerant := strset.New()
		if ov, ok := m.overrides[member.table.TableName]; ok {
			tolerant.Add(ov.OrphanTolerantColumns...)
		}
		var refs []modelmapping.ForeignKeyRef
		for _, fk := range member.table.ForeignKeys {
			refs = append(refs, modelmapping.ForeignKeyRef{
				ColumnS:        fk.ColumnName,
				RefTableS:      fk.RefTableName,
				RefColumnS:     fk.RefColumnName,
				OrphanTolerant: tolerant.Has(fk.ColumnName),
			})
		}

		merged := "NO"
		if g.merged {
			merged = "YES"
		}
		mappings = append(mappings, &modelmapping.TableMapping{
			JobName:            m.jobName,
			SourceName:         member.sourceName,
			TableNameS:         member.table.TableName,
			TableNameT:         g.tableNameT,
			ColumnDetail:       stringutil.MarshalJSON(routes),
			PrimaryKeyStrategy: g.pkStrategy,
			PrimaryKeyColumns:  stringutil.StringJoin(member.table.PrimaryKey, constant.StringSeparatorComma),
			ForeignKeyDetail:   stringutil.MarshalJSON(refs),
			MergeDiscriminator: merged,
			DeferredConstraint: g.deferredFK,
			MigrateOrder:       g.order,
			BackfillStatus:     constant.TableBackfillWaiting,
		})
	}
	return mappings, nil
}

// buildTargetDDL renders the CREATE TABLE statement for one target table:
// widened column types, the data_source discriminator for merged tables, a
// surrogate or pass-through primary key, and the (data_source, original key)
// uniqueness rule that stops merged rows from silently overwriting.
func (m *Mapper) buildTargetDDL(g *targetGroup) (string, error) {
	routes, err := m.mergedColumns(g)
	if err != nil {
		return "", err
	}

	var (
		defs     []string
		pkCols   []string
		origKeys []string
	)
	if g.pkStrategy == constant.PrimaryKeyStrategySurrogate {
		defs = append(defs, fmt.Sprintf("%s VARCHAR(36) NOT NULL", SurrogateKeyColumn))
		pkCols = append(pkCols, SurrogateKeyColumn)
	}
	if g.merged {
		defs = append(defs, fmt.Sprintf("%s VARCHAR(300) NOT NULL", constant.DefaultDataSourceColumn))
		origKeys = append(origKeys, constant.DefaultDataSourceColumn)
	}
	for _, r := range routes {
		nullable := ""
		if !r.Nullable {
			nullable = " NOT NULL"
		}
		defs = append(defs, fmt.Sprintf("%s %s%s", r.ColumnNameT, r.TypeT, nullable))
		if r.IsPrimaryKey {
			origKeys = append(origKeys, r.ColumnNameT)
			if g.pkStrategy == constant.PrimaryKeyStrategyPassthrough {
				pkCols = append(pkCols, r.ColumnNameT)
			}
		}
	}
	if len(pkCols) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", stringutil.StringJoin(pkCols, ", ")))
	}
	// idempotent upserts key on (data_source, original key) for merged
	// tables, keep that pair unique even under a surrogate primary key
	if g.merged || g.pkStrategy == constant.PrimaryKeyStrategySurrogate {
		if len(origKeys) > 0 {
			defs = append(defs, fmt.Sprintf("UNIQUE (%s)", stringutil.StringJoin(origKeys, ", ")))
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", g.tableNameT, stringutil.StringJoin(defs, ",\n  ")), nil
}
