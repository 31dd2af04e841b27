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
	"strings"
)

// TransformIdentity and friends name the registered row transforms referenced
// by ColumnRoute.Transform and applied by the migrator and the
// sample-equivalence check.
const (
	TransformIdentity = "identity"
	TransformDecimal  = "decimal"
	TransformRemap    = "remap"
	TransformJSON     = "json"
)

// TypeRule is one entry of the deterministic widening rule table: every
// supported source type widens to exactly one target type, never narrows.
type TypeRule struct {
	TargetType string
	Transform  string
}

// wideningRules keys are upper-cased source base types with length and
// precision qualifiers stripped. Integer families widen to BIGINT, free text
// widens to TEXT, exact numerics keep fixed-point DECIMAL and route through
// the decimal transform so no value ever crosses binary floating point.
var wideningRules = map[string]TypeRule{
	"TINYINT":           {TargetType: "BIGINT", Transform: TransformIdentity},
	"SMALLINT":          {TargetType: "BIGINT", Transform: TransformIdentity},
	"MEDIUMINT":         {TargetType: "BIGINT", Transform: TransformIdentity},
	"INT":               {TargetType: "BIGINT", Transform: TransformIdentity},
	"INTEGER":           {TargetType: "BIGINT", Transform: TransformIdentity},
	"BIGINT":            {TargetType: "BIGINT", Transform: TransformIdentity},
	"SERIAL":            {TargetType: "BIGINT", Transform: TransformIdentity},
	"BIGSERIAL":         {TargetType: "BIGINT", Transform: TransformIdentity},
	"DECIMAL":           {TargetType: "DECIMAL(38,9)", Transform: TransformDecimal},
	"NUMERIC":           {TargetType: "DECIMAL(38,9)", Transform: TransformDecimal},
	"MONEY":             {TargetType: "DECIMAL(38,9)", Transform: TransformDecimal},
	"CHAR":              {TargetType: "TEXT", Transform: TransformIdentity},
	"VARCHAR":           {TargetType: "TEXT", Transform: TransformIdentity},
	"CHARACTER":         {TargetType: "TEXT", Transform: TransformIdentity},
	"CHARACTER VARYING": {TargetType: "TEXT", Transform: TransformIdentity},
	"TINYTEXT":          {TargetType: "TEXT", Transform: TransformIdentity},
	"TEXT":              {TargetType: "TEXT", Transform: TransformIdentity},
	"MEDIUMTEXT":        {TargetType: "TEXT", Transform: TransformIdentity},
	"LONGTEXT":          {TargetType: "TEXT", Transform: TransformIdentity},
	"CLOB":              {TargetType: "TEXT", Transform: TransformIdentity},
	"JSON":              {TargetType: "JSON", Transform: TransformJSON},
	"JSONB":             {TargetType: "JSON", Transform: TransformJSON},
	"DATE":              {TargetType: "DATE", Transform: TransformIdentity},
	"DATETIME":          {TargetType: "DATETIME", Transform: TransformIdentity},
	"TIMESTAMP":         {TargetType: "DATETIME", Transform: TransformIdentity},
	"TIMESTAMP WITHOUT TIME ZONE": {TargetType: "DATETIME", Transform: TransformIdentity},
	"TIMESTAMP WITH TIME ZONE":    {TargetType: "DATETIME", Transform: TransformIdentity},
	"TIME":              {TargetType: "TIME", Transform: TransformIdentity},
	"BOOL":              {TargetType: "BOOLEAN", Transform: TransformIdentity},
	"BOOLEAN":           {TargetType: "BOOLEAN", Transform: TransformIdentity},
	"BLOB":              {TargetType: "LONGBLOB", Transform: TransformIdentity},
	"MEDIUMBLOB":        {TargetType: "LONGBLOB", Transform: TransformIdentity},
	"LONGBLOB":          {TargetType: "LONGBLOB", Transform: TransformIdentity},
	"BYTEA":             {TargetType: "LONGBLOB", Transform: TransformIdentity},
	"DOUBLE":            {TargetType: "DOUBLE", Transform: TransformIdentity},
	"DOUBLE PRECISION":  {TargetType: "DOUBLE", Transform: TransformIdentity},
	"FLOAT":             {TargetType: "DOUBLE", Transform: TransformIdentity},
	"REAL":              {TargetType: "DOUBLE", Transform: TransformIdentity},
}

// NormalizeType strips length and precision qualifiers, e.g.
// VARCHAR(255) -> VARCHAR, DECIMAL(10,2) -> DECIMAL.
func NormalizeType(dataType string) string {
	t := strings.ToUpper(strings.TrimSpace(dataType))
	if idx := strings.Index(t, "("); idx >= 0 {
		t = strings.TrimSpace(t[:idx])
	}
	return t
}

// WidenType resolves a declared source type against the widening rule table.
// The second return reports whether a rule exists; the analyzer treats a
// missing rule as a schema-unsupported construct.
func WidenType(dataType string) (TypeRule, bool) {
	rule, ok := wideningRules[NormalizeType(dataType)]
	return rule, ok
}

func IsSupportedType(dataType string) bool {
	_, ok := WidenType(dataType)
	return ok
}
