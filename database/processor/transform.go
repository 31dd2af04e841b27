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
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/database/mapping"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
)

// nullSentinel is how GeneralQuery renders SQL NULL.
const nullSentinel = "NULLABLE"

// TransformValue applies one column route's registered transform to a scanned
// value. Numeric and financial columns go through fixed-point decimal
// arithmetic, never binary floating point, so no precision is silently lost.
func TransformValue(route modelmapping.ColumnRoute, value string, remap map[string]string) (interface{}, error) {
	if value == nullSentinel {
		if !route.Nullable {
			return nil, errors.Wrapf(database.ErrRowTransform,
				"column [%s] is not nullable but the source value is NULL", route.ColumnNameS)
		}
		return nil, nil
	}

	switch route.Transform {
	case mapping.TransformIdentity:
		return value, nil
	case mapping.TransformDecimal:
		d, err := decimal.NewFromString(value)
		if err != nil {
			return nil, errors.Wrapf(database.ErrRowTransform,
				"column [%s] value [%s] is not a valid fixed-point number: %v", route.ColumnNameS, value, err)
		}
		return d.String(), nil
	case mapping.TransformJSON:
		if !json.Valid([]byte(value)) {
			return nil, errors.Wrapf(database.ErrRowTransform,
				"column [%s] value is not well-formed JSON", route.ColumnNameS)
		}
		return value, nil
	case mapping.TransformRemap:
		newKey, ok := remap[value]
		if !ok {
			return nil, errors.Wrapf(database.ErrRowTransform,
				"column [%s] value [%s] has no identifier remap entry", route.ColumnNameS, value)
		}
		return newKey, nil
	default:
		return nil, errors.Wrapf(database.ErrRowTransform,
			"column [%s] references unknown transform [%s]", route.ColumnNameS, route.Transform)
	}
}
