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
	"testing"

	"github.com/pkg/errors"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/database/mapping"
	modelmapping "github.com/consolidb/consolidb/model/mapping"
)

func TestTransformValue(t *testing.T) {
	remap := map[string]string{"42": "9a1f"}
	cases := []struct {
		name      string
		route     modelmapping.ColumnRoute
		value     string
		want      interface{}
		wantError bool
	}{
		{
			name:  "identity passthrough",
			route: modelmapping.ColumnRoute{ColumnNameS: "email", Transform: mapping.TransformIdentity},
			value: "a@b.c",
			want:  "a@b.c",
		},
		{
			name:  "nullable null becomes nil",
			route: modelmapping.ColumnRoute{ColumnNameS: "note", Transform: mapping.TransformIdentity, Nullable: true},
			value: "NULLABLE",
			want:  nil,
		},
		{
			name:      "non-nullable null fails",
			route:     modelmapping.ColumnRoute{ColumnNameS: "id", Transform: mapping.TransformIdentity},
			value:     "NULLABLE",
			wantError: true,
		},
		{
			name:  "decimal canonicalizes",
			route: modelmapping.ColumnRoute{ColumnNameS: "amount", Transform: mapping.TransformDecimal},
			value: "10.500",
			want:  "10.5",
		},
		{
			name:      "malformed decimal fails",
			route:     modelmapping.ColumnRoute{ColumnNameS: "amount", Transform: mapping.TransformDecimal},
			value:     "ten dollars",
			wantError: true,
		},
		{
			name:  "valid json passes",
			route: modelmapping.ColumnRoute{ColumnNameS: "meta", Transform: mapping.TransformJSON},
			value: `{"k":1}`,
			want:  `{"k":1}`,
		},
		{
			name:      "malformed json fails",
			route:     modelmapping.ColumnRoute{ColumnNameS: "meta", Transform: mapping.TransformJSON},
			value:     `{"k":`,
			wantError: true,
		},
		{
			name:  "remap rewrites the key",
			route: modelmapping.ColumnRoute{ColumnNameS: "user_id", Transform: mapping.TransformRemap},
			value: "42",
			want:  "9a1f",
		},
		{
			name:      "remap miss fails",
			route:     modelmapping.ColumnRoute{ColumnNameS: "user_id", Transform: mapping.TransformRemap},
			value:     "43",
			wantError: true,
		},
		{
			name:      "unknown transform fails",
			route:     modelmapping.ColumnRoute{ColumnNameS: "x", Transform: "reverse"},
			value:     "v",
			wantError: true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := TransformValue(c.route, c.value, remap)
			if c.wantError {
				if err == nil {
					t.Fatal("expected an error, got nil")
				}
				if !errors.Is(err, database.ErrRowTransform) {
					t.Errorf("error = %v, want ErrRowTransform", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("TransformValue failed: %v", err)
			}
			if got != c.want {
				t.Errorf("TransformValue = %v, want %v", got, c.want)
			}
		})
	}
}
