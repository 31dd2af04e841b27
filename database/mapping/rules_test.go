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
	"testing"
)

func TestNormalizeType(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"VARCHAR(255)", "VARCHAR"},
		{"decimal(10,2)", "DECIMAL"},
		{"  int  ", "INT"},
		{"character varying(64)", "CHARACTER VARYING"},
		{"TEXT", "TEXT"},
	}
	for _, c := range cases {
		if got := NormalizeType(c.in); got != c.want {
			t.Errorf("NormalizeType(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestWidenType(t *testing.T) {
	cases := []struct {
		in            string
		wantType      string
		wantTransform string
	}{
		{"INT", "BIGINT", TransformIdentity},
		{"smallint", "BIGINT", TransformIdentity},
		{"BIGSERIAL", "BIGINT", TransformIdentity},
		{"DECIMAL(10,2)", "DECIMAL(38,9)", TransformDecimal},
		{"numeric", "DECIMAL(38,9)", TransformDecimal},
		{"MONEY", "DECIMAL(38,9)", TransformDecimal},
		{"VARCHAR(100)", "TEXT", TransformIdentity},
		{"jsonb", "JSON", TransformJSON},
		{"TIMESTAMP WITH TIME ZONE", "DATETIME", TransformIdentity},
		{"bytea", "LONGBLOB", TransformIdentity},
		{"double precision", "DOUBLE", TransformIdentity},
	}
	for _, c := range cases {
		rule, ok := WidenType(c.in)
		if !ok {
			t.Errorf("WidenType(%q) has no rule", c.in)
			continue
		}
		if rule.TargetType != c.wantType {
			t.Errorf("WidenType(%q).TargetType = %q, want %q", c.in, rule.TargetType, c.wantType)
		}
		if rule.Transform != c.wantTransform {
			t.Errorf("WidenType(%q).Transform = %q, want %q", c.in, rule.Transform, c.wantTransform)
		}
	}
}

func TestUnsupportedType(t *testing.T) {
	for _, in := range []string{"GEOMETRY", "POINT", "XMLTYPE", "SET"} {
		if IsSupportedType(in) {
			t.Errorf("IsSupportedType(%q) = true, want false", in)
		}
	}
}
