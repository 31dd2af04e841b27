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
package stringutil

import (
	"encoding/json"
	"strings"
	"unsafe"
)

func StringBuilder(str ...string) string {
	var b strings.Builder
	for _, p := range str {
		b.WriteString(p)
	}
	return b.String()
}

func StringSplit(str string, sep string) []string {
	return strings.Split(str, sep)
}

func StringJoin(strs []string, sep string) string {
	return strings.Join(strs, sep)
}

func StringUpper(str string) string {
	return strings.ToUpper(str)
}

func StringLower(str string) string {
	return strings.ToLower(str)
}

func StringUpperSlice(strs []string) []string {
	upper := make([]string, 0, len(strs))
	for _, s := range strs {
		upper = append(upper, StringUpper(s))
	}
	return upper
}

func IsContainedString(items []string, item string) bool {
	for _, it := range items {
		if strings.EqualFold(it, item) {
			return true
		}
	}
	return false
}

// BytesToString used for bytes to string, zero copy
func BytesToString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

func MarshalJSON(v interface{}) string {
	jsonByte, _ := json.Marshal(v)
	return BytesToString(jsonByte)
}

func UnmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
