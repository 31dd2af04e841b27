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
package database

import (
	"github.com/pkg/errors"
)

// Engine error taxonomy. The first three are fatal to job start and require
// operator intervention, they are never auto-resolved. The rest recover
// locally and surface through reports or job status.
var (
	ErrSourceUnavailable = errors.New("source store unavailable")
	ErrSchemaUnsupported = errors.New("schema construct unsupported")
	ErrMappingConflict   = errors.New("table mapping conflict")
	ErrRowTransform      = errors.New("row transform failed")
	ErrBatchWrite        = errors.New("batch write failed")
	ErrValidationFailure = errors.New("validation failure")
)

func IsFatalStartError(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrSchemaUnsupported) ||
		errors.Is(err, ErrMappingConflict)
}
