//
// Copyright 2017 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"errors"
	"fmt"
)

// Machine readable reasons carried by a ValidationError.
const (
	CodeMissingFields = "missing_fields"
	CodeBadPayload    = "bad_payload"
	CodeBadArgument   = "bad_argument"
)

// ValidationError means the input was missing or malformed. Nothing
// was stored or queried.
type ValidationError struct {
	Code string
	Msg  string
}

func NewValidationError(code, msg string) *ValidationError {
	return &ValidationError{Code: code, Msg: msg}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// StorageError wraps a failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// StorageErr returns nil if err is nil, err itself if it already is a
// StorageError or a ValidationError, otherwise err wrapped as a
// StorageError.
func StorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	var ve *ValidationError
	if errors.As(err, &se) || errors.As(err, &ve) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
