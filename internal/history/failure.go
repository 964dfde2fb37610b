// Copyright 2025 Tom Barlow
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

package history

import "fmt"

// FailureDetails describes a task or orchestration failure. InnerFailure
// nests the causing failure, recursively. Properties carry application
// metadata using the typed-value encoding in values.go.
type FailureDetails struct {
	ErrorType      string          `json:"errorType"`
	ErrorMessage   string          `json:"errorMessage"`
	StackTrace     string          `json:"stackTrace,omitempty"`
	InnerFailure   *FailureDetails `json:"innerFailure,omitempty"`
	IsNonRetriable bool            `json:"isNonRetriable,omitempty"`
	Properties     map[string]any  `json:"properties,omitempty"`
}

// FailureFromError builds failure details from a Go error. The error type is
// the dynamic type's string form; wrapped errors are not unwrapped into
// InnerFailure because Go error chains carry no per-link stack traces.
func FailureFromError(err error) *FailureDetails {
	if err == nil {
		return nil
	}
	return &FailureDetails{
		ErrorType:    fmt.Sprintf("%T", err),
		ErrorMessage: err.Error(),
	}
}

// EncodeProperties returns a copy of f with Properties passed through the
// typed-value encoder, ready for wire serialization. Nested inner failures
// are encoded too.
func (f *FailureDetails) EncodeProperties() *FailureDetails {
	if f == nil {
		return nil
	}
	out := *f
	if f.Properties != nil {
		encoded := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			encoded[k] = EncodeValue(v)
		}
		out.Properties = encoded
	}
	out.InnerFailure = f.InnerFailure.EncodeProperties()
	return &out
}

// DecodeProperties returns a copy of f with Properties passed through the
// typed-value decoder. Nested inner failures are decoded too.
func (f *FailureDetails) DecodeProperties() *FailureDetails {
	if f == nil {
		return nil
	}
	out := *f
	if f.Properties != nil {
		decoded := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			decoded[k] = DecodeValue(v)
		}
		out.Properties = decoded
	}
	out.InnerFailure = f.InnerFailure.DecodeProperties()
	return &out
}
