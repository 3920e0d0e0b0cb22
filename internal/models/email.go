// Copyright (c) 2026 John Earle
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

// Package models defines the data structures shared across the decision worker.
package models

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// AttachmentMetadata describes a file attached to an email. Content is never
// embedded; AttachmentID is only a reference for fetching it lazily.
type AttachmentMetadata struct {
	Filename     string `json:"filename" validate:"required"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size" validate:"gte=0"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// StructuredEmailPayload is the message as delivered by the ingestion service.
//
// This struct's JSON serialisation MUST match the structured_email.json
// contract published by ingestion. It is read-only once decoded.
type StructuredEmailPayload struct {
	MessageID          string               `json:"message_id" validate:"required"`
	Mailbox            string               `json:"mailbox,omitempty"`
	Sender             string               `json:"sender"`
	Subject            string               `json:"subject"`
	ExtractedURLs      []string             `json:"extracted_urls"`
	AttachmentMetadata []AttachmentMetadata `json:"attachment_metadata" validate:"dive"`
}

// DefangURL makes a URL safe to write to logs: "evil.com" -> "evil[.]com".
func DefangURL(u string) string {
	return strings.ReplaceAll(u, ".", "[.]")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names so errors match the wire contract.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the payload against its wire contract.
func (p *StructuredEmailPayload) Validate() error {
	return validationError(validate.Struct(p))
}

// DecodePayload parses and validates a StructuredEmailPayload. Any failure is
// returned as a *ValidationError.
func DecodePayload(data []byte) (*StructuredEmailPayload, error) {
	var p StructuredEmailPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ValidationError{Problems: []string{"malformed JSON: " + err.Error()}}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// validationError converts validator output into a *ValidationError.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	ve := &ValidationError{}
	for _, fe := range fieldErrs {
		ve.Problems = append(ve.Problems, fieldProblem(fe))
	}
	return ve
}

func fieldProblem(fe validator.FieldError) string {
	// Drop the root struct name: "StructuredEmailPayload.message_id" -> "message_id"
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	if fe.Param() != "" {
		return ns + ": failed " + fe.Tag() + "=" + fe.Param()
	}
	return ns + ": failed " + fe.Tag()
}
