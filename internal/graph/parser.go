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

package graph

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// graphAttachment represents the relevant fields of a Graph attachment.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentBytes string `json:"contentBytes"`
}

// graphCategory is an Outlook master category.
type graphCategory struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color,omitempty"`
}

var errNotFileAttachment = errors.New("not a file attachment")

// parseFileAttachment decodes the base64 content of a fileAttachment.
// Item and reference attachments carry no bytes and are rejected.
func parseFileAttachment(body io.Reader) ([]byte, error) {
	var att graphAttachment
	if err := json.NewDecoder(body).Decode(&att); err != nil {
		return nil, fmt.Errorf("decode attachment: %w", err)
	}
	if att.ODataType != "" && att.ODataType != "#microsoft.graph.fileAttachment" {
		return nil, fmt.Errorf("%w: %s", errNotFileAttachment, att.ODataType)
	}
	content, err := base64.StdEncoding.DecodeString(att.ContentBytes)
	if err != nil {
		return nil, fmt.Errorf("decode contentBytes: %w", err)
	}
	return content, nil
}

func parseCategory(body io.Reader) (graphCategory, error) {
	var cat graphCategory
	if err := json.NewDecoder(body).Decode(&cat); err != nil {
		return cat, fmt.Errorf("decode category: %w", err)
	}
	return cat, nil
}

func parseCategoryList(body io.Reader) ([]graphCategory, error) {
	var list struct {
		Value []graphCategory `json:"value"`
	}
	if err := json.NewDecoder(body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	return list.Value, nil
}

func parseMessageCategories(body io.Reader) ([]string, error) {
	var msg struct {
		Categories []string `json:"categories"`
	}
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode message categories: %w", err)
	}
	return msg.Categories, nil
}
