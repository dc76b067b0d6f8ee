// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"math"
	"path"
	"strconv"
	"strings"
)

// TemplateVars is the typed set of placeholders available to rule
// message templates. Placeholders are written as {key} in subject and
// body text; a key outside this set is left verbatim so a typo in one
// placeholder never corrupts the rest of the message.
type TemplateVars struct {
	FileName   string
	FileSizeMB int64
	FileType   string
	Name       string
	UserName   string
	UserEmail  string
}

// NewTemplateVars derives the placeholder values for one event and its
// resolved owner. The file name is the path's last element and size is
// rounded to whole megabytes, matching what the notification shows its
// recipient.
func NewTemplateVars(ev FileEvent, owner Identity) TemplateVars {
	return TemplateVars{
		FileName:   path.Base(ev.Path),
		FileSizeMB: int64(math.Round(float64(ev.Size) / (1024.0 * 1024.0))),
		FileType:   ev.ContentType,
		Name:       owner.DisplayName,
		UserName:   owner.UserName,
		UserEmail:  owner.Email,
	}
}

// pairs returns the placeholder keys and their rendered values.
func (v TemplateVars) pairs() [][2]string {
	return [][2]string{
		{"filename", v.FileName},
		{"filesize_mb", strconv.FormatInt(v.FileSizeMB, 10)},
		{"filetype", v.FileType},
		{"name", v.Name},
		{"user_name", v.UserName},
		{"user_email", v.UserEmail},
	}
}

// Expand substitutes every known {key} placeholder in text. Unknown
// placeholders are left untouched.
func (v TemplateVars) Expand(text string) string {
	for _, kv := range v.pairs() {
		text = strings.ReplaceAll(text, "{"+kv[0]+"}", kv[1])
	}
	return text
}
