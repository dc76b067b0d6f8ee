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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTemplateExpand(t *testing.T) {
	vars := NewTemplateVars(
		FileEvent{Path: "/courses/x/clip.mp4", Size: 629145600, ContentType: "video/mp4"},
		Identity{DisplayName: "Jo Doe", Email: "jdoe@example.com", UserName: "jdoe"},
	)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "all placeholders",
			in:   "{name} ({user_name}, {user_email}) uploaded {filename}: {filesize_mb}MB of {filetype}",
			want: "Jo Doe (jdoe, jdoe@example.com) uploaded clip.mp4: 600MB of video/mp4",
		},
		{
			name: "unknown placeholder left verbatim",
			in:   "hello {nope} and {filename}",
			want: "hello {nope} and clip.mp4",
		},
		{
			name: "no placeholders",
			in:   "plain text",
			want: "plain text",
		},
		{
			name: "empty template",
			in:   "",
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, vars.Expand(tc.in))
		})
	}
}

func TestTemplateVarsRoundSizeToWholeMB(t *testing.T) {
	vars := NewTemplateVars(FileEvent{Size: 1536 * 1024}, Identity{}) // 1.5MB
	assert.Equal(t, int64(2), vars.FileSizeMB)
}
