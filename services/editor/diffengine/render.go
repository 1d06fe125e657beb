// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diffengine

import (
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/redline-ai/redline/services/editor/datatypes"
)

// RenderUnresolved formats an unresolved hunk as a unified diff so the
// client can present the proposed change for manual reconciliation.
// Line numbers are nominal; the system addresses text by byte offset,
// the rendering exists for human eyes.
func RenderUnresolved(h *datatypes.PatchHunk) string {
	var body strings.Builder
	origLines := writeLines(&body, "-", h.BeforeText)
	newLines := writeLines(&body, "+", h.AfterText)

	fd := &godiff.FileDiff{
		OrigName: "a/document",
		NewName:  "b/document",
		Hunks: []*godiff.Hunk{
			{
				OrigStartLine: 1,
				OrigLines:     int32(origLines),
				NewStartLine:  1,
				NewLines:      int32(newLines),
				Body:          []byte(body.String()),
			},
		},
	}

	out, err := godiff.PrintFileDiff(fd)
	if err != nil {
		// Fall back to the raw replacement text.
		return "- " + h.BeforeText + "\n+ " + h.AfterText + "\n"
	}
	return string(out)
}

func writeLines(b *strings.Builder, prefix, text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return len(lines)
}
