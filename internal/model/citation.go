// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"sort"
	"strings"
)

// MaxCitations is the number of citations kept on a finished answer.
const MaxCitations = 3

// Citation references a source passage used for an answer.
type Citation struct {
	ChapterTitle string  `json:"chapter_title"`
	SectionTitle string  `json:"section_title,omitempty"`
	PageNumber   *int    `json:"page_number,omitempty"`
	Similarity   float64 `json:"similarity"`
}

// Normalize clamps the similarity into [0, 1] and trims titles.
func (c Citation) Normalize() Citation {
	c.ChapterTitle = strings.TrimSpace(c.ChapterTitle)
	c.SectionTitle = strings.TrimSpace(c.SectionTitle)
	switch {
	case c.Similarity < 0:
		c.Similarity = 0
	case c.Similarity > 1:
		c.Similarity = 1
	}
	return c
}

// String formats the citation for display, e.g.
// "Fever (Neonatal sepsis), p. 1123 [91%]".
func (c Citation) String() string {
	var sb strings.Builder
	sb.WriteString(c.ChapterTitle)
	if c.SectionTitle != "" {
		sb.WriteString(" (" + c.SectionTitle + ")")
	}
	if c.PageNumber != nil {
		fmt.Fprintf(&sb, ", p. %d", *c.PageNumber)
	}
	fmt.Fprintf(&sb, " [%.0f%%]", c.Similarity*100)
	return sb.String()
}

// RankCitations returns a copy sorted by descending similarity, truncated
// to MaxCitations. Ties keep their received order.
func RankCitations(citations []Citation) []Citation {
	ranked := make([]Citation, len(citations))
	copy(ranked, citations)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Similarity > ranked[j].Similarity
	})
	if len(ranked) > MaxCitations {
		ranked = ranked[:MaxCitations]
	}
	return ranked
}
