package diagnosis

import (
	"regexp"
	"strings"
)

// The external-analysis stage instructs the model to emit one `## section`
// header per viewpoint with `- label: value` lines underneath. ExtractItem
// is scoped to exactly that convention; it is not a Markdown parser.

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// ExtractItem returns the value of the first `- field: value` line inside
// the `## section` block of text, or "" when either the section or the field
// is absent. Matching is case-sensitive and anchored to line starts; the
// section runs to the next `##` header or end of text. Both ASCII and
// full-width colons separate label from value.
func ExtractItem(section, field, text string) string {
	sectionRe := regexp.MustCompile(`(?ms)^##\s*` + regexp.QuoteMeta(section) + `[^\n]*\n(.*?)(?:^##|\z)`)
	m := sectionRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	fieldRe := regexp.MustCompile(`-\s*` + regexp.QuoteMeta(field) + `[:：]\s*(.*)`)
	fm := fieldRe.FindStringSubmatch(m[1])
	if fm == nil {
		return ""
	}
	return strings.TrimSpace(fm[1])
}

// StripTags removes stray HTML markup the model sometimes wraps around
// narrative output. Cosmetic only; everything else passes through.
func StripTags(s string) string {
	return htmlTagRe.ReplaceAllString(s, "")
}

// truncateRunes bounds prompt interpolations to a fixed character budget so
// accumulated prior-stage text cannot blow up later prompts.
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
