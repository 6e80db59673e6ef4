package diagnosis

import (
	"fmt"
	"strings"
)

const bestActionPrefix = "【🚩最優先アクション】"

// NormalizeActions finalizes a parsed action set: each total is recomputed
// as the sum of the nine sub-scores, then the is-best flag is reassigned
// deterministically. Model-claimed totals and flags are never trusted.
func NormalizeActions(actions []ActionEvaluation) {
	for i := range actions {
		sum := 0
		for _, s := range actions[i].SubScores() {
			sum += s.Score
		}
		actions[i].Total = sum
	}
	SelectBestAction(actions)
}

// SelectBestAction flags the first action (in original order) holding the
// maximum total and clears the flag on all others. Idempotent: re-running on
// an already-correct set changes nothing.
func SelectBestAction(actions []ActionEvaluation) {
	if len(actions) == 0 {
		return
	}
	max := actions[0].Total
	for _, a := range actions[1:] {
		if a.Total > max {
			max = a.Total
		}
	}
	flagged := false
	for i := range actions {
		if !flagged && actions[i].Total == max {
			actions[i].IsBest = true
			flagged = true
			continue
		}
		actions[i].IsBest = false
	}
}

// CleanActionTitle strips the flag-icon prefix and decorative marks so the
// bare title can be reused in tables and PDF headings.
func CleanActionTitle(title string) string {
	title = strings.ReplaceAll(title, bestActionPrefix, "")
	for _, mark := range []string{"🚩", "🟥", "▶", "□", "■"} {
		title = strings.ReplaceAll(title, mark, "")
	}
	return strings.Join(strings.Fields(title), " ")
}

// buildActionNarrative renders the action set as the Markdown block shown in
// stage 6 and embedded in the report, with the best action called out first
// in its section.
func buildActionNarrative(actions []ActionEvaluation) string {
	var b strings.Builder
	for _, a := range actions {
		if a.IsBest {
			fmt.Fprintf(&b, "---\n### 🚩【最優先アクション】%s\n", CleanActionTitle(a.Title))
		} else {
			fmt.Fprintf(&b, "---\n### %s\n", a.Title)
		}
		b.WriteString(a.Content + "\n")
		fmt.Fprintf(&b, "- **根拠データ・実例**: %s\n", a.Evidence)
		fmt.Fprintf(&b, "- **やらない場合のリスク**: %s\n", a.Risk)
		fmt.Fprintf(&b, "- **KPI**: %s\n", a.KPI)
		fmt.Fprintf(&b, "- **総合点**: %d / **Rank**: %s\n", a.Total, a.Rank)
	}
	return b.String()
}
