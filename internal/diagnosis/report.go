package diagnosis

import (
	"fmt"
	"strings"
	"time"

	"github.com/shindanlab/keiei-ai/internal/profile"
)

// BuildReportMarkdown renders the final diagnosis report in fixed section
// order: cover, best-action highlight with the evaluation table, root-cause
// analysis, SWOT, the answered Q&A, then the external-environment analysis.
// The raw profile and the un-answered question list are deliberately not
// included.
func BuildReportMarkdown(st *State, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# 経営診断レポート\n\n")
	fmt.Fprintf(&b, "- 会社名: %s\n", st.Profile.PromptValue(profile.FieldCompanyName))
	fmt.Fprintf(&b, "- 作成日: %s\n\n", now.Format("2006年01月02日"))

	appendActionSection(&b, st.ActionResult)
	appendNarrativeSection(&b, "真因分析", st.RootCauseOutput)
	appendNarrativeSection(&b, "SWOT分析", st.SWOTOutput)
	appendQASection(&b, st)
	appendNarrativeSection(&b, "外部環境分析", st.ExternalOutput)

	return b.String()
}

func appendActionSection(b *strings.Builder, res *ActionResult) {
	fmt.Fprintf(b, "## 改善アクション提案\n\n")
	if res == nil || len(res.Evaluations) == 0 {
		fmt.Fprintf(b, "(未実行)\n\n")
		return
	}
	for _, a := range res.Evaluations {
		if !a.IsBest {
			continue
		}
		fmt.Fprintf(b, "<div class=\"highlight-box\">\n\n")
		fmt.Fprintf(b, "### 🚩 最優先アクション: %s\n\n", CleanActionTitle(a.Title))
		fmt.Fprintf(b, "%s\n\n", a.Content)
		fmt.Fprintf(b, "- **根拠データ・実例**: %s\n", a.Evidence)
		fmt.Fprintf(b, "- **やらない場合のリスク**: %s\n", a.Risk)
		fmt.Fprintf(b, "- **KPI**: %s\n\n", a.KPI)
		fmt.Fprintf(b, "</div>\n\n")
		break
	}

	fmt.Fprintf(b, "### 統合評価\n\n")
	fmt.Fprintf(b, "| アクション | 総合 | ランク |\n")
	fmt.Fprintf(b, "| --- | ---: | :---: |\n")
	for _, a := range res.Evaluations {
		title := CleanActionTitle(a.Title)
		if a.IsBest {
			title = "🚩 " + title
		}
		fmt.Fprintf(b, "| %s | %d | %s |\n", title, a.Total, a.Rank)
	}
	b.WriteString("\n")

	for _, a := range res.Evaluations {
		fmt.Fprintf(b, "#### %s\n\n", CleanActionTitle(a.Title))
		fmt.Fprintf(b, "%s\n\n", a.Content)
		for _, s := range a.SubScores() {
			fmt.Fprintf(b, "- %s: %d点（%s）\n", s.Label, s.Score, s.Rationale)
		}
		b.WriteString("\n")
	}
}

func appendNarrativeSection(b *strings.Builder, title, body string) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if strings.TrimSpace(body) == "" {
		fmt.Fprintf(b, "(未実行)\n\n")
		return
	}
	fmt.Fprintf(b, "%s\n\n", strings.TrimSpace(body))
}

// appendQASection writes only answered questions; unanswered ones are noise
// in a final report.
func appendQASection(b *strings.Builder, st *State) {
	fmt.Fprintf(b, "## AIからの質問と回答\n\n")
	wrote := false
	for i, q := range st.Questions {
		ans := strings.TrimSpace(st.Answers[AnswerKey(i+1)])
		if ans == "" {
			continue
		}
		fmt.Fprintf(b, "- **%s｜%s**\n  %s\n", q.Category, q.Question, ans)
		wrote = true
	}
	if !wrote {
		fmt.Fprintf(b, "(回答なし)\n")
	}
	b.WriteString("\n")
}
