package httpapi

import (
	"strings"
	"testing"
)

func TestBuildReportHTML(t *testing.T) {
	md := "# 経営診断レポート\n\n## 真因分析\n\n本文\n\n| アクション | 総合 | ランク |\n| --- | ---: | :---: |\n| 体制強化 | 45 | A |\n"
	out, err := buildReportHTML(md)
	if err != nil {
		t.Fatalf("buildReportHTML: %v", err)
	}
	if !strings.Contains(out, "<meta charset='utf-8'>") {
		t.Fatal("missing charset")
	}
	if !strings.Contains(out, "<table>") || !strings.Contains(out, "<td>体制強化</td>") {
		t.Fatalf("GFM table not rendered:\n%s", out)
	}
	if !strings.Contains(out, `data-page-break-before="true">真因分析</h2>`) {
		t.Fatalf("page break hook missing:\n%s", out)
	}
}

func TestApplyPrintLayoutHooks(t *testing.T) {
	in := `<h2>改善アクション提案</h2><h2>SWOT分析</h2><h2>外部環境分析</h2>`
	out := applyPrintLayoutHooks(in)
	if strings.Contains(out, `data-page-break-before="true">改善アクション提案`) {
		t.Fatal("action section must not page-break")
	}
	for _, section := range []string{"SWOT分析", "外部環境分析"} {
		if !strings.Contains(out, `data-page-break-before="true">`+section) {
			t.Fatalf("missing page break for %s", section)
		}
	}
}

func TestHighlightBoxSurvivesMarkdown(t *testing.T) {
	md := "<div class=\"highlight-box\">\n\n### 🚩 最優先アクション: 体制強化\n\n</div>\n"
	out, err := buildReportHTML(md)
	if err != nil {
		t.Fatalf("buildReportHTML: %v", err)
	}
	if !strings.Contains(out, "highlight-box") {
		t.Fatalf("highlight box stripped:\n%s", out)
	}
}
