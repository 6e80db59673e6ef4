package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// ChromiumPDFRenderer renders report Markdown to an A4 PDF through headless
// Chromium. Markdown goes through goldmark with GFM tables enabled, then the
// HTML is printed via the DevTools protocol.
type ChromiumPDFRenderer struct {
	chromePath string
	timeout    time.Duration
}

func NewChromiumPDFRenderer() *ChromiumPDFRenderer {
	return &ChromiumPDFRenderer{
		chromePath: detectChromePath(),
		timeout:    30 * time.Second,
	}
}

func (r *ChromiumPDFRenderer) Render(ctx context.Context, markdown string) ([]byte, error) {
	htmlDoc, err := buildReportHTML(markdown)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var pdf []byte
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(htmlDoc))
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			footer := `<div style="width:100%;text-align:center;font-size:9px;color:#666;padding-right:8px;">` +
				`<span class="pageNumber"></span> / <span class="totalPages"></span></div>`
			out, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(`<div></div>`).
				WithFooterTemplate(footer).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0.5).
				WithMarginBottom(0.75).
				WithMarginLeft(0.45).
				WithMarginRight(0.45).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = out
			return nil
		}),
	); err != nil {
		return nil, err
	}
	return pdf, nil
}

const reportCSS = `
body{font-family:'Noto Sans JP','Hiragino Sans','Yu Gothic',sans-serif;color:#1c1917;line-height:1.7;font-size:10.5pt;}
h1{font-size:17pt;border-bottom:3px solid #b91c1c;padding-bottom:0.3rem;}
h2{font-size:13pt;border-left:5px solid #b91c1c;padding-left:0.5rem;margin-top:1.6rem;}
h3{font-size:11.5pt;margin-top:1.2rem;}
h4{font-size:10.5pt;margin-top:1rem;}
a{color:#1d4ed8;text-decoration:underline;}
table{width:100%;border-collapse:collapse;border:1px solid #a8a29e;font-size:9.5pt;}
th,td{border:1px solid #a8a29e;padding:0.35rem 0.45rem;text-align:left;vertical-align:top;}
thead th{background:#f1f5f9;font-weight:700;}
.highlight-box{background:#fef2f2;border:2px solid #b91c1c;border-radius:6px;padding:0.6rem 0.9rem;margin:0.8rem 0;}
.highlight-box h3{margin-top:0.2rem;}
html,body,*{-webkit-print-color-adjust:exact !important;print-color-adjust:exact !important;}
h2[data-page-break-before="true"]{break-before:page;page-break-before:always;}
@media print{ @page{size:A4;margin:12mm;} body{padding:0;} }
`

func buildReportHTML(markdown string) (string, error) {
	var content strings.Builder
	// The report Markdown carries a trusted highlight-box div; raw HTML must
	// pass through.
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)
	if err := md.Convert([]byte(markdown), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	contentHTML := applyPrintLayoutHooks(content.String())

	return "<!doctype html><html lang='ja'><head><meta charset='utf-8'><title>経営診断レポート</title>" +
		"<style>" + reportCSS + "</style></head><body>" +
		"<div class='report-html'>" + contentHTML + "</div>" +
		"</body></html>", nil
}

// applyPrintLayoutHooks starts each major section on a fresh page, except the
// action section, which follows the cover directly.
func applyPrintLayoutHooks(contentHTML string) string {
	reSection := regexp.MustCompile(`<h2([^>]*)>\s*(真因分析|SWOT分析|AIからの質問と回答|外部環境分析)\s*</h2>`)
	return reSection.ReplaceAllString(contentHTML, `<h2$1 data-page-break-before="true">$2</h2>`)
}

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
