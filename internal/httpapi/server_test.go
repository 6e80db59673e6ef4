package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/shindanlab/keiei-ai/internal/diagnosis"
	"github.com/shindanlab/keiei-ai/internal/history"
	"github.com/shindanlab/keiei-ai/internal/profile"
	"github.com/shindanlab/keiei-ai/internal/session"
)

// stubRunner satisfies the stage contract without any model calls.
type stubRunner struct {
	viewpointErr error
	questions    []diagnosis.Question
	swot         string
	root         string
	actions      []diagnosis.ActionEvaluation
	actionsErr   error
}

func (s *stubRunner) ViewpointAnalysis(_ context.Context, vp diagnosis.Viewpoint, _ *profile.Record) (string, error) {
	if s.viewpointErr != nil {
		return "", s.viewpointErr
	}
	return "## " + vp.JA + " (" + vp.EN + ")\n- 要約: ok\n- 出典: x", nil
}

func (s *stubRunner) Questions(context.Context, *profile.Record, string) ([]diagnosis.Question, diagnosis.StageAttemptMetrics, error) {
	return s.questions, diagnosis.StageAttemptMetrics{Attempts: 1}, nil
}

func (s *stubRunner) SWOT(context.Context, *profile.Record, string, string) (string, error) {
	return s.swot, nil
}

func (s *stubRunner) RootCause(context.Context, *profile.Record, string, string, string) (string, error) {
	return s.root, nil
}

func (s *stubRunner) Actions(context.Context, string, string, string, string) ([]diagnosis.ActionEvaluation, diagnosis.StageAttemptMetrics, error) {
	return s.actions, diagnosis.StageAttemptMetrics{Attempts: 1}, s.actionsErr
}

type stubPDF struct {
	out []byte
	err error
}

func (s *stubPDF) Render(context.Context, string) ([]byte, error) {
	return s.out, s.err
}

func baseAction() diagnosis.ActionEvaluation {
	return diagnosis.ActionEvaluation{
		Title: "【🚩最優先アクション】体制強化", Content: "内容", Evidence: "根拠", Risk: "リスク", KPI: "KPI",
		V: 5, RootV: "v", R: 5, RootR: "r", I: 5, RootI: "i", O: 5, RootO: "o",
		MarketGrowth: 5, RootMarketGrowth: "m", Difficulty: 5, RootDifficulty: "d",
		InvestmentEff: 5, RootInvestment: "e", CustomerValue: 5, RootCustomer: "c",
		RiskScore: 5, RootRiskScore: "s", Rank: "A",
	}
}

type testEnv struct {
	handler  http.Handler
	sessions *session.Store
	reports  *history.Store
	runner   *stubRunner
	pdf      *stubPDF
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reports, err := history.Open(":memory:")
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { reports.Close() })
	runner := &stubRunner{
		questions: []diagnosis.Question{{Category: "財務", Question: "粗利率は？", Rationale: "r"}},
		swot:      "S: 技術力",
		root:      "# 真因（Root Cause）\n**営業体制**",
		actions:   []diagnosis.ActionEvaluation{baseAction()},
	}
	pdf := &stubPDF{out: []byte("%PDF-1.4 stub")}
	sessions := session.NewStore()
	retry := diagnosis.RetryPolicy{MaxRetries: 0, Backoff: 0}
	handler := NewServer(ServerConfig{
		Sessions: sessions,
		Pipeline: diagnosis.NewPipeline(runner, diagnosis.WithViewpointRetry(retry)),
		Reports:  reports,
		PDF:      pdf,
	})
	return &testEnv{handler: handler, sessions: sessions, reports: reports, runner: runner, pdf: pdf}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(blob)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rr.Body.String())
	}
	return out
}

func createSession(t *testing.T, env *testEnv) string {
	t.Helper()
	rr := do(t, env.handler, http.MethodPost, "/v1/sessions", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rr.Code, rr.Body.String())
	}
	token, _ := decodeMap(t, rr)["token"].(string)
	if token == "" {
		t.Fatal("no token in create response")
	}
	return token
}

func completeProfile() map[string]string {
	return map[string]string{
		"company_name":      "山田整備工場",
		"industry":          "自動車整備業",
		"region":            "長野県",
		"products":          "車検・整備",
		"customers":         "地域の個人顧客",
		"annual_revenue":    "１０，０００",
		"gross_margin_pct":  "30.5%",
		"problem_statement": "売上が減少している",
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := createSession(t, env)

	rr := do(t, env.handler, http.MethodGet, "/v1/sessions/"+token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get session: %d", rr.Code)
	}
	view := decodeMap(t, rr)
	if view["stage"].(float64) != 1 {
		t.Fatalf("stage = %v, want 1", view["stage"])
	}

	rr = do(t, env.handler, http.MethodDelete, "/v1/sessions/"+token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete session: %d", rr.Code)
	}
	rr = do(t, env.handler, http.MethodGet, "/v1/sessions/"+token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("deleted session fetch: %d, want 404", rr.Code)
	}
}

func TestUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	rr := do(t, env.handler, http.MethodGet, "/v1/sessions/deadbeef", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", rr.Code)
	}
}

func TestProfileValidationErrorsMirrored(t *testing.T) {
	env := newTestEnv(t)
	token := createSession(t, env)

	body := completeProfile()
	body["company_name"] = ""
	body["annual_revenue"] = "約一千万"
	rr := do(t, env.handler, http.MethodPut, "/v1/sessions/"+token+"/profile", body)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("code = %d, want 422", rr.Code)
	}
	out := decodeMap(t, rr)
	errsMap := out["errors"].(map[string]any)
	if errsMap["company_name"] != "必須入力です" {
		t.Fatalf("company_name error = %v", errsMap["company_name"])
	}
	if _, ok := errsMap["annual_revenue"]; !ok {
		t.Fatal("annual_revenue error missing")
	}
}

func TestProfileCleanSubmitCommits(t *testing.T) {
	env := newTestEnv(t)
	token := createSession(t, env)

	rr := do(t, env.handler, http.MethodPut, "/v1/sessions/"+token+"/profile", completeProfile())
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rr.Code, rr.Body.String())
	}
	out := decodeMap(t, rr)
	if out["complete"] != true {
		t.Fatalf("complete = %v", out["complete"])
	}

	rr = do(t, env.handler, http.MethodGet, "/v1/sessions/"+token, nil)
	view := decodeMap(t, rr)
	prof := view["profile"].(map[string]any)
	if prof["annual_revenue_yen"].(float64) != 10000 {
		t.Fatalf("committed revenue = %v, want 10000", prof["annual_revenue_yen"])
	}
	if prof["gross_margin_value"].(float64) != 30.5 {
		t.Fatalf("committed margin = %v, want 30.5", prof["gross_margin_value"])
	}
}

func TestNavigateGatedOnProfile(t *testing.T) {
	env := newTestEnv(t)
	token := createSession(t, env)

	rr := do(t, env.handler, http.MethodPost, "/v1/sessions/"+token+"/navigate", map[string]string{"direction": "next"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("code = %d, want 409: %s", rr.Code, rr.Body.String())
	}

	do(t, env.handler, http.MethodPut, "/v1/sessions/"+token+"/profile", completeProfile())
	rr = do(t, env.handler, http.MethodPost, "/v1/sessions/"+token+"/navigate", map[string]string{"direction": "next"})
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rr.Code, rr.Body.String())
	}
	if decodeMap(t, rr)["stage"].(float64) != 2 {
		t.Fatal("stage should advance to 2")
	}

	rr = do(t, env.handler, http.MethodPost, "/v1/sessions/"+token+"/navigate", map[string]string{"direction": "back"})
	if decodeMap(t, rr)["stage"].(float64) != 1 {
		t.Fatal("stage should go back to 1")
	}
}

func runFullWizard(t *testing.T, env *testEnv) string {
	t.Helper()
	token := createSession(t, env)
	do(t, env.handler, http.MethodPut, "/v1/sessions/"+token+"/profile", completeProfile())

	for _, stage := range []string{"external", "questions"} {
		rr := do(t, env.handler, http.MethodPost, "/v1/sessions/"+token+"/stages/"+stage, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("stage %s: %d %s", stage, rr.Code, rr.Body.String())
		}
	}
	rr := do(t, env.handler, http.MethodPut, "/v1/sessions/"+token+"/answers",
		map[string]any{"answers": map[string]string{"q_1": "22%です"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("answers: %d", rr.Code)
	}
	for _, stage := range []string{"swot", "root-cause", "actions"} {
		rr := do(t, env.handler, http.MethodPost, "/v1/sessions/"+token+"/stages/"+stage, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("stage %s: %d %s", stage, rr.Code, rr.Body.String())
		}
	}
	return token
}

func TestFullWizardFlow(t *testing.T) {
	env := newTestEnv(t)
	token := runFullWizard(t, env)

	rr := do(t, env.handler, http.MethodGet, "/v1/sessions/"+token, nil)
	view := decodeMap(t, rr)
	if view["external_output"] == nil || view["swot_output"] == nil || view["root_cause_output"] == nil {
		t.Fatalf("missing stage outputs: %v", view)
	}
	actions := view["action_result"].(map[string]any)
	evals := actions["evaluations"].([]any)
	best := evals[0].(map[string]any)
	if best["total"].(float64) != 45 || best["is_best"] != true {
		t.Fatalf("action normalization missing: %v", best)
	}
}

func TestSWOTGateReturnsConflict(t *testing.T) {
	env := newTestEnv(t)
	token := createSession(t, env)
	do(t, env.handler, http.MethodPut, "/v1/sessions/"+token+"/profile", completeProfile())
	do(t, env.handler, http.MethodPost, "/v1/sessions/"+token+"/stages/questions", nil)

	rr := do(t, env.handler, http.MethodPost, "/v1/sessions/"+token+"/stages/swot", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("code = %d, want 409: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "最低1問は回答") {
		t.Fatalf("gate message missing: %s", rr.Body.String())
	}
}

func TestStageFailureReturnsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	token := runFullWizard(t, env)
	env.runner.actionsErr = errors.New("model down")

	rr := do(t, env.handler, http.MethodPost, "/v1/sessions/"+token+"/stages/actions", nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502: %s", rr.Code, rr.Body.String())
	}
}

func TestReportEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := runFullWizard(t, env)

	rr := do(t, env.handler, http.MethodGet, "/v1/sessions/"+token+"/report", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("report: %d", rr.Code)
	}
	md := decodeMap(t, rr)["markdown"].(string)
	if !strings.Contains(md, "# 経営診断レポート") {
		t.Fatalf("markdown missing title:\n%s", md)
	}

	rr = do(t, env.handler, http.MethodGet, "/v1/sessions/"+token+"/report.pdf", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("report.pdf: %d %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content-type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "filename*=UTF-8''") {
		t.Fatalf("content-disposition = %q", cd)
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte("%PDF")) {
		t.Fatal("body is not the rendered pdf")
	}
}

func TestReportPDFRecordedInHistory(t *testing.T) {
	env := newTestEnv(t)
	token := runFullWizard(t, env)
	do(t, env.handler, http.MethodGet, "/v1/sessions/"+token+"/report.pdf", nil)

	rr := do(t, env.handler, http.MethodGet, "/v1/sessions/"+token+"/history", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history: %d", rr.Code)
	}
	reports := decodeMap(t, rr)["reports"].([]any)
	if len(reports) != 1 {
		t.Fatalf("history entries = %d, want 1", len(reports))
	}
	id := int64(reports[0].(map[string]any)["id"].(float64))

	rr = do(t, env.handler, http.MethodGet, "/v1/sessions/"+token+"/history/"+strconv.FormatInt(id, 10)+"/pdf", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history pdf: %d", rr.Code)
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte("%PDF")) {
		t.Fatal("history pdf body wrong")
	}

	other := createSession(t, env)
	rr = do(t, env.handler, http.MethodGet, "/v1/sessions/"+other+"/history/"+strconv.FormatInt(id, 10)+"/pdf", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("cross-session history fetch: %d, want 404", rr.Code)
	}
}

func TestPDFRenderFailure(t *testing.T) {
	env := newTestEnv(t)
	token := runFullWizard(t, env)
	env.pdf.err = errors.New("chromium crashed")

	rr := do(t, env.handler, http.MethodGet, "/v1/sessions/"+token+"/report.pdf", nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := do(t, env.handler, http.MethodGet, "/v1/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	token := createSession(t, env)
	rr := do(t, env.handler, http.MethodGet, "/v1/sessions/"+token+"/navigate", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code = %d, want 405", rr.Code)
	}
}
