package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shindanlab/keiei-ai/internal/diagnosis"
	"github.com/shindanlab/keiei-ai/internal/history"
	"github.com/shindanlab/keiei-ai/internal/profile"
	"github.com/shindanlab/keiei-ai/internal/session"
)

// PDFRenderer turns report Markdown into a PDF document.
type PDFRenderer interface {
	Render(ctx context.Context, markdown string) ([]byte, error)
}

type Server struct {
	sessions *session.Store
	pipeline *diagnosis.Pipeline
	reports  *history.Store
	pdf      PDFRenderer
	logger   *log.Logger
	now      func() time.Time
}

type ServerConfig struct {
	Sessions *session.Store
	Pipeline *diagnosis.Pipeline
	Reports  *history.Store
	PDF      PDFRenderer
	Logger   *log.Logger
}

func NewServer(cfg ServerConfig) http.Handler {
	s := &Server{
		sessions: cfg.Sessions,
		pipeline: cfg.Pipeline,
		reports:  cfg.Reports,
		pdf:      cfg.PDF,
		logger:   cfg.Logger,
		now:      time.Now,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSessionSubtree)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func (s *Server) writeStageFailure(w http.ResponseWriter, err error) {
	var gate *diagnosis.GatingError
	if errors.As(err, &gate) {
		writeError(w, http.StatusConflict, "stage_gate", gate.Reason)
		return
	}
	var se *diagnosis.StageError
	if errors.As(err, &se) {
		s.logger.Printf("stage %d failed: %v", se.Stage, se.Err)
		writeError(w, http.StatusBadGateway, "stage_failed",
			fmt.Sprintf("%sの実行に失敗しました。再度お試しください。", diagnosis.StageNames[se.Stage]))
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func decodeJSON(r *http.Request, dst any) error {
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return json.Unmarshal(blob, dst)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.sessions.Len()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	sess := s.sessions.Create()
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":         true,
		"token":      sess.Token,
		"created_at": sess.CreatedAt.UTC().Format(time.RFC3339),
		"stage":      int(diagnosis.StageProfile),
	})
}

func (s *Server) handleSessionSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	token := parts[0]
	sess := s.sessions.Get(token)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session_not_found", "unknown session token")
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "":
		s.handleSessionRoot(w, r, sess)
	case sub == "profile":
		s.handleProfile(w, r, sess)
	case sub == "navigate":
		s.handleNavigate(w, r, sess)
	case sub == "answers":
		s.handleAnswers(w, r, sess)
	case strings.HasPrefix(sub, "stages/"):
		s.handleStageRun(w, r, sess, strings.TrimPrefix(sub, "stages/"))
	case sub == "report":
		s.handleReport(w, r, sess)
	case sub == "report.pdf":
		s.handleReportPDF(w, r, sess)
	case sub == "history":
		s.handleHistoryList(w, r, sess)
	case strings.HasPrefix(sub, "history/"):
		s.handleHistoryPDF(w, r, sess, strings.TrimPrefix(sub, "history/"))
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
	}
}

// stateView is the wire shape of a session's full state.
type stateView struct {
	Token     string                   `json:"token"`
	Stage     int                      `json:"stage"`
	StageName string                   `json:"stage_name"`
	Profile   profile.Record           `json:"profile"`
	Errors    profile.ValidationErrors `json:"errors,omitempty"`
	External  string                   `json:"external_output,omitempty"`
	Questions []diagnosis.Question     `json:"questions,omitempty"`
	Answers   map[string]string        `json:"answers,omitempty"`
	SWOT      string                   `json:"swot_output,omitempty"`
	RootCause string                   `json:"root_cause_output,omitempty"`
	Actions   *diagnosis.ActionResult  `json:"action_result,omitempty"`
}

func snapshotView(token string, st *diagnosis.State) stateView {
	return stateView{
		Token:     token,
		Stage:     int(st.Stage),
		StageName: diagnosis.StageNames[st.Stage],
		Profile:   st.Profile,
		Errors:    st.Errors,
		External:  st.ExternalOutput,
		Questions: st.Questions,
		Answers:   st.Answers,
		SWOT:      st.SWOTOutput,
		RootCause: st.RootCauseOutput,
		Actions:   st.ActionResult,
	}
}

func (s *Server) handleSessionRoot(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	switch r.Method {
	case http.MethodGet:
		var view stateView
		sess.View(func(st *diagnosis.State) {
			view = snapshotView(sess.Token, st)
		})
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		s.sessions.Delete(sess.Token)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or DELETE required")
	}
}

// handleProfile stores the submitted field values, re-validates the whole
// record, and mirrors the per-field error map back. Typed numeric values are
// committed only when validation is fully clean.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "PUT required")
		return
	}
	var body profile.Record
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	var (
		errs     profile.ValidationErrors
		complete bool
	)
	_ = sess.With(func(st *diagnosis.State) error {
		st.Profile = body
		errs = profile.Validate(&st.Profile)
		st.Errors = errs
		if len(errs) == 0 {
			profile.Commit(&st.Profile)
		}
		complete = st.Profile.Complete() && len(errs) == 0
		return nil
	})
	status := http.StatusOK
	if len(errs) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"ok":       len(errs) == 0,
		"errors":   errs,
		"complete": complete,
	})
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var body struct {
		Direction string `json:"direction"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	var navErr error
	var stage diagnosis.Stage
	err := sess.With(func(st *diagnosis.State) error {
		switch body.Direction {
		case "next":
			navErr = s.pipeline.Advance(st)
		case "back":
			s.pipeline.Back(st)
		default:
			return fmt.Errorf("direction must be next or back")
		}
		stage = st.Stage
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if navErr != nil {
		s.writeStageFailure(w, navErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"stage":      int(stage),
		"stage_name": diagnosis.StageNames[stage],
	})
}

func (s *Server) handleAnswers(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "PUT required")
		return
	}
	var body struct {
		Answers map[string]string `json:"answers"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	var answered bool
	_ = sess.With(func(st *diagnosis.State) error {
		s.pipeline.SaveAnswers(st, body.Answers)
		answered = st.HasAnswer()
		return nil
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "answered": answered})
}

func (s *Server) handleStageRun(w http.ResponseWriter, r *http.Request, sess *session.Session, stage string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var run func(context.Context, *diagnosis.State) error
	switch stage {
	case "external":
		run = s.pipeline.RunExternalAnalysis
	case "questions":
		run = s.pipeline.RunQuestions
	case "swot":
		run = s.pipeline.RunSWOT
	case "root-cause":
		run = s.pipeline.RunRootCause
	case "actions":
		run = s.pipeline.RunActions
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown stage action")
		return
	}
	var view stateView
	err := sess.With(func(st *diagnosis.State) error {
		if err := run(r.Context(), st); err != nil {
			return err
		}
		view = snapshotView(sess.Token, st)
		return nil
	})
	if err != nil {
		s.writeStageFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	var md string
	sess.View(func(st *diagnosis.State) {
		md = diagnosis.BuildReportMarkdown(st, s.now())
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "markdown": md})
}

func (s *Server) handleReportPDF(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	if s.pdf == nil {
		writeError(w, http.StatusNotImplemented, "pdf_unavailable", "PDF rendering is not configured")
		return
	}
	var (
		md      string
		company string
	)
	sess.View(func(st *diagnosis.State) {
		md = diagnosis.BuildReportMarkdown(st, s.now())
		company = strings.TrimSpace(st.Profile.CompanyName)
	})
	pdf, err := s.pdf.Render(r.Context(), md)
	if err != nil {
		s.logger.Printf("pdf render failed: %v", err)
		writeError(w, http.StatusBadGateway, "pdf_failed", "PDFの生成に失敗しました")
		return
	}
	if s.reports != nil {
		if _, err := s.reports.Save(r.Context(), sess.Token, company, md, pdf); err != nil {
			s.logger.Printf("report history save failed: %v", err)
		}
	}
	writePDF(w, pdf, reportFilename(s.now()))
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	if s.reports == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reports": []history.Entry{}})
		return
	}
	entries, err := s.reports.List(r.Context(), sess.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reports": entries})
}

func (s *Server) handleHistoryPDF(w http.ResponseWriter, r *http.Request, sess *session.Session, rest string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	idStr, ok := strings.CutSuffix(rest, "/pdf")
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid report id")
		return
	}
	if s.reports == nil {
		writeError(w, http.StatusNotFound, "report_not_found", "no report history")
		return
	}
	entry, err := s.reports.Get(r.Context(), sess.Token, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "report_not_found", "unknown report")
		return
	}
	writePDF(w, entry.PDF, reportFilename(entry.CreatedAt))
}

func writePDF(w http.ResponseWriter, pdf []byte, filename string) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"report.pdf\"; filename*=UTF-8''%s", url.PathEscape(filename)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func reportFilename(t time.Time) string {
	return fmt.Sprintf("経営診断レポート_%s.pdf", t.Format("20060102"))
}
