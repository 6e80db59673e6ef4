package diagnosis

import (
	"strings"

	"github.com/shindanlab/keiei-ai/internal/profile"
)

// Stage identifies one step of the six-step diagnosis wizard.
type Stage int

const (
	StageProfile   Stage = 1
	StageExternal  Stage = 2
	StageQuestions Stage = 3
	StageSWOT      Stage = 4
	StageRootCause Stage = 5
	StageActions   Stage = 6

	MinStage = StageProfile
	MaxStage = StageActions
)

var StageNames = map[Stage]string{
	StageProfile:   "基本情報入力",
	StageExternal:  "外部環境分析",
	StageQuestions: "AIからの質問",
	StageSWOT:      "SWOT分析",
	StageRootCause: "真因分析",
	StageActions:   "改善アクション提案 ＋ 統合評価",
}

// Viewpoint is one analytical lens of the external-environment stage.
type Viewpoint struct {
	JA string
	EN string
}

// Viewpoints are analyzed in this order; the stage output is their
// per-viewpoint sections joined with blank lines.
var Viewpoints = []Viewpoint{
	{"政治・制度", "Politics"},
	{"経済", "Economy"},
	{"社会・文化", "Society / Culture"},
	{"技術", "Technology"},
	{"業界構造", "Industry Structure"},
	{"競合ポジション", "Competition Position"},
}

// ErrorMarker prefixes the inline text substituted for a viewpoint whose
// model calls exhausted the retry budget.
const ErrorMarker = "【AIエラー発生】"

// Question is one clarifying question generated in stage 3.
type Question struct {
	Category  string `json:"category"`
	Question  string `json:"question"`
	Rationale string `json:"rationale"`
}

// QuestionCategories are the five lenses stage 3 instructs the model to
// cover. They are prompt instructions, not locally enforced.
var QuestionCategories = []string{"組織・人事", "財務", "マーケティング", "IT・DX", "オペレーション"}

// ActionEvaluation is one scored improvement action. The JSON keys mirror
// the wire schema the model is instructed to emit, including the Japanese
// axis names.
type ActionEvaluation struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Evidence string `json:"evidence"`
	Risk     string `json:"risk"`
	KPI      string `json:"kpi"`

	V     int    `json:"V"`
	RootV string `json:"root_V"`
	R     int    `json:"R"`
	RootR string `json:"root_R"`
	I     int    `json:"I"`
	RootI string `json:"root_I"`
	O     int    `json:"O"`
	RootO string `json:"root_O"`

	MarketGrowth     int    `json:"市場成長性"`
	RootMarketGrowth string `json:"root_市場成長性"`
	Difficulty       int    `json:"実行難易度"`
	RootDifficulty   string `json:"root_実行難易度"`
	InvestmentEff    int    `json:"投資効率"`
	RootInvestment   string `json:"root_投資効率"`
	CustomerValue    int    `json:"顧客評価"`
	RootCustomer     string `json:"root_顧客評価"`
	RiskScore        int    `json:"リスク"`
	RootRiskScore    string `json:"root_リスク"`

	Total  int    `json:"total"`
	Rank   string `json:"rank"`
	IsBest bool   `json:"is_best"`
}

// SubScore pairs one scoring axis with its value and rationale.
type SubScore struct {
	Label     string
	Score     int
	Rationale string
}

// SubScores returns the nine axes in presentation order.
func (a *ActionEvaluation) SubScores() []SubScore {
	return []SubScore{
		{"V（経済価値）", a.V, a.RootV},
		{"R（希少性）", a.R, a.RootR},
		{"I（模倣困難性）", a.I, a.RootI},
		{"O（組織適合性）", a.O, a.RootO},
		{"市場成長性", a.MarketGrowth, a.RootMarketGrowth},
		{"実行難易度", a.Difficulty, a.RootDifficulty},
		{"投資効率", a.InvestmentEff, a.RootInvestment},
		{"顧客評価", a.CustomerValue, a.RootCustomer},
		{"リスク", a.RiskScore, a.RootRiskScore},
	}
}

// ActionResult bundles the rendered narrative with the typed evaluations.
type ActionResult struct {
	Narrative   string             `json:"narrative"`
	Evaluations []ActionEvaluation `json:"evaluations"`
}

// StageAttemptMetrics counts model calls for one stage action.
type StageAttemptMetrics struct {
	Attempts       int
	ContentRetries int
}

// State is the session-scoped wizard state: the stage cursor, the validated
// profile, and the accumulated stage outputs. The profile is written in
// stage 1 and read-only afterwards; each stage output is written only by its
// own stage's action.
type State struct {
	Stage   Stage                    `json:"stage"`
	Profile profile.Record           `json:"profile"`
	Errors  profile.ValidationErrors `json:"errors,omitempty"`

	ExternalOutput  string            `json:"external_output,omitempty"`
	Questions       []Question        `json:"questions,omitempty"`
	Answers         map[string]string `json:"answers,omitempty"`
	SWOTOutput      string            `json:"swot_output,omitempty"`
	RootCauseOutput string            `json:"root_cause_output,omitempty"`
	ActionResult    *ActionResult     `json:"action_result,omitempty"`
}

// NewState starts a session at the intake stage.
func NewState() *State {
	return &State{Stage: StageProfile, Answers: map[string]string{}}
}

// HasAnswer reports whether at least one clarifying question has a non-empty
// answer. Stage 4 gates on this.
func (s *State) HasAnswer() bool {
	for _, v := range s.Answers {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}
