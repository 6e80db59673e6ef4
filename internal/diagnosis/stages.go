package diagnosis

import (
	"context"
	"fmt"
	"strings"

	"github.com/shindanlab/keiei-ai/internal/profile"
)

// Character budgets bounding prompt interpolations of accumulated context.
const (
	profileJSONLimit = 2500
	priorTextLimit   = 1800
)

// StageRunner issues the external-model call for each stage's primary
// action. Implementations build the prompt and hand back parsed output;
// gating and session mutation stay in the Pipeline.
type StageRunner interface {
	ViewpointAnalysis(ctx context.Context, vp Viewpoint, p *profile.Record) (string, error)
	Questions(ctx context.Context, p *profile.Record, external string) ([]Question, StageAttemptMetrics, error)
	SWOT(ctx context.Context, p *profile.Record, external, qa string) (string, error)
	RootCause(ctx context.Context, p *profile.Record, external, qa, swot string) (string, error)
	Actions(ctx context.Context, external, qa, swot, root string) ([]ActionEvaluation, StageAttemptMetrics, error)
}

type LLMStageRunner struct {
	caller LLMCaller
	exec   *StageExecutor
}

func NewLLMStageRunner(caller LLMCaller) *LLMStageRunner {
	return &LLMStageRunner{caller: caller, exec: NewStageExecutor(caller)}
}

const viewpointPromptTemplate = `あなたは「中小企業専門の経営コンサルタント」です。
必ず「リアルタイムの公的情報・信頼できる専門メディア」の知見も活用し、
下記ルールで「%[1]s（%[2]s）」に関する**経営判断に役立つ“深い洞察・現場示唆・打ち手ヒント”を含む厚い要約**を
Markdownで**200～250字で出力**してください。

- 必ず経営判断や現場実務に本当に役立つ具体的視点（なぜ重要か／何をすべきか／他社事例／リスク／数字・現場例等）を含めること
- ニュースの羅列・一般的説明・抽象論は禁止
- **補助金・助成金・給付金など特定の公的制度名や金額は一切記載しないこと。**
- 必ず信頼できる一次ソース（行政発表・日経/業界新聞・政府Web・専門媒体等）の出典URL・媒体名を2つ以上記載

【企業情報】
%[3]s

【Markdown出力フォーマット（例）】
## %[1]s (%[2]s)
- 要約: 季節変動リスクの高い業種では現金管理や利益率モニタリングが重要。資金計画や販促施策のタイミング見直しで、繁忙期・閑散期の収益安定化が図れる。
- 出典: 東京都中小企業振興公社 https://www.tokyo-kosha.or.jp, 日本経済新聞 https://www.nikkei.com
`

const questionsPromptTemplate = `あなたは「中小企業の現場・実務を熟知したプロ経営コンサルタント兼AIコーチ」です。
下記「課題」「基本・財務情報」「外部環境分析」を踏まえ、
【今まさに経営判断で迷っている経営者・現場責任者に“本質を突く・意思決定につながる鋭い質問”】だけを厳選してください。

【特に重視する指示】
- 5観点（組織・人事／財務／マーケティング／IT・DX／オペレーション）ごとに「現場ヒアリングや経営判断で本当に役立つ質問」を必ず2問ずつ（合計10問以上）出す
- 「現状の数字・プロセス・役割・意思決定・現場感覚」に具体的に踏み込むこと
- 抽象論や使い回しの一般論は禁止。“何が・誰に・なぜ・どう影響しているか”を聞き出す粒度に
- 各質問ごとに「今なぜそれを問うのか（根拠・30字以内）」も必ず付与
- Yes/Noや数値・現場の一次情報で答えられる質問も含めること

【出力ルール厳守】
- 下記JSON形式でのみ出力（他の出力は禁止）
{
  "questions": [
    {"category":"組織・人事","question":"～","rationale":"～"},
    ...
  ]
}

【課題】
%s
【基本・財務情報】
%s
【外部環境】
%s
`

const swotPromptTemplate = `下記すべての情報をもとに、S（強み）W（弱み）O（機会）T（脅威）を
それぞれ3～5点ずつ挙げてください。強み・弱みには「課題」や「AIからの質問内容」も反映させてください。
各項目は「要点＋根拠」のセットで、論理的かつ端的に。

【課題】
%s
【基本・財務情報】
%s

【外部環境】
%s

【AIからの質問・回答】
%s
`

const rootCausePromptTemplate = `あなたは現場・経営に強い超一流コンサルタントです。
下記情報をもとに、必ず以下の順で構造的に出力してください。

1. # 現在の問題点
  - 箇条書きで2～5点程度、現象や症状を具体的に（できれば数字・現場証拠も）。
2. # 主な原因
  - 箇条書きで2～3点、なぜ上記問題が起こっているか、要因を簡潔に。
3. # 真因（Root Cause）
  - 一言で“最大の原因”を特定。なぜこれが真因か、理由・根拠も1文で述べる。

【出力例】
# 現在の問題点
- 売上が3期連続で減少
- 粗利率が昨年30%%→今年22%%に低下
- 新規顧客開拓が進んでいない

# 主な原因
- 既存顧客への値引き対応が増加
- 営業活動が属人的で新規開拓が弱い

# 真因（Root Cause）
**営業戦略の多角化不足**
なぜこれが真因か：既存顧客依存度が高く、新規市場開拓リソースが不足しているため。

---
【問題】
%s
【基本・財務情報】
%s

【外部環境】
%s

【AIからの質問・回答】
%s

【SWOT分析】
%s
`

const actionsPromptTemplate = `下記の全情報を統合し、「最も効果的な改善アクション（1～2個）」を【🚩最優先アクション】として必ず"最上位で目立つように"、さらに重要なアクションも加えて計3つ提案してください。
【重要】最優先アクション（is_best:true）は、必ず合計点（total）が最大のものに設定してください。
複数同点がある場合は、最も即効性・重要性が高い施策1つのみis_best:true、それ以外はis_best:falseとしてください。

各アクションごとに、下記項目を必ずJSON形式で記述してください（空欄禁止）。

1. title（タイトル。最優先は"【🚩最優先アクション】"で始める）
2. content（現場で今すぐ着手できる具体策も明記）
3. evidence（根拠データ・業界平均・他社実例・公的出典。必ず1つはURLまたは媒体名を含める）
4. risk（やらない場合のリスク。1行で損失リスク・失敗例を具体的に）
5. kpi（必ず具体的な数値・指標。空欄禁止）
6. V（経済価値：1～10点）と root_V（その根拠を30字以内で）
7. R（希少性：1～10点）と root_R（その根拠を30字以内で）
8. I（模倣困難性：1～10点）と root_I（その根拠を30字以内で）
9. O（組織適合性：1～10点）と root_O（その根拠を30字以内で）
10. 市場成長性（1～10点）と root_市場成長性（その根拠を30字以内で）
11. 実行難易度（1～10点）と root_実行難易度（その根拠を30字以内で）
12. 投資効率（1～10点）と root_投資効率（その根拠を30字以内で）
13. 顧客評価（1～10点）と root_顧客評価（その根拠を30字以内で）
14. リスク（1～10点）と root_リスク（その根拠を30字以内で）
15. total（合計点数）, rank（A/B/C）, is_best（bool/最優先true）

【JSON出力例】
{
  "actions": [
    {
      "title": "【🚩最優先アクション】特定整備認証と電子整備対応体制の即時強化",
      "content": "...",
      "evidence": "...",
      "risk": "...",
      "kpi": "...",
      "V": 8, "root_V": "粗利率改善が見込める",
      "R": 7, "root_R": "他社との差別化要素",
      "I": 8, "root_I": "専門ノウハウが必要",
      "O": 8, "root_O": "既存組織で実行可能",
      "市場成長性": 9, "root_市場成長性": "関連市場が拡大中",
      "実行難易度": 7, "root_実行難易度": "既存人員で対応可能",
      "投資効率": 8, "root_投資効率": "ROI高い",
      "顧客評価": 8, "root_顧客評価": "顧客満足度向上に寄与",
      "リスク": 6, "root_リスク": "法規制リスク低い",
      "total": 41,
      "rank": "A",
      "is_best": true
    },
    ...
  ]
}

【外部環境】
%s

【AIからの質問・回答】
%s

【SWOT分析】
%s

【真因分析】
%s
`

// profileBlock renders the labeled profile lines interpolated into the
// viewpoint, SWOT, and root-cause prompts.
func profileBlock(p *profile.Record) string {
	var b strings.Builder
	for _, f := range []string{
		profile.FieldCompanyName, profile.FieldIndustry, profile.FieldRegion,
		profile.FieldProducts, profile.FieldCustomers, profile.FieldRevenue,
		profile.FieldMargin, profile.FieldProfit, profile.FieldLoan,
		profile.FieldProblem,
	} {
		fmt.Fprintf(&b, "%s: %s\n", profile.Labels[f], p.PromptValue(f))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *LLMStageRunner) ViewpointAnalysis(ctx context.Context, vp Viewpoint, p *profile.Record) (string, error) {
	prompt := fmt.Sprintf(viewpointPromptTemplate, vp.JA, vp.EN, profileBlock(p))
	out, err := r.caller.GenerateText(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("viewpoint %s: %w", vp.JA, err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("viewpoint %s: empty response", vp.JA)
	}
	return strings.TrimSpace(out), nil
}

type questionEnvelope struct {
	Questions []Question `json:"questions"`
}

func (r *LLMStageRunner) Questions(ctx context.Context, p *profile.Record, external string) ([]Question, StageAttemptMetrics, error) {
	prompt := fmt.Sprintf(questionsPromptTemplate,
		p.PromptValue(profile.FieldProblem),
		p.PromptJSON(profileJSONLimit),
		truncateRunes(external, priorTextLimit),
	)
	var env questionEnvelope
	m, err := r.exec.RunJSON(ctx, "questions", prompt, &env, func() error {
		return validateQuestions(env.Questions)
	})
	if err != nil {
		return nil, m, err
	}
	return env.Questions, m, nil
}

func (r *LLMStageRunner) SWOT(ctx context.Context, p *profile.Record, external, qa string) (string, error) {
	prompt := fmt.Sprintf(swotPromptTemplate,
		p.PromptValue(profile.FieldProblem),
		profileBlock(p),
		external,
		qa,
	)
	out, err := r.caller.GenerateText(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("swot: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("swot: empty response")
	}
	return strings.TrimSpace(out), nil
}

func (r *LLMStageRunner) RootCause(ctx context.Context, p *profile.Record, external, qa, swot string) (string, error) {
	prompt := fmt.Sprintf(rootCausePromptTemplate,
		p.PromptValue(profile.FieldProblem),
		profileBlock(p),
		external,
		qa,
		swot,
	)
	out, err := r.caller.GenerateText(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("root cause: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("root cause: empty response")
	}
	return StripTags(strings.TrimSpace(out)), nil
}

type actionEnvelope struct {
	Actions []ActionEvaluation `json:"actions"`
}

func (r *LLMStageRunner) Actions(ctx context.Context, external, qa, swot, root string) ([]ActionEvaluation, StageAttemptMetrics, error) {
	prompt := fmt.Sprintf(actionsPromptTemplate, external, qa, swot, root)
	var env actionEnvelope
	m, err := r.exec.RunJSON(ctx, "actions", prompt, &env, func() error {
		return validateActions(env.Actions)
	})
	if err != nil {
		return nil, m, err
	}
	return env.Actions, m, nil
}

// validateQuestions rejects the whole response when any record is missing a
// required field; partially valid question lists are never salvaged. The
// count expectations (two per category, ten overall) are soft: they drive a
// corrective retry but a well-formed short list is kept on the last attempt.
func validateQuestions(qs []Question) error {
	if len(qs) == 0 {
		return fmt.Errorf("questions empty")
	}
	for i, q := range qs {
		if strings.TrimSpace(q.Category) == "" {
			return fmt.Errorf("question %d: category missing", i+1)
		}
		if strings.TrimSpace(q.Question) == "" {
			return fmt.Errorf("question %d: question missing", i+1)
		}
		if strings.TrimSpace(q.Rationale) == "" {
			return fmt.Errorf("question %d: rationale missing", i+1)
		}
	}
	return validateQuestionCounts(qs)
}

func validateQuestionCounts(qs []Question) error {
	perCategory := map[string]int{}
	for _, q := range qs {
		perCategory[strings.TrimSpace(q.Category)]++
	}
	short := len(qs) < 2*len(QuestionCategories)
	for _, c := range QuestionCategories {
		if perCategory[c] < 2 {
			short = true
		}
	}
	if short {
		return &softViolation{msg: fmt.Sprintf(
			"5観点（%s）ごとに2問以上、合計%d問以上を出力してください",
			strings.Join(QuestionCategories, "／"), 2*len(QuestionCategories))}
	}
	return nil
}

// validateActions enforces the full per-record field set; one malformed
// record fails the whole response.
func validateActions(as []ActionEvaluation) error {
	if len(as) == 0 {
		return fmt.Errorf("actions empty")
	}
	for i, a := range as {
		for name, v := range map[string]string{
			"title":    a.Title,
			"content":  a.Content,
			"evidence": a.Evidence,
			"risk":     a.Risk,
			"kpi":      a.KPI,
		} {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("action %d: %s missing", i+1, name)
			}
		}
		for _, s := range a.SubScores() {
			if s.Score < 1 || s.Score > 10 {
				return fmt.Errorf("action %d: %s out of range", i+1, s.Label)
			}
			if strings.TrimSpace(s.Rationale) == "" {
				return fmt.Errorf("action %d: %s rationale missing", i+1, s.Label)
			}
		}
		switch a.Rank {
		case "A", "B", "C":
		default:
			return fmt.Errorf("action %d: rank %q invalid", i+1, a.Rank)
		}
	}
	return nil
}

// FormatQA renders numbered question/answer pairs for prompt interpolation.
// Answers are keyed q_1..q_n in question order; unanswered questions render
// with an empty right-hand side.
func FormatQA(qs []Question, answers map[string]string) string {
	var b strings.Builder
	for i, q := range qs {
		fmt.Fprintf(&b, "%d. %s｜%s → %s\n", i+1, q.Category, q.Question, answers[AnswerKey(i+1)])
	}
	return strings.TrimRight(b.String(), "\n")
}

// AnswerKey names the answer-map slot for the n-th question (1-based).
func AnswerKey(n int) string {
	return fmt.Sprintf("q_%d", n)
}
