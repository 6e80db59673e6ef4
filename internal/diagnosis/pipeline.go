package diagnosis

import (
	"context"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Placeholders interpolated into later-stage prompts when an optional
// upstream stage was skipped.
const (
	placeholderExternal = "(外部環境分析 未実行)"
	placeholderSWOT     = "(SWOT 未実行)"
)

// StageError wraps a failure of one wizard stage with the stage it
// belongs to.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Stage, StageNames[e.Stage], e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// GatingError is a refusal to run a stage action or navigate because a
// precondition does not hold. Reason is user-facing Japanese text.
type GatingError struct {
	Stage  Stage
	Reason string
}

func (e *GatingError) Error() string {
	return fmt.Sprintf("stage %d gate: %s", e.Stage, e.Reason)
}

// StageProgressFn receives progress notices while a stage action runs, such
// as per-viewpoint completion during the external-environment stage.
type StageProgressFn func(stage Stage, detail string)

// Pipeline executes the wizard's stage actions against a session State.
// Every action validates its gate, calls the model through the StageRunner,
// and commits output to the state only on success. Navigation never runs a
// stage action.
type Pipeline struct {
	runner   StageRunner
	retry    RetryPolicy
	progress StageProgressFn
	logger   *log.Logger
	tracer   trace.Tracer
}

type PipelineOption func(*Pipeline)

func WithProgress(fn StageProgressFn) PipelineOption {
	return func(p *Pipeline) { p.progress = fn }
}

func WithLogger(l *log.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

func WithViewpointRetry(r RetryPolicy) PipelineOption {
	return func(p *Pipeline) { p.retry = r }
}

func NewPipeline(runner StageRunner, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		runner: runner,
		retry:  DefaultViewpointRetry(),
		logger: log.Default(),
		tracer: otel.Tracer("keiei-ai/diagnosis"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) notify(stage Stage, detail string) {
	if p.progress != nil {
		p.progress(stage, detail)
	}
}

// Advance moves the stage cursor forward by one. Every forward move is
// refused while a required profile field is blank or validation is dirty, so
// a profile blanked after stage 1 cannot keep navigating forward. Backward
// moves stay free.
func (p *Pipeline) Advance(st *State) error {
	if !st.Profile.Complete() || len(st.Errors) > 0 {
		return &GatingError{Stage: st.Stage, Reason: "基本情報の必須項目をすべて入力してください"}
	}
	if st.Stage < MaxStage {
		st.Stage++
	}
	return nil
}

// Back moves the stage cursor backward by one, never below the intake
// stage. Accumulated outputs are kept.
func (p *Pipeline) Back(st *State) {
	if st.Stage > MinStage {
		st.Stage--
	}
}

// requireProfile gates every model-calling stage: no external call happens
// until the intake record is complete.
func requireProfile(st *State, stage Stage) error {
	if !st.Profile.Complete() {
		return &GatingError{Stage: stage, Reason: "基本情報の必須項目をすべて入力してください"}
	}
	return nil
}

// RunExternalAnalysis analyzes all six viewpoints in order and commits the
// joined sections as the stage output. A viewpoint whose retry budget is
// exhausted contributes an inline error marker instead of failing the stage,
// so one flaky call cannot sink the other five analyses.
func (p *Pipeline) RunExternalAnalysis(ctx context.Context, st *State) error {
	if err := requireProfile(st, StageExternal); err != nil {
		return err
	}
	ctx, span := p.tracer.Start(ctx, "diagnosis.external_analysis")
	defer span.End()

	sections := make([]string, 0, len(Viewpoints))
	failed := 0
	for _, vp := range Viewpoints {
		var out string
		err := p.retry.Do(ctx, func(ctx context.Context) error {
			var callErr error
			out, callErr = p.runner.ViewpointAnalysis(ctx, vp, &st.Profile)
			return callErr
		})
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, ctx.Err().Error())
			return &StageError{Stage: StageExternal, Err: ctx.Err()}
		}
		if err != nil {
			p.logger.Printf("external analysis: viewpoint %s failed: %v", vp.JA, err)
			out = fmt.Sprintf("## %s (%s)\n- 要約: %s（%s）\n- 出典: -", vp.JA, vp.EN, ErrorMarker, vp.JA)
			failed++
		}
		sections = append(sections, out)
		p.notify(StageExternal, vp.JA)
	}
	span.SetAttributes(attribute.Int("viewpoints.failed", failed))
	st.ExternalOutput = strings.Join(sections, "\n\n")
	return nil
}

// RunQuestions generates a fresh question set. Previous questions and
// answers are replaced wholesale; stale answers never survive a
// regeneration.
func (p *Pipeline) RunQuestions(ctx context.Context, st *State) error {
	if err := requireProfile(st, StageQuestions); err != nil {
		return err
	}
	ctx, span := p.tracer.Start(ctx, "diagnosis.questions")
	defer span.End()

	external := st.ExternalOutput
	if strings.TrimSpace(external) == "" {
		external = placeholderExternal
	}
	qs, m, err := p.runner.Questions(ctx, &st.Profile, external)
	span.SetAttributes(
		attribute.Int("llm.attempts", m.Attempts),
		attribute.Int("llm.content_retries", m.ContentRetries),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: StageQuestions, Err: err}
	}
	st.Questions = qs
	st.Answers = map[string]string{}
	p.notify(StageQuestions, fmt.Sprintf("%d questions", len(qs)))
	return nil
}

// SaveAnswers merges answer values into the session, accepting only keys
// that address a currently held question.
func (p *Pipeline) SaveAnswers(st *State, answers map[string]string) {
	if st.Answers == nil {
		st.Answers = map[string]string{}
	}
	for i := range st.Questions {
		key := AnswerKey(i + 1)
		if v, ok := answers[key]; ok {
			st.Answers[key] = v
		}
	}
}

// RunSWOT runs the SWOT synthesis. It refuses to run until at least one
// clarifying question has a non-empty answer.
func (p *Pipeline) RunSWOT(ctx context.Context, st *State) error {
	if err := requireProfile(st, StageSWOT); err != nil {
		return err
	}
	if !st.HasAnswer() {
		return &GatingError{Stage: StageSWOT, Reason: "AIからの質問に最低1問は回答してください"}
	}
	ctx, span := p.tracer.Start(ctx, "diagnosis.swot")
	defer span.End()

	external := st.ExternalOutput
	if strings.TrimSpace(external) == "" {
		external = placeholderExternal
	}
	out, err := p.runner.SWOT(ctx, &st.Profile, truncateRunes(external, priorTextLimit), FormatQA(st.Questions, st.Answers))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: StageSWOT, Err: err}
	}
	st.SWOTOutput = out
	return nil
}

// RunRootCause runs the root-cause synthesis. Missing upstream outputs are
// substituted with placeholders rather than blocking the stage.
func (p *Pipeline) RunRootCause(ctx context.Context, st *State) error {
	if err := requireProfile(st, StageRootCause); err != nil {
		return err
	}
	ctx, span := p.tracer.Start(ctx, "diagnosis.root_cause")
	defer span.End()

	external := st.ExternalOutput
	if strings.TrimSpace(external) == "" {
		external = placeholderExternal
	}
	swot := st.SWOTOutput
	if strings.TrimSpace(swot) == "" {
		swot = placeholderSWOT
	}
	out, err := p.runner.RootCause(ctx, &st.Profile,
		truncateRunes(external, priorTextLimit),
		FormatQA(st.Questions, st.Answers),
		truncateRunes(swot, priorTextLimit),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: StageRootCause, Err: err}
	}
	st.RootCauseOutput = out
	return nil
}

// RunActions runs the final action-proposal stage. Both the SWOT and
// root-cause outputs must exist; the parsed actions are normalized (totals
// recomputed, best flag reassigned) before being committed together with the
// rendered narrative.
func (p *Pipeline) RunActions(ctx context.Context, st *State) error {
	if err := requireProfile(st, StageActions); err != nil {
		return err
	}
	if strings.TrimSpace(st.SWOTOutput) == "" || strings.TrimSpace(st.RootCauseOutput) == "" {
		return &GatingError{Stage: StageActions, Reason: "SWOT分析と真因分析を先に実行してください"}
	}
	ctx, span := p.tracer.Start(ctx, "diagnosis.actions")
	defer span.End()

	external := st.ExternalOutput
	if strings.TrimSpace(external) == "" {
		external = placeholderExternal
	}
	actions, m, err := p.runner.Actions(ctx,
		truncateRunes(external, priorTextLimit),
		FormatQA(st.Questions, st.Answers),
		truncateRunes(st.SWOTOutput, priorTextLimit),
		truncateRunes(st.RootCauseOutput, priorTextLimit),
	)
	span.SetAttributes(
		attribute.Int("llm.attempts", m.Attempts),
		attribute.Int("llm.content_retries", m.ContentRetries),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: StageActions, Err: err}
	}
	NormalizeActions(actions)
	st.ActionResult = &ActionResult{
		Narrative:   buildActionNarrative(actions),
		Evaluations: actions,
	}
	return nil
}
