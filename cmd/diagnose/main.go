package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shindanlab/keiei-ai/internal/diagnosis"
	"github.com/shindanlab/keiei-ai/internal/httpapi"
	"github.com/shindanlab/keiei-ai/internal/profile"
)

// diagnose runs the whole wizard in one shot from a profile file and an
// optional answers file, writing the report Markdown (and optionally a PDF)
// to disk.
func main() {
	var (
		profilePath = flag.String("profile", "", "Path to the company profile JSON (required)")
		answersPath = flag.String("answers", "", "Path to a JSON object of q_1..q_n answers")
		outPath     = flag.String("out", "report.md", "Report Markdown output path")
		pdfPath     = flag.String("pdf", "", "Also render the report to this PDF path")
	)
	flag.Parse()

	if *profilePath == "" {
		log.Fatal("--profile is required")
	}

	rec, err := loadProfile(*profilePath)
	if err != nil {
		log.Fatal(err)
	}

	caller, err := diagnosis.NewAnthropicCallerFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	runner := diagnosis.NewLLMStageRunner(caller)
	pipeline := diagnosis.NewPipeline(runner, diagnosis.WithProgress(func(stage diagnosis.Stage, detail string) {
		log.Printf("%s: %s", diagnosis.StageNames[stage], detail)
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st := diagnosis.NewState()
	st.Profile = *rec

	log.Printf("外部環境分析を実行中")
	if err := pipeline.RunExternalAnalysis(ctx, st); err != nil {
		log.Fatal(err)
	}
	log.Printf("AIからの質問を生成中")
	if err := pipeline.RunQuestions(ctx, st); err != nil {
		log.Fatal(err)
	}
	for i, q := range st.Questions {
		log.Printf("  %s: %s [%s]", diagnosis.AnswerKey(i+1), q.Question, q.Category)
	}

	if *answersPath != "" {
		answers, err := loadAnswers(*answersPath)
		if err != nil {
			log.Fatal(err)
		}
		pipeline.SaveAnswers(st, answers)
	}

	// Later stages are gated; a missing answers file stops after the
	// questions and still writes a partial report.
	runGated(ctx, pipeline.RunSWOT, st, "SWOT分析")
	runGated(ctx, pipeline.RunRootCause, st, "真因分析")
	runGated(ctx, pipeline.RunActions, st, "改善アクション提案")

	md := diagnosis.BuildReportMarkdown(st, time.Now())
	if err := os.WriteFile(*outPath, []byte(md), 0o644); err != nil {
		log.Fatal(err)
	}
	log.Printf("report written to %s", *outPath)

	if *pdfPath != "" {
		pdf, err := httpapi.NewChromiumPDFRenderer().Render(ctx, md)
		if err != nil {
			log.Fatal(err)
		}
		if err := os.WriteFile(*pdfPath, pdf, 0o644); err != nil {
			log.Fatal(err)
		}
		log.Printf("pdf written to %s", *pdfPath)
	}
}

func runGated(ctx context.Context, run func(context.Context, *diagnosis.State) error, st *diagnosis.State, name string) {
	log.Printf("%sを実行中", name)
	if err := run(ctx, st); err != nil {
		var gate *diagnosis.GatingError
		if errors.As(err, &gate) {
			log.Printf("%sをスキップ: %s", name, gate.Reason)
			return
		}
		log.Fatal(err)
	}
}

func loadProfile(path string) (*profile.Record, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec profile.Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if errs := profile.Validate(&rec); len(errs) > 0 {
		for field, msg := range errs {
			log.Printf("profile %s: %s", profile.Labels[field], msg)
		}
		return nil, fmt.Errorf("profile validation failed")
	}
	profile.Commit(&rec)
	return &rec, nil
}

func loadAnswers(path string) (map[string]string, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var answers map[string]string
	if err := json.Unmarshal(blob, &answers); err != nil {
		return nil, fmt.Errorf("parse answers: %w", err)
	}
	return answers, nil
}
