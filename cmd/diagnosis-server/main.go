package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shindanlab/keiei-ai/internal/diagnosis"
	"github.com/shindanlab/keiei-ai/internal/history"
	"github.com/shindanlab/keiei-ai/internal/httpapi"
	"github.com/shindanlab/keiei-ai/internal/session"
	"github.com/shindanlab/keiei-ai/internal/telemetry"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "HTTP listen address")
		historyDSN   = flag.String("history-dsn", ":memory:", "SQLite DSN for the report history (in-memory by default)")
		otlpEndpoint = flag.String("otlp-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP/HTTP trace collector endpoint (empty disables tracing)")
		disablePDF   = flag.Bool("disable-pdf", false, "Serve without PDF rendering (no Chromium required)")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "diagnosis-server", *otlpEndpoint)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	caller, err := diagnosis.NewAnthropicCallerFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	runner := diagnosis.NewLLMStageRunner(caller)
	pipeline := diagnosis.NewPipeline(runner)

	reports, err := history.Open(*historyDSN)
	if err != nil {
		log.Fatal(err)
	}
	defer reports.Close()

	var pdf httpapi.PDFRenderer
	if !*disablePDF {
		pdf = httpapi.NewChromiumPDFRenderer()
	}

	handler := httpapi.NewServer(httpapi.ServerConfig{
		Sessions: session.NewStore(),
		Pipeline: pipeline,
		Reports:  reports,
		PDF:      pdf,
	})

	log.Printf("diagnosis server listening on %s", *addr)
	srv := &http.Server{Addr: *addr, Handler: handler}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
