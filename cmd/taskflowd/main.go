// Command taskflowd runs the orchestrator service: HTTP API, SSE event
// streams, Prometheus metrics, and the run workers.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/taskflow-go/flow"
	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/dshills/taskflow-go/flow/httpapi"
	"github.com/dshills/taskflow-go/flow/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()
	settings := flow.LoadSettings()

	st, err := store.Open(settings.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if err := flow.SeedTemplates(ctx, st); err != nil {
		return err
	}

	provider, err := flow.BuildProvider(settings)
	if err != nil {
		return err
	}

	metrics := flow.NewMetrics(prometheus.DefaultRegisterer)
	emitter := emit.NewLogEmitter(os.Stdout, false)

	orch := flow.NewOrchestrator(st, settings, provider, emitter, metrics)
	if err := orch.ResumeIncompleteRuns(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.NewServer(orch).Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("%s listening on %s", settings.AppName, settings.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Printf("orchestrator shutdown: %v", err)
	}
	return nil
}
