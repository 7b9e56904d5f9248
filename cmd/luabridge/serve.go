package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/luabridge/message"
	"github.com/caffeineduck/luabridge/pipeline"
	"github.com/caffeineduck/luabridge/sandbox"
)

const maxBodySize = 1 << 20

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [script]",
		Short: "Serve a pipeline over HTTP",
		Long: `Start an HTTP server that feeds messages to a script or pipeline.

Endpoints:
  POST /messages   Deliver a message: a JSON message, or a raw payload typed with ?type=
  GET  /output     Recently injected messages
  GET  /plugins    Plugin status
  GET  /metrics    Prometheus metrics
  GET  /health     Health check`,
		Args: cobra.MaximumNArgs(1),
		RunE: runServe,
	}
	addPipelineFlags(cmd)
	cmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	cmd.Flags().Duration("tick", time.Second, "How often filter tickers are checked")
	cmd.Flags().Int("keep", 100, "Number of injected messages kept for /output")
	return cmd
}

type server struct {
	p       *pipeline.Pipeline
	logger  *zap.Logger
	metrics http.Handler

	mu     sync.Mutex
	recent []*message.Message
	keep   int
}

func newServer(p *pipeline.Pipeline, gatherer prometheus.Gatherer, keep int, logger *zap.Logger) *server {
	return &server{
		p:       p,
		logger:  logger,
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		keep:    keep,
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", s.handleMessage)
	mux.HandleFunc("GET /output", s.handleOutput)
	mux.HandleFunc("GET /plugins", s.handlePlugins)
	mux.Handle("GET /metrics", s.metrics)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

type deliverResponse struct {
	Injected []*message.Message `json:"injected"`
	Error    string             `json:"error,omitempty"`
}

func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusRequestEntityTooLarge)
		return
	}

	var m *message.Message
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		m = new(message.Message)
		if err := json.Unmarshal(body, m); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	} else {
		m = message.New()
		m.Type = r.URL.Query().Get("type")
		if m.Type == "" {
			m.Type = defaultType
		}
		m.Logger = "luabridge"
		m.Payload = string(body)
	}

	packs, err := s.p.Deliver(r.Context(), m)
	if errors.Is(err, pipeline.ErrClosed) || errors.Is(err, pipeline.ErrNotRunning) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.record(packs)

	resp := deliverResponse{Injected: make([]*message.Message, 0, len(packs))}
	for _, pack := range packs {
		resp.Injected = append(resp.Injected, pack.Message)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}

func (s *server) handleOutput(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]*message.Message{}, s.recent...)
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.p.Stats())
}

// record keeps the last s.keep injected messages.
func (s *server) record(packs []*pipeline.Pack) {
	if len(packs) == 0 || s.keep <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pack := range packs {
		s.recent = append(s.recent, pack.Message)
	}
	if n := len(s.recent) - s.keep; n > 0 {
		s.recent = append(s.recent[:0], s.recent[n:]...)
	}
}

// tickLoop fires filter timers every interval until ctx is done.
func (s *server) tickLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			packs, err := s.p.Tick(ctx, now)
			if err != nil {
				s.logger.Warn("timer event failed", zap.Error(err))
			}
			s.record(packs)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	tick, _ := cmd.Flags().GetDuration("tick")
	keep, _ := cmd.Flags().GetInt("keep")

	cfg, err := loadPipelineConfig(cmd, args)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts, err := pipelineOptions(cmd)
	if err != nil {
		return err
	}
	p, err := pipeline.New(cfg, append(opts, pipeline.WithMetrics(pipeline.NewMetrics(reg)))...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Close()

	logger := sandbox.Logger()
	s := newServer(p, reg, keep, logger)
	go s.tickLoop(ctx, tick)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	fmt.Fprintf(cmd.ErrOrStderr(), "luabridge server listening on %s\n", srv.Addr)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
