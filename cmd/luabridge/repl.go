package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/luabridge/message"
	"github.com/caffeineduck/luabridge/pipeline"
)

func newReplCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl [script]",
		Short: "Feed messages to a script interactively",
		Long: `Start an interactive session with a running script or pipeline. Each line
you enter becomes the payload of a new message and everything the filters
inject is printed.

Commands:
  .timer   run timer_event on every filter
  .stats   show plugin status

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line payloads (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRepl,
	}
	addPipelineFlags(cmd)
	cmd.Flags().String("type", defaultType, "Type of the messages entered")
	cmd.Flags().String("history", "", "History file path (default: ~/.luabridge_history)")
	return cmd
}

func runRepl(cmd *cobra.Command, args []string) error {
	typ, _ := cmd.Flags().GetString("type")
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".luabridge_history")
	}

	cfg, err := loadPipelineConfig(cmd, args)
	if err != nil {
		return err
	}
	opts, err := pipelineOptions(cmd)
	if err != nil {
		return err
	}
	p, err := pipeline.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := p.Start(cmd.Context()); err != nil {
		return err
	}
	defer p.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(cmd.ErrOrStderr(), "luabridge REPL (type 'exit' to quit, Ctrl+D to exit)")

	s := &replSession{p: p, typ: typ, out: cmd.OutOrStdout()}
	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(s.out)
				return nil
			}
			return err
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		if s.eval(cmd.Context(), line) {
			return nil
		}
	}
}

// replSession evaluates one REPL line at a time against a started pipeline.
type replSession struct {
	p   *pipeline.Pipeline
	typ string
	out io.Writer
}

// eval handles line and reports whether the session should end.
func (s *replSession) eval(ctx context.Context, line string) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case "exit", "quit":
		return true
	case ".stats":
		s.printStats()
		return false
	case ".timer":
		packs, err := s.p.Flush(ctx, time.Now())
		s.print(packs, err)
		return false
	}

	m := message.New()
	m.Type = s.typ
	m.Logger = "luabridge"
	m.Payload = line
	packs, err := s.p.Deliver(ctx, m)
	s.print(packs, err)
	return false
}

func (s *replSession) print(packs []*pipeline.Pack, err error) {
	for _, pack := range packs {
		payload := strings.TrimSuffix(pack.Message.Payload, "\n")
		fmt.Fprintf(s.out, "[%s] %s\n", pack.Message.Type, payload)
	}
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
}

func (s *replSession) printStats() {
	for _, st := range s.p.Stats() {
		fmt.Fprintf(s.out, "%-8s %-20s %-10s failures=%d", st.Kind, st.Name, st.Status, st.Failures)
		if st.LastError != "" {
			fmt.Fprintf(s.out, " error=%q", st.LastError)
		}
		fmt.Fprintln(s.out)
	}
}
