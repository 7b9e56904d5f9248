package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/luabridge/message"
	"github.com/caffeineduck/luabridge/pipeline"
	"github.com/caffeineduck/luabridge/sandbox"
)

const maxLineSize = 1 << 20

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [script]",
		Short: "Run a script or pipeline over input messages",
		Long: `Run a filter script, or a whole pipeline from --config, over messages read
from a file or stdin and print every injected message.

Input can be given as:
  - Text: one payload per line, typed with --type
  - JSON: one message per line (--format json)

Examples:
  luabridge run counter.lua --flush < access.log
  luabridge run -c 'function process_message() output(read_message("Payload")) inject_message() return 0 end'
  luabridge run --config pipeline.yaml --input events.json --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
	addPipelineFlags(cmd)
	cmd.Flags().StringP("input", "i", "", "Input file (default: stdin)")
	cmd.Flags().String("format", "text", "Input format: text or json")
	cmd.Flags().String("type", defaultType, "Type of messages read as text")
	cmd.Flags().Bool("flush", false, "Run timer_event on every filter after input ends")
	cmd.Flags().Bool("payload", false, "Print only the payload of injected messages")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	typ, _ := cmd.Flags().GetString("type")
	inputFile, _ := cmd.Flags().GetString("input")
	flush, _ := cmd.Flags().GetBool("flush")
	payloadOnly, _ := cmd.Flags().GetBool("payload")

	if format != "text" && format != "json" {
		return fmt.Errorf("unknown input format %q: use text or json", format)
	}
	cfg, err := loadPipelineConfig(cmd, args)
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if inputFile != "" {
		f, err := os.Open(inputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	opts, err := pipelineOptions(cmd)
	if err != nil {
		return err
	}
	out := make(chan *pipeline.Pack, 64)
	p, err := pipeline.New(cfg, append(opts, pipeline.WithOutput(out))...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if err := p.Start(ctx); err != nil {
		return err
	}

	w := newPackWriter(cmd.OutOrStdout(), payloadOnly)
	written := make(chan error, 1)
	go func() {
		var werr error
		for pack := range out {
			if err := w.write(pack); err != nil && werr == nil {
				werr = err
			}
		}
		written <- werr
	}()

	runCtx, cancel := context.WithCancel(ctx)
	msgs := make(chan *message.Message)
	read := make(chan error, 1)
	go func() {
		defer close(msgs)
		read <- readMessages(runCtx, in, format, typ, msgs)
	}()

	var errs *multierror.Error
	runErr := p.Run(runCtx, msgs)
	cancel()
	if runErr != nil {
		errs = multierror.Append(errs, runErr)
	} else if err := <-read; err != nil {
		errs = multierror.Append(errs, err)
	}

	if flush && runErr == nil {
		packs, err := p.Flush(ctx, time.Now())
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, pack := range packs {
			out <- pack
		}
	}
	close(out)
	if err := <-written; err != nil {
		errs = multierror.Append(errs, err)
	}

	for _, st := range p.Stats() {
		if st.Status == sandbox.StatusTerminated.String() {
			errs = multierror.Append(errs, fmt.Errorf("%s %s terminated: %s", st.Kind, st.Name, st.LastError))
		}
	}
	if err := p.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// readMessages turns each input line into a message and sends it to out
// until r is exhausted or ctx is done.
func readMessages(ctx context.Context, r io.Reader, format, typ string, out chan<- *message.Message) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		m, err := parseLine(sc.Bytes(), format, typ)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sc.Err()
}

func parseLine(line []byte, format, typ string) (*message.Message, error) {
	if format == "json" {
		if len(bytes.TrimSpace(line)) == 0 {
			return nil, nil
		}
		m := new(message.Message)
		if err := json.Unmarshal(line, m); err != nil {
			return nil, fmt.Errorf("parse message: %w", err)
		}
		return m, nil
	}
	m := message.New()
	m.Type = typ
	m.Logger = "luabridge"
	m.Payload = string(line)
	return m, nil
}

type packWriter struct {
	w           io.Writer
	enc         *json.Encoder
	payloadOnly bool
}

func newPackWriter(w io.Writer, payloadOnly bool) *packWriter {
	return &packWriter{w: w, enc: json.NewEncoder(w), payloadOnly: payloadOnly}
}

func (pw *packWriter) write(p *pipeline.Pack) error {
	if !pw.payloadOnly {
		return pw.enc.Encode(p.Message)
	}
	payload := p.Message.Payload
	if !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}
	_, err := io.WriteString(pw.w, payload)
	return err
}
