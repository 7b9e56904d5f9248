package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caffeineduck/luabridge/hostfunc"
	"github.com/caffeineduck/luabridge/pipeline"
	"github.com/caffeineduck/luabridge/sandbox"
)

// defaultType is the Type given to messages read as plain payloads.
const defaultType = "input"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "luabridge",
		Short: "Sandboxed Lua filters and decoders for message pipelines",
		Long: `luabridge - Run untrusted Lua scripts as message filters and decoders.

Scripts run in a restricted Lua environment with per call time limits and a
bounded output buffer. They see messages through read_message, emit new ones
with inject_message and can keep their globals across restarts.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}
	root.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(), newReplCmd(), newServeCmd())
	return root
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	logger, err := newLogger(level, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	sandbox.SetLogger(logger)
	return nil
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), lvl)), nil
}

// addPipelineFlags registers the flags that describe what to run: either a
// pipeline config file or a single filter script.
func addPipelineFlags(cmd *cobra.Command) {
	def := sandbox.DefaultConfig()
	cmd.Flags().String("config", "", "Pipeline config file (.yaml, .yml, .toml)")
	cmd.Flags().StringP("code", "c", "", "Filter script source")
	cmd.Flags().StringSlice("match", []string{defaultType}, "Message type globs routed to the script (repeatable)")
	cmd.Flags().Duration("ticker", 0, "timer_event interval for the script")
	cmd.Flags().Duration("timeout", def.Timeout, "Per call execution timeout")
	cmd.Flags().Int("output-limit", def.OutputLimit, "Max bytes staged by output()")
	cmd.Flags().StringToString("set", nil, "read_config value key=value (repeatable)")
	cmd.Flags().String("state-dir", "", "Directory for preserved script data")
	cmd.Flags().Bool("kv", false, "Enable the kv_get, kv_set and kv_delete host functions, backed by one store shared by all plugins")
}

func loadPipelineConfig(cmd *cobra.Command, args []string) (pipeline.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	code, _ := cmd.Flags().GetString("code")
	stateDir, _ := cmd.Flags().GetString("state-dir")

	if configFile != "" {
		if code != "" || len(args) > 0 {
			return pipeline.Config{}, fmt.Errorf("--config cannot be combined with a script")
		}
		cfg, err := pipeline.LoadConfigFile(configFile)
		if err != nil {
			return pipeline.Config{}, err
		}
		if stateDir != "" {
			cfg.StateDir = stateDir
		}
		return cfg, nil
	}

	name := "inline"
	pc := pipeline.DefaultPluginConfig()
	switch {
	case code != "":
		pc.Sandbox.Source = code
	case len(args) > 0:
		pc.Sandbox.ScriptFilename = args[0]
		name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	default:
		return pipeline.Config{}, fmt.Errorf("script required: pass a file, --code or --config")
	}

	pc.MessageMatcher, _ = cmd.Flags().GetStringSlice("match")
	pc.Sandbox.Timeout, _ = cmd.Flags().GetDuration("timeout")
	pc.Sandbox.OutputLimit, _ = cmd.Flags().GetInt("output-limit")
	pc.PreserveData = stateDir != ""
	values, _ := cmd.Flags().GetStringToString("set")
	pc.Config = parseSetValues(values)

	ticker, _ := cmd.Flags().GetDuration("ticker")
	cfg := pipeline.DefaultConfig()
	cfg.StateDir = stateDir
	cfg.Filters[name] = pipeline.FilterConfig{PluginConfig: pc, TickerInterval: ticker}
	return cfg, cfg.Validate()
}

// parseSetValues types --set values the way a config file would: numbers
// and booleans are recognized, everything else stays a string.
func parseSetValues(values map[string]string) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out
}

func pipelineOptions(cmd *cobra.Command) ([]pipeline.Option, error) {
	opts := []pipeline.Option{pipeline.WithLogger(sandbox.Logger())}
	if enableKV, _ := cmd.Flags().GetBool("kv"); enableKV {
		registry := hostfunc.NewRegistry()
		if err := hostfunc.NewKV(hostfunc.DefaultKVConfig()).Register(registry); err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithRegistry(registry))
	}
	return opts, nil
}
