package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/toolstore/pkg/config"
	"github.com/openfroyo/toolstore/pkg/engine"
	"github.com/openfroyo/toolstore/pkg/runtime"
	"github.com/openfroyo/toolstore/pkg/telemetry"
)

// openStack loads configuration and bootstraps the whole process. The
// returned close function shuts everything down.
func openStack(ctx context.Context) (*runtime.Stack, func(), error) {
	return openStackFrom(ctx, configPath)
}

func openStackFrom(ctx context.Context, path string) (*runtime.Stack, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	tcfg := cfg.Telemetry()
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if cfg.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			_ = tel.Shutdown(context.Background())
			return nil, nil, err
		}
	}

	stack, err := runtime.Bootstrap(ctx, cfg, tel)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, nil, err
	}

	closeFn := func() {
		shutdownCtx := context.WithoutCancel(ctx)
		if err := stack.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Shutdown reported errors")
		}
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown reported errors")
		}
	}
	return stack, closeFn, nil
}

// callerFlags are shared by commands that act on behalf of a caller.
type callerFlags struct {
	id    string
	role  string
	attrs map[string]string
}

func (f *callerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "caller", "", "caller id (empty is anonymous)")
	cmd.Flags().StringVar(&f.role, "role", "", "caller role")
	cmd.Flags().StringToStringVar(&f.attrs, "attr", nil, "extra caller attributes (key=value)")
}

func (f *callerFlags) caller() engine.Caller {
	c := engine.Caller{ID: f.id, Role: f.role}
	if len(f.attrs) > 0 {
		c.Attributes = make(map[string]interface{}, len(f.attrs))
		for k, v := range f.attrs {
			c.Attributes[k] = v
		}
	}
	return c
}

// inputFlags read a JSON object from --input or --input-file ("-" is stdin).
type inputFlags struct {
	inline string
	file   string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.inline, "input", "i", "", "input as a JSON object")
	cmd.Flags().StringVarP(&f.file, "input-file", "f", "", "read the input JSON object from a file, - for stdin")
}

func (f *inputFlags) read(stdin io.Reader) (map[string]interface{}, error) {
	var data []byte
	switch {
	case f.inline != "" && f.file != "":
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	case f.inline != "":
		data = []byte(f.inline)
	case f.file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		data = b
	case f.file != "":
		b, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		data = b
	default:
		return map[string]interface{}{}, nil
	}

	var input map[string]interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	return input, nil
}

// parseFilters turns key=value pairs into query filters. Values that parse
// as JSON scalars keep their type.
func parseFilters(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filters := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q, want key=value", p)
		}
		var typed interface{}
		if err := json.Unmarshal([]byte(v), &typed); err == nil {
			filters[k] = typed
		} else {
			filters[k] = v
		}
	}
	return filters, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
