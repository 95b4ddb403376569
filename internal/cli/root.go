// Package cli implements intakectl, the operator command line. Commands run
// against the configured record store directly, without the HTTP server.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/operator"
	"github.com/pitabwire/intake/internal/store"
	"github.com/pitabwire/intake/internal/workflow"
	"github.com/pitabwire/intake/model"
)

// Output formats.
const (
	formatJSON = "json"
	formatText = "text"
)

// Option customises the root command.
type Option func(*runtime)

// WithStore runs commands against rs instead of opening the configured
// store. The caller keeps ownership of rs.
func WithStore(rs store.RecordStore) Option {
	return func(rt *runtime) { rt.store = rs }
}

// WithConfig skips loading the config file.
func WithConfig(cfg *config.Config) Option {
	return func(rt *runtime) { rt.cfg = cfg }
}

type runtime struct {
	configPath string
	format     string
	actor      string

	cfg   *config.Config
	store store.RecordStore
}

// env is what a command body works with.
type env struct {
	cfg       *config.Config
	store     store.RecordStore
	dashboard *operator.Dashboard
	out       io.Writer
	format    string
}

// NewRootCmd builds the intakectl command tree.
func NewRootCmd(opts ...Option) *cobra.Command {
	rt := &runtime{}
	for _, opt := range opts {
		opt(rt)
	}

	root := &cobra.Command{
		Use:           "intakectl",
		Short:         "Manage intake submissions",
		Long:          "Create intake links, inspect submissions and move them through the review workflow.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rt.configPath, "config", "c", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVarP(&rt.format, "format", "f", formatText, "Output format: json or text")
	root.PersistentFlags().StringVar(&rt.actor, "actor", os.Getenv("USER"), "Actor recorded on status changes")

	root.AddCommand(
		newCreateCmd(rt),
		newListCmd(rt),
		newShowCmd(rt),
		newTransitionCmd(rt),
		newBuildCmd(rt),
	)
	return root
}

// run opens the store, tags the context as a CLI request and calls fn.
func (rt *runtime) run(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	if rt.format != formatJSON && rt.format != formatText {
		return fmt.Errorf("unknown format %q", rt.format)
	}

	cfg := rt.cfg
	if cfg == nil {
		loaded, err := config.Load(rt.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rs := rt.store
	if rs == nil {
		opened, err := store.Open(ctx, cfg.Store, zap.NewNop())
		if err != nil {
			return err
		}
		defer opened.Close()
		rs = opened
	}

	policy, err := workflow.ParsePolicy(cfg.Workflow.TransitionPolicy)
	if err != nil {
		return err
	}
	engine := workflow.NewEngine(rs, policy, zap.NewNop(), nil)

	ctx = model.WithRequestContext(ctx, &model.RequestContext{
		Channel: model.ChannelCLI,
		Actor:   rt.actor,
	})
	return fn(ctx, &env{
		cfg:       cfg,
		store:     rs,
		dashboard: operator.NewDashboard(rs, engine, zap.NewNop()),
		out:       cmd.OutOrStdout(),
		format:    rt.format,
	})
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
