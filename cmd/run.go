package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/crawl-swarm/internal/controller"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

type runOptions struct {
	targetsFile string
	poolSize    int
	timeout     time.Duration
}

// runReport is printed to stdout once the batch finishes.
type runReport struct {
	Rejected []controller.Rejection `json:"rejected"`
	Status   controller.Status      `json:"status"`
}

func newRunCmd(factory appFactory) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawls a batch of targets and prints the final statistics",
		Long: `Starts a swarm with the targets listed in --targets, waits until every
target has an outcome (or --timeout elapses), stops the swarm and prints the
final status as JSON. The targets file is a YAML or JSON list of targets, or a
document with a top-level "targets" list.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if opts.poolSize > 0 {
				cfg.Swarm.PoolSize = opts.poolSize
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			targets, err := loadTargets(opts.targetsFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := factory(ctx, cfg)
			if err != nil {
				return err
			}
			report, runErr := runBatch(ctx, app.Controller(), targets, opts.timeout)

			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := multierr.Append(runErr, app.Close(closeCtx)); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.targetsFile, "targets", "", "YAML or JSON file listing targets")
	cmd.Flags().IntVar(&opts.poolSize, "pool-size", 0, "override swarm.pool_size")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "maximum time to wait for the batch (0 waits until done)")
	_ = cmd.MarkFlagRequired("targets")
	return cmd
}

func runBatch(ctx context.Context, ctl *controller.Controller, targets []swarm.Target, timeout time.Duration) (runReport, error) {
	_, added, err := ctl.Start(ctx, targets)
	if err != nil {
		return runReport{}, fmt.Errorf("start swarm: %w", err)
	}
	report := runReport{Rejected: added.Rejected}
	if report.Rejected == nil {
		report.Rejected = []controller.Rejection{}
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	waitErr := ctl.WaitIdle(waitCtx)
	report.Status = ctl.Status()
	if waitErr != nil && !errors.Is(waitErr, context.DeadlineExceeded) {
		return report, waitErr
	}
	return report, nil
}

type targetsDocument struct {
	Targets []swarm.Target `yaml:"targets"`
}

// loadTargets reads a targets file. JSON documents parse as YAML.
func loadTargets(path string) ([]swarm.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse targets file %s: %w", path, err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("targets file %s is empty", path)
	}
	doc := root.Content[0]

	var targets []swarm.Target
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&targets); err != nil {
			return nil, fmt.Errorf("decode targets: %w", err)
		}
	case yaml.MappingNode:
		var wrapped targetsDocument
		if err := doc.Decode(&wrapped); err != nil {
			return nil, fmt.Errorf("decode targets: %w", err)
		}
		targets = wrapped.Targets
	default:
		return nil, fmt.Errorf("targets file %s must hold a list or a targets mapping", path)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("targets file %s lists no targets", path)
	}
	return targets, nil
}
