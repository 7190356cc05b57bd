// Command vm0 is the operator-facing CLI for the sandbox factory: it
// runs check_prerequisites, creates and destroys sandboxes, and execs
// commands into a running one, all against the local host rather than a
// remote orchestration API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/tartarus/pkg/domain"
	"github.com/tartarus-sandbox/tartarus/pkg/factory"
	"github.com/tartarus-sandbox/tartarus/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus/pkg/runctx"
)

var (
	binaryPath string
	kernelPath string
	rootfsPath string
	baseDir    string
	poolSize   int
	maxIndex   int
	proxyPort  int
)

func main() {
	root := &cobra.Command{Use: "vm0", Short: "Firecracker microVM sandbox factory"}
	root.PersistentFlags().StringVar(&binaryPath, "firecracker-bin", "/usr/local/bin/firecracker", "path to the firecracker binary")
	root.PersistentFlags().StringVar(&kernelPath, "kernel", "/var/lib/vm0/vmlinux", "path to the guest kernel image")
	root.PersistentFlags().StringVar(&rootfsPath, "rootfs", "/var/lib/vm0/rootfs.ext4", "path to the read-only rootfs image")
	root.PersistentFlags().StringVar(&baseDir, "base-dir", "/var/lib/vm0", "factory base directory (workspaces/, overlays/)")
	root.PersistentFlags().IntVar(&poolSize, "pool-size", 1, "overlay/netns pool size")
	root.PersistentFlags().IntVar(&maxIndex, "max-index", 64, "number of instance indices; live indices run 0..max-index-1 (default 64 gives 0..63; kept configurable per the Open Question in spec §9)")
	root.PersistentFlags().IntVar(&proxyPort, "proxy-port", 0, "transparent proxy port for guest egress; 0 disables redirection")

	root.AddCommand(doctorCmd(), createExecDestroyCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildConfig() domain.FirecrackerConfig {
	return domain.FirecrackerConfig{
		BinaryPath:    binaryPath,
		KernelPath:    kernelPath,
		RootFSPath:    rootfsPath,
		BaseDir:       baseDir,
		OverlaySize:   512 * 1024 * 1024,
		PoolSize:      poolSize,
		MaxIndex:      maxIndex,
		ProxyPort:     proxyPort,
		StartDeadline: 30,
		Limits:        domain.DefaultResourceLimits(),
	}
}

func newLogger() hermes.Logger {
	return slogLogger{slog.New(slog.NewJSONHandler(os.Stderr, nil))}
}

type slogLogger struct{ l *slog.Logger }

func (s slogLogger) Info(ctx context.Context, msg string, fields map[string]any) {
	s.l.Info(msg, flatten(fields)...)
}

func (s slogLogger) Error(ctx context.Context, msg string, fields map[string]any) {
	s.l.Error(msg, flatten(fields)...)
}

func flatten(fields map[string]any) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run check_prerequisites and print the aggregated report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if err := factory.CheckPrerequisites(ctx, buildConfig()); err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
			fmt.Println("all prerequisites satisfied")
			return nil
		},
	}
}

// createExecDestroyCmd runs the full lifecycle of scenario 1 in spec §8
// in one shot: create, start, exec the given command, stop. It exists as
// a single command because the factory's pooled resources are only
// meaningful for the lifetime of one process; a multi-command CLI would
// need its own daemon to hold them between invocations, which is outside
// this module's scope.
func createExecDestroyCmd() *cobra.Command {
	var cmdStr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a sandbox, exec one command in it, then destroy it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			logger := newLogger()

			run, err := runctx.FromEnv()
			if err != nil {
				run = runctx.New(fmt.Sprintf("cli-%d", time.Now().UnixNano()), "", "", baseDir, "")
			}

			f := factory.New(buildConfig(), run, logger)
			if err := f.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize factory: %w", err)
			}
			defer f.Close()

			sb, err := f.Create(ctx)
			if err != nil {
				return fmt.Errorf("create sandbox: %w", err)
			}
			fmt.Printf("sandbox %s created\n", sb.ID())

			if err := sb.Start(ctx); err != nil {
				return fmt.Errorf("start sandbox: %w", err)
			}
			fmt.Println("sandbox started")

			result, err := sb.Exec(ctx, domain.NewExecRequest(fmt.Sprintf("exec-%d", time.Now().UnixNano()), cmdStr, timeout))
			if err != nil {
				return fmt.Errorf("exec: %w", err)
			}
			fmt.Printf("exit_code=%d\nstdout=%s\nstderr=%s\n", result.ExitCode, result.Stdout, result.Stderr)

			if err := f.Destroy(ctx, sb); err != nil {
				return fmt.Errorf("destroy sandbox: %w", err)
			}
			fmt.Println("sandbox destroyed")
			return nil
		},
	}
	cmd.Flags().StringVar(&cmdStr, "cmd", "echo hi", "command to run inside the sandbox")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "exec timeout")
	return cmd
}
