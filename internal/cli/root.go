package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/Procwarden/internal/monitor"
	"github.com/turtacn/Procwarden/internal/orchestrator"
	"github.com/turtacn/Procwarden/pkg/consts"
	"github.com/turtacn/Procwarden/pkg/detach"
	"github.com/turtacn/Procwarden/pkg/errors"
	"github.com/turtacn/Procwarden/pkg/logger"
	"github.com/turtacn/Procwarden/pkg/process"
	"github.com/turtacn/Procwarden/pkg/protocol"
)

// ExitCodeError carries a child's exit code out of a command.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

var (
	cfgFile  string
	logLevel string

	execTimeout    time.Duration
	execDir        string
	execMerged     bool
	execStdoutFile string
	execStderrFile string
	execAppend     bool
	execNewSession bool

	detachDir       string
	detachNullStdio bool
)

var rootCmd = &cobra.Command{
	Use:           "procwarden",
	Short:         "procwarden: launch, pipe, reap and detach child processes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logLevel != "" {
			logger.InitLogger(logLevel)
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the job described by a config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. Load Config
		cfg, err := protocol.Load(cfgFile)
		if err != nil {
			return err
		}

		// 2. Init Logger & Metrics
		logger.InitLoggerWithFile(cfg.Observability.LogLevel, cfg.Observability.LogFile)
		if cfg.Observability.MetricsPort != "" {
			monitor.InitMetrics(cfg.Observability.MetricsPort)
		}
		logger.Log.Info("Booting procwarden job", "job", cfg.Job.Name, "stages", len(cfg.Job.Stages))

		// 3. Run Engine
		engine := orchestrator.NewEngine(cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		return engine.Run(context.Background())
	},
}

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- program [args...]",
	Short: "Run one program and exit with its exit code",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := process.New(args[0], args[1:]...)
		defer p.Close()

		if execMerged {
			p.SetProcessChannelMode(consts.ModeMerged)
		}
		if execDir != "" {
			p.SetWorkingDirectory(execDir)
		}
		if execStdoutFile != "" {
			p.SetStandardOutputFile(execStdoutFile, execAppend)
		}
		if execStderrFile != "" {
			p.SetStandardErrorFile(execStderrFile, execAppend)
		}
		if execNewSession {
			p.SetChildSetup(func(attr *syscall.SysProcAttr) { attr.Setsid = true })
		}
		out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
		p.SetHooks(process.Hooks{
			ReadyReadStandardOutput: func() { out.Write(p.ReadAllStandardOutput()) },
			ReadyReadStandardError:  func() { errOut.Write(p.ReadAllStandardError()) },
		})

		if err := p.Start(); err != nil {
			return err
		}
		p.CloseWriteChannel()
		if !p.WaitForStarted(consts.DefaultWaitTimeout) {
			return p.LastError()
		}

		timeout := execTimeout
		if timeout <= 0 {
			timeout = consts.WaitForever
		}
		if !p.WaitForFinished(timeout) {
			err := p.LastError()
			_ = p.Kill()
			p.WaitForFinished(consts.DefaultWaitTimeout)
			return err
		}
		if p.Crashed() {
			return p.LastError()
		}
		if p.ExitCode() != 0 {
			return &ExitCodeError{Code: p.ExitCode()}
		}
		return nil
	},
}

var detachCmd = &cobra.Command{
	Use:   "detach [flags] -- program [args...]",
	Short: "Start a program that outlives procwarden and print its pid",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []detach.Option
		if detachDir != "" {
			opts = append(opts, detach.WithWorkingDirectory(detachDir))
		}
		if detachNullStdio {
			opts = append(opts, detach.WithNullStdio())
		}
		pid, err := detach.Start(args[0], args[1:], opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), pid)
		return nil
	},
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Print the environment a child would inherit",
	Run: func(cmd *cobra.Command, args []string) {
		for _, entry := range process.SystemEnvironment().ToList() {
			fmt.Fprintln(cmd.OutOrStdout(), entry)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	runCmd.Flags().StringVarP(&cfgFile, "config", "c", "procwarden.yaml", "config file path")

	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "kill the program after this long (0 waits forever)")
	execCmd.Flags().StringVarP(&execDir, "dir", "d", "", "working directory")
	execCmd.Flags().BoolVar(&execMerged, "merged", false, "fold stderr into stdout")
	execCmd.Flags().StringVar(&execStdoutFile, "stdout-file", "", "redirect stdout to a file")
	execCmd.Flags().StringVar(&execStderrFile, "stderr-file", "", "redirect stderr to a file")
	execCmd.Flags().BoolVar(&execAppend, "append", false, "append to redirect files instead of truncating")
	execCmd.Flags().BoolVar(&execNewSession, "new-session", false, "start the program in a new session")

	detachCmd.Flags().StringVarP(&detachDir, "dir", "d", "", "working directory")
	detachCmd.Flags().BoolVar(&detachNullStdio, "null-stdio", false, "connect stdio to /dev/null")

	rootCmd.AddCommand(runCmd, execCmd, detachCmd, envCmd)
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var ec *ExitCodeError
	if stderrors.As(err, &ec) {
		return ec.Code
	}
	if errors.CodeOf(err) == errors.ErrCodeFailedToStart {
		return 127
	}
	return 1
}

// Execute runs the root command and exits with the child's status.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ec *ExitCodeError
		if !stderrors.As(err, &ec) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

// Personal.AI order the ending
