// cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/agent"
	"github.com/hexedge/deskpilot/internal/config"
	"github.com/hexedge/deskpilot/internal/observability"
	"github.com/hexedge/deskpilot/internal/session"
)

// newRunCmd creates and configures the `run` command, a one-shot session
// that prints the outcome and exits.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [goal...]",
		Short: "Runs a single agent session for the given goal",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so command-line flags override
			// values from the config file and environment.
			if err := viper.BindPFlag("agent.max_turns", cmd.Flags().Lookup("max-turns")); err != nil {
				return err
			}
			if err := viper.BindPFlag("agent.use_describer", cmd.Flags().Lookup("describer")); err != nil {
				return err
			}
			if err := viper.BindPFlag("desktop.devtools_url", cmd.Flags().Lookup("devtools-url")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			goal := strings.Join(args, " ")

			// Re-unmarshal now that the flag bindings from PreRunE are in
			// place, so flags override file and environment values.
			loaded, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			cfg = loaded

			manager := session.NewManager(cfg, logger)
			defer func() {
				// A fresh context: the command context may already be
				// cancelled when teardown runs.
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := manager.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Session teardown incomplete", zap.Error(err))
				}
			}()

			info, err := manager.Start(ctx, goal, session.StartOptions{})
			if err != nil {
				return fmt.Errorf("starting session: %w", err)
			}

			// Ctrl-C cancels the session between turns.
			stop := context.AfterFunc(ctx, func() { manager.Cancel(info.ID) })
			defer stop()

			tr, _ := manager.Transcript(info.ID)
			turns, cancel := tr.Subscribe(64)
			defer cancel()

			// Stream progress to stdout while the session runs. The channel
			// closes when the session's transcript shuts down.
			for turn := range turns {
				switch {
				case turn.Action != "":
					fmt.Printf("[%d] %s (%s)\n", turn.Seq, turn.Action, turn.Status)
				case turn.Text != "":
					fmt.Printf("[%d] %s: %s\n", turn.Seq, turn.Kind, turn.Text)
				}
			}

			final, _ := manager.Get(info.ID)
			if final.Result == nil {
				return fmt.Errorf("session ended without a result")
			}
			printResult(*final.Result)
			if final.Result.Outcome != agent.OutcomeCompleted &&
				final.Result.Outcome != agent.OutcomeBudgetExceeded {
				return fmt.Errorf("session failed: %s", final.Result.Reason)
			}
			return nil
		},
	}

	runCmd.Flags().Int("max-turns", 24, "maximum number of agent turns")
	runCmd.Flags().Bool("describer", true, "route screenshots through the describer model")
	runCmd.Flags().String("devtools-url", "", "attach to a running DevTools target instead of launching one")
	return runCmd
}

func printResult(result agent.Result) {
	fmt.Println()
	switch result.Outcome {
	case agent.OutcomeCompleted:
		fmt.Printf("Final answer (%d turns): %s\n", result.Turns, result.FinalAnswer)
	case agent.OutcomeBudgetExceeded:
		fmt.Printf("Task incomplete: %s\n", result.Reason)
	default:
		fmt.Printf("Session ended (%s): %s\n", result.Outcome, result.Reason)
	}
}
