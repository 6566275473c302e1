package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/forge/internal/orchestrator"
	"github.com/Iron-Ham/forge/internal/session"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause a session at its next safe point",
	Long: `Pause a persisted session. The session's timeout stops counting down
while it is paused, and interventions submitted meanwhile are held until
it resumes.`,
	Args: cobra.ExactArgs(1),
	RunE: runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a session",
	Long:  `Stop a session for good. A stopped session can be inspected but not resumed.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var extendCmd = &cobra.Command{
	Use:   "extend <session-id> <minutes>",
	Short: "Push a session's deadline back",
	Args:  cobra.ExactArgs(2),
	RunE:  runExtend,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <session-id> <round>",
	Short: "Rewind a paused session so a round is replayed",
	Long: `Discard every round from <round> on and reopen it. The session must be
paused. Conflicts seen only in discarded rounds are hidden until they are
detected again.`,
	Args: cobra.ExactArgs(2),
	RunE: runRollback,
}

var advanceCmd = &cobra.Command{
	Use:   "advance <session-id>",
	Short: "Seal the current round from the drafts on disk",
	Long: `Seal the current round of a session from the drafts on disk and open
the next one. The last round allowed is concluded whatever its score.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdvance,
}

var removeCmd = &cobra.Command{
	Use:     "rm <session-id>",
	Aliases: []string{"remove"},
	Short:   "Delete a finished session",
	Args:    cobra.ExactArgs(1),
	RunE:    runRemove,
}

var (
	pauseReason     string
	advanceConclude bool
)

func init() {
	pauseCmd.Flags().StringVarP(&pauseReason, "reason", "r", "operator", "reason recorded in the pause history")
	advanceCmd.Flags().BoolVar(&advanceConclude, "conclude", false, "seal the current round as the last one")

	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(extendCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(removeCmd)
}

// withSession restores a persisted session into a fresh orchestrator, runs
// fn against it and releases it again. Every committed change is saved by
// the session itself, so nothing needs writing back afterwards.
func withSession(ctx context.Context, id string, fn func(*orchestrator.Orchestrator) error) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.requireStore(); err != nil {
		return err
	}

	orch, _, err := rt.orchestrator()
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer func() {
		if err := orch.Close(); err != nil {
			rt.logger.Warn("failed to close orchestrator", "error", err)
		}
	}()

	if err := orch.Restore(ctx, id); err != nil {
		return fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return fn(orch)
}

func runPause(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withSession(cmd.Context(), id, func(o *orchestrator.Orchestrator) error {
		if err := o.Pause(cmd.Context(), id, pauseReason); err != nil {
			return fmt.Errorf("failed to pause session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s paused\n", id)
		return nil
	})
}

func runResume(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withSession(cmd.Context(), id, func(o *orchestrator.Orchestrator) error {
		if err := o.Resume(id); err != nil {
			return fmt.Errorf("failed to resume session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s resumed\n", id)
		return nil
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withSession(cmd.Context(), id, func(o *orchestrator.Orchestrator) error {
		if err := o.Stop(id); err != nil {
			return fmt.Errorf("failed to stop session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s stopped\n", id)
		return nil
	})
}

func runExtend(cmd *cobra.Command, args []string) error {
	id := args[0]
	minutes, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid minutes %q: %w", args[1], err)
	}
	return withSession(cmd.Context(), id, func(o *orchestrator.Orchestrator) error {
		deadline, err := o.ExtendTimeout(id, minutes)
		if err != nil {
			return fmt.Errorf("failed to extend timeout: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s deadline is now %s\n", id, deadline.Local().Format(timeFormat))
		return nil
	})
}

func runRollback(cmd *cobra.Command, args []string) error {
	id := args[0]
	round, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid round %q: %w", args[1], err)
	}
	return withSession(cmd.Context(), id, func(o *orchestrator.Orchestrator) error {
		if err := o.RollbackToRound(id, round); err != nil {
			return fmt.Errorf("failed to roll back: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s rolled back to round %d\n", id, round)
		return nil
	})
}

func runAdvance(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withSession(cmd.Context(), id, func(o *orchestrator.Orchestrator) error {
		snap, err := o.GetSessionState(id)
		if err != nil {
			return err
		}
		var sealed session.Round
		if advanceConclude {
			sealed, err = o.Conclude(cmd.Context(), id)
		} else {
			sealed, err = sealRound(cmd.Context(), o, id, snap)
		}
		if err != nil {
			return fmt.Errorf("failed to advance session: %w", err)
		}
		if snap, err = o.GetSessionState(id); err != nil {
			return err
		}
		p := newPrinter(cmd.OutOrStdout())
		p.roundLine(sealed)
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s is %s\n", id, p.state(snap.State))
		return nil
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withSession(cmd.Context(), id, func(o *orchestrator.Orchestrator) error {
		if err := o.Remove(cmd.Context(), id); err != nil {
			return fmt.Errorf("failed to remove session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s removed\n", id)
		return nil
	})
}
