package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/forge/internal/conflict"
	"github.com/Iron-Ham/forge/internal/session"
	"github.com/Iron-Ham/forge/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show session status",
	Long: `Display one session in detail, or every stored session when no ID is
given. Reads the persisted snapshot, so it works while another process is
driving the session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <session-id>",
	Short: "List a session's conflicts",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflicts,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
	Long:  `Commands for listing stored sessions and cleaning up after crashed processes.`,
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored sessions",
	Args:    cobra.NoArgs,
	RunE:    runSessionsList,
}

var sessionsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stale session locks",
	Long: `Remove lock files left behind by processes that exited without
releasing their session. Only the json store keeps lock files.`,
	Args: cobra.NoArgs,
	RunE: runSessionsClean,
}

var (
	outputFormat      string
	conflictRound     int
	conflictSeverity  string
	conflictOpenOnly  bool
	conflictStatusArg string
)

func init() {
	for _, c := range []*cobra.Command{statusCmd, conflictsCmd, sessionsListCmd} {
		c.Flags().StringVarP(&outputFormat, "output", "o", formatText, "output format: text, json or yaml")
	}
	conflictsCmd.Flags().IntVar(&conflictRound, "round", 0, "only conflicts detected in this round")
	conflictsCmd.Flags().StringVar(&conflictSeverity, "min-severity", "", "only conflicts at or above this severity")
	conflictsCmd.Flags().BoolVar(&conflictOpenOnly, "unresolved", false, "only pending and acknowledged conflicts")
	conflictsCmd.Flags().StringVar(&conflictStatusArg, "status", "", "only conflicts in this status")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCleanCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return runSessionsList(cmd, args)
	}
	if err := validFormat(outputFormat); err != nil {
		return err
	}
	snap, err := loadSnapshot(cmd, args[0])
	if err != nil {
		return err
	}
	if outputFormat != formatText {
		return writeStructured(cmd.OutOrStdout(), outputFormat, snap)
	}
	newPrinter(cmd.OutOrStdout()).session(snap)
	return nil
}

func runConflicts(cmd *cobra.Command, args []string) error {
	if err := validFormat(outputFormat); err != nil {
		return err
	}
	f := conflict.Filter{Round: conflictRound, Unresolved: conflictOpenOnly, Status: conflict.Status(conflictStatusArg)}
	if conflictSeverity != "" {
		sev, err := conflict.ParseSeverity(conflictSeverity)
		if err != nil {
			return err
		}
		f.MinSeverity = sev
	}

	snap, err := loadSnapshot(cmd, args[0])
	if err != nil {
		return err
	}
	// The registry is rebuilt from the snapshot so filtering matches what a
	// live session reports.
	reg := conflict.NewRegistry(nil)
	if err := reg.Restore(snap.Conflicts); err != nil {
		return fmt.Errorf("failed to read conflicts: %w", err)
	}
	cs := reg.List(f)

	if outputFormat != formatText {
		if cs == nil {
			cs = []conflict.Conflict{}
		}
		return writeStructured(cmd.OutOrStdout(), outputFormat, cs)
	}
	p := newPrinter(cmd.OutOrStdout())
	if len(cs) == 0 {
		p.line("No conflicts.")
		return nil
	}
	p.conflicts(cs, func(id string) string { return id })
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	if err := validFormat(outputFormat); err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	infos, err := rt.store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if outputFormat != formatText {
		if infos == nil {
			infos = []store.Info{}
		}
		return writeStructured(cmd.OutOrStdout(), outputFormat, infos)
	}
	newPrinter(cmd.OutOrStdout()).infos(infos)
	return nil
}

func runSessionsClean(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	fs, ok := rt.store.(*store.FileStore)
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to clean: the configured store keeps no lock files.")
		return nil
	}
	cleaned, err := fs.CleanupStaleLocks()
	if err != nil {
		return fmt.Errorf("failed to clean stale locks: %w", err)
	}
	if len(cleaned) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No stale locks found.")
		return nil
	}
	for _, id := range cleaned {
		fmt.Fprintf(cmd.OutOrStdout(), "Removed stale lock for session %s\n", id)
	}
	return nil
}

// loadSnapshot reads a session without claiming it.
func loadSnapshot(cmd *cobra.Command, id string) (session.Snapshot, error) {
	rt, err := openRuntime()
	if err != nil {
		return session.Snapshot{}, err
	}
	defer rt.Close()
	if err := rt.requireStore(); err != nil {
		return session.Snapshot{}, err
	}
	snap, err := rt.store.Load(cmd.Context(), id)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return snap, nil
}
