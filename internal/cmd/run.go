package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/forge/internal/drafts"
	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/event"
	"github.com/Iron-Ham/forge/internal/logging"
	"github.com/Iron-Ham/forge/internal/metrics"
	"github.com/Iron-Ham/forge/internal/orchestrator"
	"github.com/Iron-Ham/forge/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create or resume a session and drive it from the draft tree",
	Long: `Create a session (or resume a stored one with --resume) and seal rounds
as participants' drafts appear under {drafts.dir}/{session}/round-{n}/.

A round is sealed once drafts from --participants distinct participants are
present. The last round allowed is concluded whatever its score. Without
--watch, forge seals every round that is ready and exits; with --watch it
keeps running and reacts to new drafts until the session ends or it is
interrupted. An interrupted session stays stored and can be resumed.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runResumeID     string
	runParticipants int
	runMaxRounds    int
	runThreshold    float64
	runTimeout      int
)

func init() {
	runCmd.Flags().StringVar(&runResumeID, "resume", "", "drive a stored session instead of creating one")
	runCmd.Flags().IntVarP(&runParticipants, "participants", "n", 2, "distinct participants a round needs before it is sealed")
	runCmd.Flags().BoolP("watch", "w", false, "keep running and seal rounds as drafts arrive")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	runCmd.Flags().String("drafts-dir", "", "root of the draft tree")
	runCmd.Flags().IntVar(&runMaxRounds, "max-rounds", 0, "override session.max_rounds")
	runCmd.Flags().Float64Var(&runThreshold, "threshold", 0, "override session.convergence_threshold")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "override session.timeout_minutes (0 disables the deadline)")
	_ = viper.BindPFlag("drafts.watch", runCmd.Flags().Lookup("watch"))
	_ = viper.BindPFlag("drafts.dir", runCmd.Flags().Lookup("drafts-dir"))
	_ = viper.BindPFlag("metrics.addr", runCmd.Flags().Lookup("metrics-addr"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runParticipants < 1 {
		return fmt.Errorf("--participants must be at least 1, got %d", runParticipants)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	orch, ds, err := rt.orchestrator()
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer func() {
		if err := orch.Close(); err != nil {
			rt.logger.Warn("failed to close orchestrator", "error", err)
		}
	}()

	if addr := rt.cfg.Metrics.Addr; addr != "" {
		shutdown, err := serveMetrics(addr, orch.Bus(), rt.logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	id, err := openSession(ctx, cmd, orch, rt)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session: %s\n", id)
	fmt.Fprintf(out, "Drafts:  %s\n", filepath.Join(ds.Root(), id))

	d := &driver{
		orch:         orch,
		fetcher:      ds,
		id:           id,
		participants: runParticipants,
		p:            newPrinter(out),
		logger:       rt.logger.WithSession(id).WithComponent("driver"),
	}
	if rt.cfg.Drafts.Watch {
		err = d.watch(ctx, ds, rt.cfg.Drafts.Debounce())
	} else {
		err = d.drain(ctx)
	}

	if snap, serr := orch.GetSessionState(id); serr == nil {
		fmt.Fprintln(out)
		d.p.session(snap)
		if !snap.State.Terminal() {
			fmt.Fprintf(out, "\nSession left %s; continue with 'forge run --resume %s'\n", snap.State, id)
		}
	}
	return err
}

// openSession creates the session run drives, or restores the one named by
// --resume. A restored paused session is resumed.
func openSession(ctx context.Context, cmd *cobra.Command, orch *orchestrator.Orchestrator, rt *runtime) (string, error) {
	if runResumeID == "" {
		cfg := session.ConfigFrom(rt.cfg.Session)
		flags := cmd.Flags()
		if flags.Changed("max-rounds") {
			cfg.MaxRounds = runMaxRounds
		}
		if flags.Changed("threshold") {
			cfg.ConvergenceThreshold = runThreshold
		}
		if flags.Changed("timeout") {
			cfg.Timeout = time.Duration(runTimeout) * time.Minute
		}
		id, err := orch.CreateSession(cfg)
		if err != nil {
			return "", fmt.Errorf("failed to create session: %w", err)
		}
		if err := orch.Start(id); err != nil {
			return "", fmt.Errorf("failed to start session: %w", err)
		}
		return id, nil
	}

	id := runResumeID
	if err := rt.requireStore(); err != nil {
		return "", err
	}
	if err := orch.Restore(ctx, id); err != nil {
		return "", fmt.Errorf("failed to resume session %s: %w", id, err)
	}
	snap, err := orch.GetSessionState(id)
	if err != nil {
		return "", err
	}
	switch {
	case snap.State.Terminal():
		return "", fmt.Errorf("session %s has already ended (%s)", id, snap.State)
	case snap.State == session.StateConfigured:
		err = orch.Start(id)
	case snap.State == session.StatePaused:
		err = orch.Resume(id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resume session %s: %w", id, err)
	}
	return id, nil
}

// driver seals a session's rounds as their drafts become complete.
type driver struct {
	orch         *orchestrator.Orchestrator
	fetcher      drafts.Fetcher
	id           string
	participants int
	p            *printer
	logger       *logging.Logger

	lastState session.State
}

// ready reports whether the current round has drafts from enough distinct
// participants.
func (d *driver) ready(ctx context.Context, round int) (bool, error) {
	ds, err := d.fetcher.FetchDrafts(ctx, d.id, round)
	if err != nil {
		return false, err
	}
	seen := make(map[string]bool, len(ds))
	for _, dr := range ds {
		seen[dr.Participant] = true
	}
	return len(seen) >= d.participants, nil
}

// step seals the current round if it is ready and reports whether it did.
func (d *driver) step(ctx context.Context) (bool, error) {
	snap, err := d.orch.GetSessionState(d.id)
	if err != nil {
		return false, err
	}
	d.noteState(snap.State)
	if !snap.State.Active() {
		return false, nil
	}
	ok, err := d.ready(ctx, snap.CurrentRound)
	if err != nil || !ok {
		return false, err
	}
	sealed, err := sealRound(ctx, d.orch, d.id, snap)
	if err != nil {
		return false, err
	}
	d.p.roundLine(sealed)
	return true, nil
}

// drain seals rounds until one is not ready or the session leaves the
// running state. Cancellation is not an error: the session stays stored.
func (d *driver) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		sealed, err := d.step(ctx)
		if err != nil {
			if forgeerrors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if !sealed {
			return nil
		}
	}
	return nil
}

// watch drains on every batch of draft activity and every state change,
// until the session ends or ctx is canceled. Rounds that fail to seal are
// reported and retried on the next wake-up.
func (d *driver) watch(ctx context.Context, ds *drafts.FileStore, debounce time.Duration) error {
	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	w, err := drafts.NewWatcher(ds, d.id, debounce, func(drafts.RoundActivity) { notify() }, d.logger)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to watch drafts: %w", err)
	}
	defer w.Stop()

	// Timeouts and scheduled pauses change the session without any draft
	// activity.
	bus := d.orch.Bus()
	sub := bus.Subscribe(event.TypeStateChanged, func(event.Event) { notify() })
	defer bus.Unsubscribe(sub)

	d.p.line("%s", d.p.muted.Render("Watching for drafts; press Ctrl+C to detach."))
	for {
		if err := d.drain(ctx); err != nil {
			d.logger.Warn("round not sealed", "error", err)
			d.p.line("%s %s", d.p.bad.Render("round not sealed:"), forgeerrors.UserMessage(err))
		}
		snap, err := d.orch.GetSessionState(d.id)
		if err != nil {
			return err
		}
		d.noteState(snap.State)
		if snap.State.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

// noteState prints state changes the driver did not cause itself, such as
// a scheduled pause or a timeout.
func (d *driver) noteState(s session.State) {
	if s == d.lastState {
		return
	}
	if d.lastState != session.StateIdle && !(s.Active() && d.lastState.Active()) {
		d.p.line("Session is now %s", d.p.state(s))
	}
	d.lastState = s
}

// sealRound advances the session, concluding it when the current round is
// the last one allowed.
func sealRound(ctx context.Context, orch *orchestrator.Orchestrator, id string, snap session.Snapshot) (session.Round, error) {
	if snap.CurrentRound >= snap.Config.MaxRounds {
		return orch.Conclude(ctx, id)
	}
	return orch.AdvanceRound(ctx, id)
}

// serveMetrics exposes a collector attached to bus on addr and returns a
// function that shuts the endpoint down.
func serveMetrics(addr string, bus *event.Bus, logger *logging.Logger) (func(), error) {
	collector, gatherer, err := metrics.NewCollector(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	collector.Attach(bus)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(gatherer))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !forgeerrors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		collector.Detach()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
