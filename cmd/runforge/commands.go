package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/runforge/internal/app"
	"github.com/hochfrequenz/runforge/internal/config"
	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/hochfrequenz/runforge/internal/statestore"
	"github.com/hochfrequenz/runforge/web/api"
	"github.com/spf13/cobra"
)

var (
	triggerTier   string
	triggerDetach bool
	listStatus    string
	servePort     int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon with the HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the configured API port")
	rootCmd.AddCommand(serveCmd)

	triggerCmd := &cobra.Command{
		Use:   "trigger PIPELINE ITEM",
		Short: "Trigger a pipeline run for a work item",
		Args:  cobra.ExactArgs(2),
		RunE:  runTrigger,
	}
	triggerCmd.Flags().StringVar(&triggerTier, "tier", "", "model tier (standard|advanced)")
	triggerCmd.Flags().BoolVar(&triggerDetach, "detach", false, "hand the run to a running daemon instead of executing in-process")
	rootCmd.AddCommand(triggerCmd)

	statusCmd := &cobra.Command{
		Use:   "status [RUN]",
		Short: "Show run counts, or one run's phases when a run id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(listCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel RUN",
		Short: "Cancel a run on the daemon",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	deadletterCmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay dead-lettered runs",
	}
	deadletterCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE:  runDeadletterList,
	})
	deadletterCmd.AddCommand(&cobra.Command{
		Use:   "replay RUN",
		Short: "Replay a dead-lettered run from its failing phase",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeadletterReplay,
	})
	rootCmd.AddCommand(deadletterCmd)

	pipelinesCmd := &cobra.Command{
		Use:   "pipelines",
		Short: "List known pipelines and their phase graphs",
		RunE:  runPipelines,
	}
	rootCmd.AddCommand(pipelinesCmd)

	historyCmd := &cobra.Command{
		Use:   "history RUN",
		Short: "Show the versioned state history of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	rootCmd.AddCommand(historyCmd)

	rollbackCmd := &cobra.Command{
		Use:   "rollback RUN VERSION",
		Short: "Restore a run to an earlier version",
		Args:  cobra.ExactArgs(2),
		RunE:  runRollback,
	}
	rootCmd.AddCommand(rollbackCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func buildApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level := cfg.General.LogLevel
	if verbose {
		level = "debug"
	}
	return app.New(cfg, app.NewLogger(level, true))
}

func openStore() (*config.Config, *statestore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := statestore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func apiURL(cfg *config.Config, path string) string {
	return fmt.Sprintf("http://%s:%d%s", cfg.Web.Host, cfg.Web.Port, path)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := a.Config.Web.Port
	if servePort > 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", a.Config.Web.Host, port)
	server := api.NewServer(addr, a.Store, a.Orchestrator, a.Pool, a.Metrics.Handler(), a.Log)

	// The event feed must be wired before the watcher and sweeper can
	// start triggering runs.
	a.Orchestrator.SetOnTransition(server.Broadcast)
	if err := a.Start(ctx); err != nil {
		return err
	}

	return server.Start(ctx)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	pipeline, item := args[0], args[1]

	if triggerDetach {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		body, _ := json.Marshal(api.TriggerRequest{Pipeline: pipeline, Item: item, Tier: triggerTier})
		resp := map[string]string{}
		if err := postJSON(apiURL(cfg, "/api/runs"), string(body), &resp); err != nil {
			return err
		}
		fmt.Printf("Triggered run %s\n", resp["run_id"])
		return nil
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runID, err := a.Orchestrator.Trigger(pipeline, item, domain.ModelTier(triggerTier))
	if err != nil {
		return err
	}
	fmt.Printf("Run %s started, waiting for completion\n", runID)
	a.Orchestrator.Wait()

	run, err := a.Store.Load(runID)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s finished: %s (phase %s)\n", runID, run.Status, run.Phase)
	switch run.Status {
	case domain.RunSucceeded:
		return nil
	case domain.RunPending:
		return fmt.Errorf("%w: run %s", errNotAdmitted, runID)
	default:
		return fmt.Errorf("run %s ended with status %s", runID, run.Status)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return printRunDetail(store, args[0])
	}

	runs, err := store.ListRuns("")
	if err != nil {
		return err
	}

	counts := map[domain.RunStatus]int{}
	for _, run := range runs {
		counts[run.Status]++
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, status := range []domain.RunStatus{
		domain.RunPending, domain.RunRunning, domain.RunSucceeded,
		domain.RunFailed, domain.RunDeadLettered, domain.RunCancelled,
	} {
		fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
	}
	fmt.Fprintf(w, "total\t%d\n", len(runs))
	return w.Flush()
}

func printRunDetail(store *statestore.Store, runID string) error {
	run, err := store.Load(runID)
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Pipeline: %s\n", run.Pipeline)
	fmt.Printf("Phase:    %s\n", run.Phase)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Item:     %s\n", run.ItemRef)
	fmt.Printf("Version:  %d\n", run.Version)
	if run.HoldsSlot() {
		fmt.Printf("Slot:     %d (ports %d/%d)\n", run.SlotIndex, run.Ports.A, run.Ports.B)
	}
	if len(run.Ancestors) > 0 {
		fmt.Printf("Replays:  %v\n", run.Ancestors)
	}
	fmt.Printf("Updated:  %s\n", humanize.Time(run.UpdatedAt))

	records, err := store.ListPhaseRecords(run.ID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tATTEMPT\tOUTCOME\tDURATION")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", rec.Phase, rec.Attempt, rec.Outcome, rec.Duration.Round(time.Millisecond))
	}
	return w.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(domain.RunStatus(listStatus))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPIPELINE\tPHASE\tSTATUS\tITEM\tSLOT\tUPDATED")
	for _, run := range runs {
		slot := "-"
		if run.HoldsSlot() {
			slot = fmt.Sprintf("%d", run.SlotIndex)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(run.ID), run.Pipeline, run.Phase, run.Status, run.ItemRef,
			slot, humanize.Time(run.UpdatedAt))
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resp := map[string]string{}
	if err := postJSON(apiURL(cfg, "/api/runs/"+args[0]+"/cancel"), "", &resp); err != nil {
		return err
	}
	fmt.Printf("Run %s cancelled\n", args[0])
	return nil
}

func runDeadletterList(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListDeadLetters()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No dead letters")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPHASE\tERROR\tAGE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			shortID(e.RunID), e.Phase, truncate(e.ErrorText, 60), humanize.Time(e.CreatedAt))
	}
	return w.Flush()
}

func runDeadletterReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resp := map[string]string{}
	if err := postJSON(apiURL(cfg, "/api/deadletters/"+args[0]+"/replay"), "", &resp); err != nil {
		return err
	}
	fmt.Printf("Replaying %s as run %s\n", args[0], resp["run_id"])
	return nil
}

func runPipelines(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	pipelines := a.Orchestrator.Pipelines()
	names := make([]string, 0, len(pipelines))
	for name := range pipelines {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := pipelines[name]
		fmt.Printf("%s (start: %s)\n", name, spec.Start)
		states := make([]string, 0, len(spec.States))
		for state := range spec.States {
			states = append(states, state)
		}
		sort.Strings(states)
		for _, state := range states {
			s := spec.States[state]
			fmt.Printf("  %s -> ok:%s fail:%s\n", state, s.OnSuccess, s.OnFailure)
		}
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Load(args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tPHASE\tSTATUS\tUPDATED")
	for v := int64(1); v <= run.Version; v++ {
		state, err := store.LoadVersion(run.ID, v)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", v, state.Phase, state.Status, humanize.Time(state.UpdatedAt))
	}
	return w.Flush()
}

func runRollback(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var version int64
	if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
		return fmt.Errorf("version must be a number, got %q", args[1])
	}

	ok, err := store.Rollback(args[0], version)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s has no version %d", args[0], version)
	}
	fmt.Printf("Run %s restored to version %d\n", args[0], version)
	return nil
}

func postJSON(url, body string, out interface{}) error {
	var resp *http.Response
	var err error
	client := &http.Client{Timeout: 10 * time.Second}
	if body == "" {
		resp, err = client.Post(url, "application/json", nil)
	} else {
		resp, err = client.Post(url, "application/json", strings.NewReader(body))
	}
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is 'runforge serve' running?): %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]string
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if msg := apiErr["error"]; msg != "" {
			return fmt.Errorf("daemon refused: %s", msg)
		}
		return fmt.Errorf("daemon refused with status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
