package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/apollo-nexus/nexus/internal/config"
	"github.com/apollo-nexus/nexus/internal/domain"
	"github.com/apollo-nexus/nexus/internal/estimator"
	"github.com/apollo-nexus/nexus/internal/pipeline"
	"github.com/apollo-nexus/nexus/internal/storage"
)

// --- diagnose ---

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Run the diagnostic workflow on a sensor snapshot",
	Long: `Run the diagnostic workflow on a sensor snapshot.

Examples:
  nexus diagnose --equipment AHU-1 --reading compressor_current=38.5 --reading supply_air_temp=58
  nexus diagnose --file snapshot.json
  nexus diagnose --file snapshot.json --async`,
	RunE: func(cmd *cobra.Command, args []string) error {
		equipment, _ := cmd.Flags().GetString("equipment")
		readings, _ := cmd.Flags().GetStringArray("reading")
		file, _ := cmd.Flags().GetString("file")
		async, _ := cmd.Flags().GetBool("async")
		asJSON, _ := cmd.Flags().GetBool("json")

		snap, err := buildSnapshot(equipment, readings, file)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if async {
			resp, err := client.post(ctx, "/diagnose?async=true", snap)
			if err != nil {
				return err
			}
			var accepted map[string]string
			if err := decodeJSON(resp, &accepted); err != nil {
				return err
			}
			printSuccess("Started run %s", accepted["run_id"])
			return nil
		}

		resp, err := client.post(ctx, "/diagnose", snap)
		if err != nil {
			return err
		}
		var run pipeline.WorkflowRun
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, run)
		}
		printRun(os.Stdout, &run)
		return nil
	},
}

func init() {
	diagnoseCmd.Flags().String("equipment", "", "equipment identifier")
	diagnoseCmd.Flags().StringArray("reading", nil, "sensor reading as name=value (repeatable)")
	diagnoseCmd.Flags().String("file", "", "JSON snapshot file ({equipment_id, readings})")
	diagnoseCmd.Flags().Bool("async", false, "start the run and return its id without waiting")
	diagnoseCmd.Flags().Bool("json", false, "print the full run as JSON")
}

// buildSnapshot assembles a snapshot from a JSON file and/or flags. Flag
// values override the file.
func buildSnapshot(equipment string, readings []string, file string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return snap, fmt.Errorf("reading snapshot file: %w", err)
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return snap, fmt.Errorf("parsing snapshot file: %w", err)
		}
	}
	if equipment != "" {
		snap.EquipmentID = equipment
	}
	if snap.Readings == nil {
		snap.Readings = make(map[string]float64, len(readings))
	}
	for _, r := range readings {
		name, raw, ok := strings.Cut(r, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return snap, fmt.Errorf("invalid reading %q, want name=value", r)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return snap, fmt.Errorf("invalid value for %s: %w", name, err)
		}
		snap.Readings[strings.TrimSpace(name)] = v
	}

	if snap.EquipmentID == "" {
		return snap, fmt.Errorf("--equipment or a file with equipment_id is required")
	}
	if len(snap.Readings) == 0 {
		return snap, fmt.Errorf("at least one reading is required")
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	return snap, nil
}

func printRun(w io.Writer, run *pipeline.WorkflowRun) {
	fmt.Fprintf(w, "%s %s  %s  %s (%dms)\n",
		colorize(colorBold, "Run"), run.ID, run.EquipmentID,
		colorize(statusColor(string(run.Status)), string(run.Status)), run.DurationMs)

	for _, st := range run.Stages {
		note := st.Summary
		if st.Error != "" {
			note = fmt.Sprintf("%s: %s", st.ErrorKind, st.Error)
		}
		fmt.Fprintf(w, "  %-15s %s  %s\n", st.State, colorize(statusColor(string(st.Status)), string(st.Status)), note)
	}

	if run.Reduced {
		fmt.Fprintln(w, colorize(colorYellow, "  reduced confidence: snapshot incomplete"))
	}
	if c := run.Consensus; c != nil {
		fmt.Fprintf(w, "\n%s %s\n", colorize(colorBold, "Diagnosis:"), c.Diagnosis)
		fmt.Fprintf(w, "  agreement %d/%d, confidence %.2f\n", c.Votes, c.Participants, c.AggregatedConfidence)
		for _, f := range c.Faults {
			fmt.Fprintf(w, "  fault %s (%s, severity %d)\n", f.Type, f.Domain, f.Severity)
		}
	}
	if len(run.Actions) > 0 {
		fmt.Fprintln(w, colorize(colorBold, "\nActions:"))
		for _, a := range run.Actions {
			fmt.Fprintf(w, "  [%s] %s %s\n", a.Priority, a.Type, a.Description)
		}
	}
	if run.Error != "" {
		fmt.Fprintf(w, "\n%s %s in %s: %s\n", colorize(colorRed, "Error:"), run.ErrorKind, run.FailedState, run.Error)
	}
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect workflow runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		equipment, _ := cmd.Flags().GetString("equipment")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if equipment != "" {
			q.Set("equipment_id", equipment)
		}
		resp, err := client.get(cmd.Context(), "/runs?"+q.Encode())
		if err != nil {
			return err
		}

		var runs []runListItem
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		printRunList(os.Stdout, runs)
		return nil
	},
}

type runListItem struct {
	ID          string    `json:"id"`
	EquipmentID string    `json:"equipment_id"`
	Status      string    `json:"status"`
	State       string    `json:"state"`
	ErrorKind   string    `json:"error_kind"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
}

func printRunList(w io.Writer, runs []runListItem) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		state := r.State
		if r.ErrorKind != "" {
			state += " (" + r.ErrorKind + ")"
		}
		fmt.Fprintf(w, "%s  %s  %-10s %s  %s  %dms\n",
			colorize(colorCyan, id),
			r.StartedAt.Local().Format(time.DateTime),
			r.EquipmentID,
			colorize(statusColor(r.Status), r.Status),
			state,
			r.DurationMs,
		)
	}
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var run pipeline.WorkflowRun
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, run)
		}
		printRun(os.Stdout, &run)
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	runsListCmd.Flags().String("equipment", "", "only runs for this equipment")
	runsShowCmd.Flags().Bool("json", false, "print the full run as JSON")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus and audit statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}
		var st storage.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStats(st)
		return nil
	},
}

func printStats(st storage.Stats) {
	printStatus("Patterns", "%d", st.Patterns)
	printStatus("Solutions", "%d", st.Solutions)
	printStatus("Embeddings", "%d", st.Embeddings)
	printStatus("Inferences", "%d", st.Inferences)
	printStatus("Runs", "%d", st.Runs)
	printStatus("Actions", "%d", st.Actions)
	printStatus("Pending alerts", "%d", st.PendingJobs)
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the built-in fault pattern and solution corpus",
	Long: `Load the built-in fault pattern and solution corpus into the local
database. A non-empty corpus is left alone unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		_, _, _, _, loader := openCorpus(store, cfg)
		printStep("Seeding corpus in %s", cfg.Storage.DataDir)
		res, err := loader.Seed(cmd.Context(), force)
		if err != nil {
			return err
		}
		if res.Skipped {
			printWarning("Corpus already populated; use --force to add the seed set again")
			return nil
		}
		printSuccess("Seeded %d patterns and %d solutions", res.Patterns, res.Solutions)
		return nil
	},
}

func init() {
	seedCmd.Flags().Bool("force", false, "seed even when the corpus is not empty")
}

// --- estimators ---

var estimatorsCmd = &cobra.Command{
	Use:   "estimators",
	Short: "List the specialist estimators",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/estimators")
		if err != nil {
			return err
		}
		var infos []estimator.Info
		if err := decodeJSON(resp, &infos); err != nil {
			return err
		}
		printEstimators(os.Stdout, infos)
		return nil
	},
}

func printEstimators(w io.Writer, infos []estimator.Info) {
	for _, info := range infos {
		name := info.Name
		if info.Master {
			name += " (master)"
		}
		cats := make([]string, len(info.Categories))
		for i, c := range info.Categories {
			cats[i] = string(c)
		}
		fmt.Fprintf(w, "%-20s %-14s %s\n", colorize(colorBold, name), info.Domain, strings.Join(cats, ","))
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
