package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/csabourin/do-migration-sub006/internal/checkpoint"
	"github.com/csabourin/do-migration-sub006/internal/duplicate"
	"github.com/csabourin/do-migration-sub006/internal/orchestrator"
)

type rootFlags struct {
	configFile string
	runID      string
	dryRun     bool
}

var allPhases = []string{
	orchestrator.PhaseInventory,
	orchestrator.PhaseLinkRepair,
	orchestrator.PhaseDupAnalysis,
	orchestrator.PhaseStaging,
	orchestrator.PhaseVerification,
	orchestrator.PhaseResolution,
	orchestrator.PhaseConsolidation,
	orchestrator.PhaseCleanup,
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "reconcile",
		Short:         "Batch storage reconciliation and repair engine",
		Long:          "Rebuilds record/file inventories, repairs broken catalog links, resolves duplicate groups, and consolidates records across storage backends.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "config.yaml", "config file path")
	pf.StringVar(&flags.runID, "run-id", "", "run identifier (generated when empty)")
	pf.BoolVar(&flags.dryRun, "dry-run", false, "log intended changes without applying them")

	root.AddCommand(
		newRunCmd(flags),
		newScanCmd(flags),
		newRepairLinksCmd(flags),
		newDedupeCmd(flags),
		newConsolidateCmd(flags),
		newQuarantineCmd(flags),
		newStatusCmd(flags),
		newResumeCmd(flags),
	)
	return root
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		containers      []string
		targetContainer string
		targetPath      string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the full reconciliation sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(flags, orchestrator.RunConfig{
				Containers:        containers,
				TargetContainerID: targetContainer,
				TargetParentPath:  targetPath,
			})
		},
	}
	cmd.Flags().StringSliceVar(&containers, "containers", nil, "restrict the run to the named backends")
	cmd.Flags().StringVar(&targetContainer, "target-container", "", "consolidation target backend (phase skipped when empty)")
	cmd.Flags().StringVar(&targetPath, "target-path", "", "consolidation target folder")
	return cmd
}

func newScanCmd(flags *rootFlags) *cobra.Command {
	var containers []string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Build the record and file inventories and report orphaned files, without mutating anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(flags, orchestrator.RunConfig{
				Containers: containers,
				Phases:     []string{orchestrator.PhaseInventory},
			})
		},
	}
	cmd.Flags().StringSliceVar(&containers, "containers", nil, "restrict the scan to the named backends")
	return cmd
}

func newRepairLinksCmd(flags *rootFlags) *cobra.Command {
	var containers []string
	cmd := &cobra.Command{
		Use:   "repair-links",
		Short: "Repair records whose catalog location no longer matches a physical file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(flags, orchestrator.RunConfig{
				Containers: containers,
				Phases:     []string{orchestrator.PhaseLinkRepair},
			})
		},
	}
	cmd.Flags().StringSliceVar(&containers, "containers", nil, "restrict the repair to the named backends")
	return cmd
}

func newDedupeCmd(flags *rootFlags) *cobra.Command {
	var containers []string
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Run the duplicate group lifecycle: analyze, stage, verify, resolve, clean up",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(flags, orchestrator.RunConfig{
				Containers: containers,
				Phases: []string{
					orchestrator.PhaseDupAnalysis,
					orchestrator.PhaseStaging,
					orchestrator.PhaseVerification,
					orchestrator.PhaseResolution,
					orchestrator.PhaseCleanup,
				},
			})
		},
	}
	cmd.Flags().StringSliceVar(&containers, "containers", nil, "restrict deduplication to the named backends")
	return cmd
}

func newConsolidateCmd(flags *rootFlags) *cobra.Command {
	var (
		containers      []string
		targetContainer string
		targetPath      string
	)
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Move every record into the target backend and folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(flags, orchestrator.RunConfig{
				Containers:        containers,
				TargetContainerID: targetContainer,
				TargetParentPath:  targetPath,
				Phases:            []string{orchestrator.PhaseConsolidation},
			})
		},
	}
	cmd.Flags().StringSliceVar(&containers, "containers", nil, "restrict consolidation to records in the named backends")
	cmd.Flags().StringVar(&targetContainer, "target-container", "", "target backend name")
	cmd.Flags().StringVar(&targetPath, "target-path", "", "target folder within the backend")
	_ = cmd.MarkFlagRequired("target-container")
	return cmd
}

func newQuarantineCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "quarantine <record-id>...",
		Short: "Move the named records into the holding area",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, flags.configFile, flags.dryRun, false)
			if err != nil {
				return err
			}
			defer a.Close()

			mover := a.newMover(resolveRunID(flags))

			var failed int
			for _, id := range args {
				outcome, err := mover.Quarantine(ctx, id)
				if err != nil {
					failed++
					fmt.Printf("%s\t%s\t%v\n", id, outcome, err)
					continue
				}
				fmt.Printf("%s\t%s\n", id, outcome)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d records failed to quarantine", failed, len(args))
			}
			return nil
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint progress and duplicate group counts for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.runID == "" {
				return fmt.Errorf("status requires --run-id")
			}

			ctx, stop := signalContext()
			defer stop()

			// status always reads the durable tables, never the dry-run
			// in-memory state
			a, err := newApp(ctx, flags.configFile, false, false)
			if err != nil {
				return err
			}
			defer a.Close()

			return printStatus(ctx, a, flags.runID)
		},
	}
}

func newResumeCmd(flags *rootFlags) *cobra.Command {
	var (
		phase           string
		containers      []string
		targetContainer string
		targetPath      string
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a halted run under its original run identifier",
		Long:  "Re-executes the phase sequence for an existing run. Records already in the durable processed set are skipped, so completed work is not repeated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.runID == "" {
				return fmt.Errorf("resume requires --run-id")
			}
			if phase != "" && !knownPhase(phase) {
				return fmt.Errorf("unknown phase %q", phase)
			}
			return executeRun(flags, orchestrator.RunConfig{
				Containers:        containers,
				TargetContainerID: targetContainer,
				TargetParentPath:  targetPath,
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase named by the halt message (informational; the processed set drives skipping)")
	cmd.Flags().StringSliceVar(&containers, "containers", nil, "restrict the run to the named backends")
	cmd.Flags().StringVar(&targetContainer, "target-container", "", "consolidation target backend")
	cmd.Flags().StringVar(&targetPath, "target-path", "", "consolidation target folder")
	return cmd
}

// executeRun is the shared driver behind every phase-running subcommand.
func executeRun(flags *rootFlags, runCfg orchestrator.RunConfig) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, flags.configFile, flags.dryRun, true)
	if err != nil {
		return err
	}
	defer a.Close()

	runCfg.RunID = resolveRunID(flags)

	summary, err := a.newRunner(runCfg).Run(ctx)
	if summary != nil {
		printSummary(summary, a.cfg.Engine.DryRun)
	}
	return err
}

func resolveRunID(flags *rootFlags) string {
	if flags.runID != "" {
		return flags.runID
	}
	return uuid.NewString()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func knownPhase(name string) bool {
	for _, p := range allPhases {
		if p == name {
			return true
		}
	}
	return false
}

func printSummary(s *orchestrator.Summary, dryRun bool) {
	fmt.Printf("run:              %s\n", s.RunID)
	if dryRun {
		fmt.Println("mode:             dry-run (no changes applied)")
	}
	fmt.Printf("records:          %d\n", s.Records)
	fmt.Printf("files:            %d\n", s.Files)
	fmt.Printf("links repaired:   %d\n", s.LinksRepaired)
	fmt.Printf("links unresolved: %d\n", s.LinksUnresolved)
	fmt.Printf("duplicate groups: %d\n", s.DuplicateGroups)
	fmt.Printf("temp files freed: %d\n", s.TempFilesRemoved)
	fmt.Printf("orphan files:     %d\n", s.OrphanFiles)

	if len(s.Consolidated) > 0 {
		outcomes := make([]string, 0, len(s.Consolidated))
		for o := range s.Consolidated {
			outcomes = append(outcomes, string(o))
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			fmt.Printf("consolidated %-12s %d\n", o+":", s.Consolidated[orchestrator.Outcome(o)])
		}
	}
}

func printStatus(ctx context.Context, a *app, runID string) error {
	fmt.Printf("run: %s\n\ncheckpoints:\n", runID)

	found := false
	for _, phase := range allPhases {
		raw, err := a.ckpts.LoadCheckpoint(ctx, runID, phase)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			continue
		}
		var p checkpoint.Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("failed to decode checkpoint %s/%s: %w", runID, phase, err)
		}
		found = true
		fmt.Printf("  %-20s processed=%d batches=%d expected_errors=%d critical_errors=%d updated=%s\n",
			phase, p.Processed, p.Batches, p.Expected, p.Critical,
			p.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if !found {
		fmt.Println("  (none)")
	}

	groups, err := a.groups.ListByStatus(ctx, runID,
		duplicate.StatusPending, duplicate.StatusStaged,
		duplicate.StatusAnalyzed, duplicate.StatusCompleted)
	if err != nil {
		return err
	}

	counts := make(map[duplicate.Status]int)
	for _, g := range groups {
		counts[g.Status]++
	}

	fmt.Println("\nduplicate groups:")
	for _, st := range []duplicate.Status{
		duplicate.StatusPending, duplicate.StatusStaged,
		duplicate.StatusAnalyzed, duplicate.StatusCompleted,
	} {
		fmt.Printf("  %-10s %d\n", st, counts[st])
	}
	return nil
}
