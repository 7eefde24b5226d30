package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"secupoints/adapters/jsonfile"
	"secupoints/adapters/memory"
	"secupoints/catalog"
	"secupoints/condition"
	"secupoints/core"
	"secupoints/engine"
)

func loadCatalog(ctx context.Context, path string) (*catalog.Catalog, error) {
	cat, err := catalog.Load(ctx, catalog.FileSource(path))
	if err != nil {
		return nil, err
	}
	return cat, nil
}

type validateReport struct {
	Valid   bool     `json:"valid"`
	Version string   `json:"version,omitempty"`
	Entries int      `json:"entries,omitempty"`
	Events  []string `json:"events,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the rule catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := validateReport{Valid: true}
			cat, err := loadCatalog(cmd.Context(), opts.rules)
			if err != nil {
				report.Valid = false
				var cerr *core.Error
				if errors.As(err, &cerr) && len(cerr.Details) > 0 {
					report.Errors = cerr.Details
				} else {
					report.Errors = []string{err.Error()}
				}
			} else {
				report.Version = cat.Version()
				report.Entries = cat.Len()
				report.Events = cat.Events()
			}

			out := cmd.OutOrStdout()
			if opts.format == "json" {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else if report.Valid {
				fmt.Fprintf(out, "%s: valid (version %s, %d entries, events: %v)\n", opts.rules, report.Version, report.Entries, report.Events)
			} else {
				fmt.Fprintf(out, "%s: invalid\n", opts.rules)
				for _, e := range report.Errors {
					fmt.Fprintf(out, "  - %s\n", e)
				}
			}
			if !report.Valid {
				return &exitError{code: exitFailure, err: fmt.Errorf("catalog %s is invalid", opts.rules)}
			}
			return nil
		},
	}
}

func newRulesCommand(opts *rootOptions) *cobra.Command {
	var event string
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List catalog rules and badges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := loadCatalog(cmd.Context(), opts.rules)
			if err != nil {
				return err
			}
			records, err := cat.Export()
			if err != nil {
				return err
			}
			if event != "" {
				kept := records[:0]
				for _, r := range records {
					if r.Event == event {
						kept = append(kept, r)
					}
				}
				records = kept
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tEVENT\tPOINTS\tACTIVE\tNAME")
			for _, r := range records {
				pts := "-"
				if r.Points != nil {
					pts = strconv.FormatInt(*r.Points, 10)
				}
				ev := r.Event
				if ev == "" {
					ev = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", r.ID, r.Kind, ev, pts, r.Active, r.Name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "only show entries bound to this event")
	return cmd
}

func newEvalCommand(opts *rootOptions) *cobra.Command {
	var (
		data string
		ast  bool
	)
	cmd := &cobra.Command{
		Use:   "eval <condition>",
		Short: "Evaluate a condition against a JSON context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, err := condition.Parse(args[0])
			if err != nil {
				return commandError("%v", err)
			}
			if ast {
				fmt.Fprint(cmd.OutOrStdout(), condition.Dump(expr))
				return nil
			}
			ctx, err := readData(data)
			if err != nil {
				return err
			}
			ok, err := condition.NewEvaluator(condition.NewContext(ctx)).EvaluateExpr(expr)
			if err != nil {
				return err
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"condition": expr.String(), "result": ok})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "context as a JSON object, or @file")
	cmd.Flags().BoolVar(&ast, "ast", false, "print the parse tree instead of evaluating")
	return cmd
}

func newProcessCommand(opts *rootOptions) *cobra.Command {
	var (
		data  string
		state string
	)
	cmd := &cobra.Command{
		Use:   "process <event>",
		Short: "Run one event through the rule engine",
		Long: `Run one event through the rule engine and print the result.

Without --state the ledger starts empty and is discarded afterwards. With
--state the ledger, awards and notifications are kept in a JSON file so
successive runs accumulate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cat, err := loadCatalog(ctx, opts.rules)
			if err != nil {
				return err
			}
			payload, err := readData(data)
			if err != nil {
				return err
			}

			var store engine.Storage = memory.New()
			if state != "" {
				fs, err := jsonfile.New(state)
				if err != nil {
					return commandError("open state: %v", err)
				}
				store = fs
			}
			log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			eopts := []engine.Option{engine.WithLogger(log)}
			if u, ok := store.(interface {
				engine.AlertUpdater
				engine.RemediationUpdater
				engine.Notifier
			}); ok {
				eopts = append(eopts, engine.WithAlertUpdater(u), engine.WithRemediationUpdater(u), engine.WithNotifier(u))
			}
			eng := engine.New(engine.StaticCatalog{Catalog: cat}, store, eopts...)

			res, err := eng.ProcessEvent(ctx, args[0], payload)
			if err != nil {
				return err
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd, res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "event context as a JSON object, or @file")
	cmd.Flags().StringVar(&state, "state", "", "JSON file holding the ledger between runs")
	return cmd
}

func printResult(cmd *cobra.Command, res *engine.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "event %s: %d rules evaluated, %d triggered\n", res.Event, res.RulesEvaluated, res.RulesTriggered)
	for _, ex := range res.Exclusions {
		fmt.Fprintf(out, "  excluded by %s: %s\n", ex.RuleID, ex.Reason)
	}
	for _, p := range res.PointsAwarded {
		fmt.Fprintf(out, "  +%d %s (%s) total %d\n", p.Points, p.UserID, p.RuleID, p.Total)
	}
	for _, p := range res.Penalties {
		fmt.Fprintf(out, "  %d %s (%s, %s) total %d\n", p.Points, p.UserID, p.RuleID, p.PenaltyReason, p.Total)
	}
	for _, l := range res.LevelUps {
		fmt.Fprintf(out, "  level up %s: %d -> %d\n", l.UserID, l.From, l.To)
	}
	for _, b := range res.BadgesAwarded {
		fmt.Fprintf(out, "  badge %s -> %s\n", b.BadgeID, b.UserID)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(out, "  failed %s [%s]: %s\n", f.RuleID, f.Kind, f.Error)
	}
}

func newLevelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "level <points>",
		Short: "Show the level and progress for a point total",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return commandError("points must be an integer: %v", err)
			}
			cat, err := loadCatalog(cmd.Context(), opts.rules)
			if err != nil {
				return err
			}
			calc := cat.Calculator()
			info := calc.LevelInfo(calc.Level(total))
			progress := calc.Progress(total)
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"level": info, "progress": progress})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d %s: level %d %s (x%.2f)\n", total, cat.Currency(), info.Level, info.Name, info.Multiplier)
			if progress.NextLevel != nil {
				fmt.Fprintf(out, "  %d to level %d (%.2f%%)\n", progress.PointsNeeded, *progress.NextLevel, progress.Percentage)
			}
			for _, perk := range info.Perks {
				fmt.Fprintf(out, "  perk: %s\n", perk)
			}
			return nil
		},
	}
}
