package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/hostwatch/internal/config"
	"github.com/invisible-tech/hostwatch/internal/detection"
	"github.com/invisible-tech/hostwatch/internal/triage"
	"github.com/invisible-tech/hostwatch/internal/types"
	"github.com/invisible-tech/hostwatch/pkg/auditlog"
	"github.com/invisible-tech/hostwatch/pkg/eventsource"
	"github.com/invisible-tech/hostwatch/pkg/quarantine"
)

func runDetect(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "detect")
	rulesPath := fs.String("rules", a.cfg.RulesPath, "Rule file or directory")
	limit := fs.Int("limit", a.cfg.MaxEvents, "Most recent records to read per channel")
	sources := fs.String("sources", strings.Join(a.cfg.Sources, ","), "Comma separated channels")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loaded := detection.Load(*rulesPath)
	for _, perr := range loaded.Errors {
		fmt.Fprintf(a.out, "%s %s: %v\n", warnColor("skipped"), perr.Path, perr.Err)
	}

	src := eventsource.Default(a.cfg.EventsDir(), a.log)
	channels := eventsource.ParseChannels(*sources)
	var events []types.EventRecord
	for _, ch := range sets.List(channels) {
		if !src.Known(ch) {
			fmt.Fprintf(a.out, "%s unknown channel %q\n", warnColor("skipped"), ch)
			continue
		}
		batch, err := src.Fetch(ctx, ch, *limit)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", ch, err)
		}
		events = append(events, batch...)
	}

	results := detection.Evaluate(events, loaded.Rules)
	fmt.Fprintf(a.out, "%s %d rules, %d events\n", headColor("detect"), len(loaded.Rules), len(events))
	if len(results) == 0 {
		fmt.Fprintln(a.out, okColor("no matches"))
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tCOUNT\tSAMPLE")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Rule, r.Count, sampleLine(r.Sample))
	}
	return tw.Flush()
}

func sampleLine(ev types.EventRecord) string {
	msg := strings.Join(strings.Fields(ev.Message), " ")
	if len(msg) > 60 {
		msg = msg[:57] + "..."
	}
	return fmt.Sprintf("#%d id=%d %s", ev.RecordID, ev.ID, msg)
}

func runQuarantine(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "quarantine")
	dryRun := fs.Bool("dry-run", true, "Only report what would be moved")
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("quarantine: at least one path is required")
	}

	targets := make([]quarantine.Target, 0, fs.NArg())
	for _, p := range fs.Args() {
		t := quarantine.Target{Path: p}
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			t.Size = info.Size()
		}
		targets = append(targets, t)
	}
	return a.quarantine(targets, *dryRun, *yes)
}

func runClean(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "clean")
	categories := fs.String("categories", "", "Comma separated signature categories")
	dryRun := fs.Bool("dry-run", false, "Only report what would be moved")
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	preview := fs.Bool("preview", false, "Write a preview report and stop")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cats := config.SplitList(*categories)
	if len(cats) == 0 {
		return errors.New("clean: -categories is required")
	}

	targets, err := quarantine.EnumerateTargets(a.cfg.SignaturesPath, a.cfg.ExclusionsPath, cats)
	if err != nil {
		return err
	}
	var total int64
	for _, t := range targets {
		total += t.Size
	}
	fmt.Fprintf(a.out, "%s %d files, %s\n", headColor("clean"), len(targets), humanBytes(total))

	if *preview {
		path, err := a.manager().WritePreview(targets)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "preview: %s\n", path)
		return nil
	}
	return a.quarantine(targets, *dryRun, *yes)
}

func (a *app) quarantine(targets []quarantine.Target, dryRun, yes bool) error {
	if !dryRun && !yes && len(targets) > 0 {
		if !a.confirm(fmt.Sprintf("Move %d file(s) into quarantine?", len(targets))) {
			fmt.Fprintln(a.out, warnColor("cancelled"))
			return nil
		}
	}

	run, err := a.manager().Quarantine(targets, dryRun)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Fprintln(a.out, okColor("nothing to quarantine"))
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tDESTINATION\tSIZE\tSTATUS")
	for _, r := range run.Results {
		st := status(r.OK)
		if r.Error != "" {
			st += " (" + r.Error + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Src, r.Dst, humanBytes(r.Size), st)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	verb := "moved"
	if run.DryRun {
		verb = "would move"
	}
	fmt.Fprintf(a.out, "%s %d, failed %d\n", verb, run.Moved, run.Failed)
	fmt.Fprintf(a.out, "report: %s\n", run.ReportPath)
	if run.ManifestPath != "" {
		fmt.Fprintf(a.out, "manifest: %s\n", run.ManifestPath)
	}
	return nil
}

func runRollback(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "rollback")
	file := fs.String("file", "", "Manifest to restore (default: latest)")
	dryRun := fs.Bool("dry-run", false, "Only report what would be restored")
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mgr := a.manager()
	manifest := *file
	if manifest == "" {
		latest, err := mgr.LatestManifest()
		if err != nil {
			return err
		}
		manifest = latest
	}
	if !*dryRun && !*yes && !a.confirm(fmt.Sprintf("Restore files from %s?", manifest)) {
		fmt.Fprintln(a.out, warnColor("cancelled"))
		return nil
	}

	run, err := mgr.Rollback(manifest, *dryRun)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORIGINAL\tQUARANTINED\tSTATUS")
	for _, r := range run.Results {
		st := status(r.OK)
		if r.Error != "" {
			st += " (" + r.Error + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Src, r.Dst, st)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "restored %d, failed %d\n", run.Restored, run.Failed)
	fmt.Fprintf(a.out, "report: %s\n", run.ReportPath)
	return nil
}

func runPurge(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "purge")
	runName := fs.String("run", "", "Run directory name to delete")
	all := fs.Bool("all", false, "Delete every run")
	olderThan := fs.Duration("older-than", 0, "Delete runs older than this age")
	dryRun := fs.Bool("dry-run", false, "Only report what would be deleted")
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*dryRun && !*yes && !a.confirm("Permanently delete quarantined files?") {
		fmt.Fprintln(a.out, warnColor("cancelled"))
		return nil
	}
	res, err := a.manager().Purge(quarantine.PurgeOptions{
		Run:       *runName,
		All:       *all,
		OlderThan: *olderThan,
		DryRun:    *dryRun,
	})
	if err != nil {
		return err
	}
	if len(res.Results) == 0 {
		fmt.Fprintln(a.out, okColor("no runs selected"))
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tFILES\tSIZE\tSTATUS")
	for _, r := range res.Results {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.Run, r.Files, humanBytes(r.Bytes), status(r.OK))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "purged %d runs (%d files, %s), failed %d\n",
		res.Purged, res.Files, humanBytes(res.Bytes), res.Failed)
	fmt.Fprintf(a.out, "report: %s\n", res.ReportPath)
	return nil
}

func runTriage(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "triage")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s := triage.New().Summarize(ctx)
	fmt.Fprintf(a.out, "%s %s\n", headColor("host"), s.CollectedAt.Format(time.RFC3339))
	fmt.Fprintf(a.out, "processes:       %d\n", s.ProcessCount)
	fmt.Fprintf(a.out, "listening ports: %d\n", s.ListeningPorts)
	return nil
}

func runPorts(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "ports")
	limit := fs.Int("limit", 50, "Maximum sockets to list (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROTO\tADDRESS\tPORT\tPID\tPROCESS")
	for _, l := range triage.New().ListeningPorts(ctx, *limit) {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", l.Proto, l.Address, l.Port, l.PID, l.Process)
	}
	return tw.Flush()
}

func runLog(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "log")
	n := fs.Int("n", 50, "Number of lines")
	if err := fs.Parse(args); err != nil {
		return err
	}
	lines, err := auditlog.New(a.cfg.AuditLogPath()).Tail(*n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(a.out, line)
	}
	return nil
}
