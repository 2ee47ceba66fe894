// Command interestctl inspects interest management offline: how a region's
// entities rank for one viewer, and what the scheduler logged per tick.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rodaine/table"

	persistlog "gridsim.ai/internal/persistence/log"
	"gridsim.ai/internal/sim/interest"
	"gridsim.ai/internal/sim/scene"
	"gridsim.ai/internal/sim/tuning"
	"gridsim.ai/internal/sim/updates"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "rank":
		err = runRank(os.Stdout, os.Args[2:])
	case "ticks":
		err = runTicks(os.Stdout, os.Args[2:])
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(2)
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "interestctl:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: interestctl rank -scene <fixture.yaml> -viewer <name|id> [-tuning interest.yaml] [-scheme OOB|all]")
	fmt.Fprintln(w, "       interestctl ticks -dir <data>/<region-id>/ticks [-from N] [-to N] [-busy]")
}

type rankRow struct {
	kind     string
	name     string
	localID  uint32
	distance float64
	visible  bool
	prio     []float64
}

func runRank(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("rank", flag.ContinueOnError)
	var (
		tuningPath = fs.String("tuning", "", "interest.yaml (default: built-in defaults)")
		scenePath  = fs.String("scene", "", "scene fixture")
		viewerRef  = fs.String("viewer", "", "viewer presence name or id")
		schemeName = fs.String("scheme", "", "prioritization scheme, or \"all\" (default: from tuning)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *scenePath == "" || *viewerRef == "" {
		return fmt.Errorf("rank: -scene and -viewer are required")
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		return err
	}
	fx, err := scene.LoadFixture(*scenePath)
	if err != nil {
		return err
	}
	region := scene.NewRegion(tune.RegionInfo())
	if err := fx.Apply(region); err != nil {
		return err
	}
	viewer, err := findPresence(region, *viewerRef)
	if err != nil {
		return err
	}

	cfg := tune.Interest()
	schemes, err := pickSchemes(*schemeName, cfg.UpdatePrioritizationScheme)
	if err != nil {
		return err
	}

	quiet := log.New(io.Discard, "", 0)
	culler := interest.NewCuller(cfg, region, nil, quiet)
	prios := make([]*interest.Prioritizer, len(schemes))
	for i, s := range schemes {
		c := cfg
		c.UpdatePrioritizationScheme = s.String()
		prios[i] = interest.NewPrioritizer(c, quiet)
	}

	var rows []rankRow
	for _, e := range region.Entities() {
		row := rankRow{
			localID:  e.LocalID(),
			distance: viewer.AbsolutePosition().Sub(e.AbsolutePosition()).Len(),
			visible:  culler.ShowEntityToClient(viewer, e),
		}
		switch v := e.(type) {
		case *scene.Presence:
			row.kind, row.name = "avatar", v.Name()
		case *scene.Part:
			row.kind, row.name = "part", v.Name()
			if !v.IsRoot() {
				row.kind = "child"
			}
			// The scheduler culls whole objects.
			row.visible = culler.ShowEntityToClient(viewer, v.ParentGroup())
		}
		for _, pr := range prios {
			row.prio = append(row.prio, pr.GetUpdatePriority(viewer, e))
		}
		rows = append(rows, row)
	}
	// Visible first, then by the first scheme's priority, matching send order.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].visible != rows[j].visible {
			return rows[i].visible
		}
		if rows[i].prio[0] != rows[j].prio[0] {
			return rows[i].prio[0] < rows[j].prio[0]
		}
		return rows[i].localID < rows[j].localID
	})

	fmt.Fprintf(w, "viewer %s (%s) pos=%v dd=%.0f child=%v culling=%v\n",
		viewer.Name(), viewer.ID(), viewer.AbsolutePosition(), viewer.DrawDistance(), viewer.IsChildAgent(), culler.UseCulling())

	headers := []any{"Kind", "Name", "LocalID", "Dist", "Visible"}
	for _, s := range schemes {
		headers = append(headers, s.String())
	}
	tbl := table.New(headers...).WithWriter(w)
	for _, r := range rows {
		cells := []any{r.kind, r.name, r.localID, fmt.Sprintf("%.1f", r.distance), r.visible}
		for _, p := range r.prio {
			cells = append(cells, fmt.Sprintf("%.2f", p))
		}
		tbl.AddRow(cells...)
	}
	tbl.Print()
	return nil
}

func findPresence(region *scene.Region, ref string) (*scene.Presence, error) {
	if id, err := uuid.Parse(ref); err == nil {
		if p, ok := region.PresenceByID(id); ok {
			return p, nil
		}
		return nil, fmt.Errorf("viewer %s: %w", ref, scene.ErrUnknownPresence)
	}
	for _, p := range region.Presences() {
		if strings.EqualFold(p.Name(), ref) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("viewer %q: %w", ref, scene.ErrUnknownPresence)
}

func pickSchemes(flagValue, configured string) ([]interest.Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(flagValue)) {
	case "all":
		return interest.Schemes(), nil
	case "":
		flagValue = configured
	}
	s, err := interest.ParseScheme(flagValue)
	if err != nil {
		return nil, err
	}
	return []interest.Scheme{s}, nil
}

func runTicks(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("ticks", flag.ContinueOnError)
	var (
		dir      = fs.String("dir", "", "tick log directory containing ticks-*.jsonl.zst")
		fromTick = fs.Uint64("from", 0, "first tick to show (inclusive)")
		toTick   = fs.Uint64("to", 0, "last tick to show (inclusive, 0 = all)")
		busy     = fs.Bool("busy", false, "only ticks that left a backlog")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("ticks: -dir is required")
	}
	files, err := persistlog.ListFiles(*dir, "ticks")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no tick logs in %s", *dir)
	}

	tbl := table.New("Tick", "Viewers", "Changes", "Visible", "Culled", "Sent", "Kills", "Backlog", "Resorts", "Failures", "ms").WithWriter(w)
	var (
		n       int
		sent    int
		maxBack int
		worstMs float64
	)
	// Tick counters restart with the process, so one log can hold several runs.
	for _, path := range files {
		err := persistlog.ReadTicks(path, func(s updates.TickSummary) error {
			if s.Tick < *fromTick || (*toTick != 0 && s.Tick > *toTick) {
				return nil
			}
			if *busy && s.Backlog == 0 {
				return nil
			}
			tbl.AddRow(s.Tick, s.Viewers, s.Changes, s.Visible, s.Culled, s.Sent, s.Kills, s.Backlog, s.Resorts, s.PriorityFailures, fmt.Sprintf("%.2f", s.DurationMs))
			n++
			sent += s.Sent
			maxBack = max(maxBack, s.Backlog)
			worstMs = max(worstMs, s.DurationMs)
			return nil
		})
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	tbl.Print()
	fmt.Fprintf(w, "ticks=%d sent=%d max_backlog=%d worst_ms=%.2f\n", n, sent, maxBack, worstMs)
	return nil
}
