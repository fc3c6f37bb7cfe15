package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"pipewright/internal/config"
	"pipewright/internal/core"
	"pipewright/internal/journal"
	"pipewright/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "graph":
		os.Exit(cmdGraph(os.Args[2:]))
	case "journal":
		os.Exit(cmdJournal(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  pipewright run [-workers N] [-artifacts DIR] [-journal FILE] [-config FILE] [-auto-approve] <pipeline.yaml>
  pipewright graph <pipeline.yaml>
  pipewright journal verify <journal.jsonl>`)
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	workers := fs.Int("workers", 4, "worker concurrency limit")
	artifacts := fs.String("artifacts", "./artifacts", "artifact store root")
	journalPath := fs.String("journal", "./journal.jsonl", "run journal file")
	configPath := fs.String("config", "", "runtime configuration (environments, grace period)")
	autoApprove := fs.Bool("auto-approve", false, "approve gated stages automatically")
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
		return 2
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		return 1
	}
	defer log.Sync()

	p, err := core.Load(fs.Arg(0))
	if err != nil {
		log.Error("loading definition", zap.Error(err))
		return 1
	}
	g, err := core.BuildGraph(p)
	if err != nil {
		log.Error("building graph", zap.Error(err))
		return 1
	}

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Error("loading configuration", zap.Error(err))
			return 1
		}
	}

	jnl, err := journal.Open(*journalPath)
	if err != nil {
		log.Error("opening journal", zap.Error(err))
		return 1
	}

	var gate core.ApprovalCoordinator
	if *autoApprove {
		gate = autoGate{gated: gatedEnvironments(cfg)}
	} else if gated := gatedEnvironments(cfg); len(gated) > 0 {
		log.Warn("configuration defines gated environments; local runs skip gating unless -auto-approve is set")
	}

	store := storage.NewStore(*artifacts, log.Named("storage"))
	exec := core.NewExecutor(cfg.CancelGrace.Std())
	runner := core.NewRunner(exec, store, log.Named("runner"))
	sched := core.NewScheduler(core.SchedulerOptions{
		Workers:   *workers,
		Grace:     cfg.CancelGrace.Std(),
		Runner:    runner,
		Approvals: gate,
		Journal:   jnl,
		Logger:    log.Named("scheduler"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := core.NewRun(p, core.TriggerContext{Event: "manual", Actor: "cli"})
	err = sched.Execute(ctx, run, p, g)

	view := run.Snapshot()
	fmt.Printf("\nrun %s: %s\n", view.ID, view.Status)
	for _, n := range view.Nodes {
		line := fmt.Sprintf("  %-20s %s", n.Stage, n.State)
		if n.Detail != "" {
			line += "  (" + n.Detail + ")"
		}
		fmt.Println(line)
	}

	if err != nil || run.Status() != core.RunSucceeded {
		return 1
	}
	return 0
}

func cmdGraph(args []string) int {
	if len(args) != 1 {
		usage()
		return 2
	}
	p, err := core.Load(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	g, err := core.BuildGraph(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	fmt.Println("execution order:")
	for i, name := range g.Order() {
		deps := g.Dependencies(name)
		if len(deps) == 0 {
			fmt.Printf("  %d. %s\n", i+1, name)
		} else {
			fmt.Printf("  %d. %s  (after %v)\n", i+1, name, deps)
		}
	}

	fmt.Println("parallel groups:")
	for i, group := range topologicalLevels(p, g) {
		fmt.Printf("  level %d: %v\n", i, group)
	}
	return 0
}

// topologicalLevels groups stages by dependency depth; stages within one
// level are mutually parallel-eligible candidates.
func topologicalLevels(p *core.Pipeline, g *core.Graph) [][]string {
	depth := make(map[string]int, len(p.Stages))
	for _, name := range g.Order() {
		d := 0
		for _, dep := range g.Dependencies(name) {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
	}
	var levels [][]string
	for _, s := range p.Stages {
		d := depth[s.Name]
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], s.Name)
	}
	return levels
}

func cmdJournal(args []string) int {
	if len(args) != 2 || args[0] != "verify" {
		usage()
		return 2
	}
	jnl, err := journal.Open(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := jnl.Verify(); err != nil {
		fmt.Fprintf(os.Stderr, "journal verification FAILED: %v\n", err)
		return 1
	}
	fmt.Printf("journal verification ok (%d entries)\n", len(jnl.Entries()))
	return 0
}

func gatedEnvironments(cfg *config.Config) map[string]bool {
	out := make(map[string]bool)
	for _, env := range cfg.Environments {
		if env.Approval == "required" {
			out[env.Name] = true
		}
	}
	return out
}

// autoGate approves every gated stage immediately; used for local runs.
type autoGate struct {
	gated map[string]bool
}

func (a autoGate) RequiresApproval(environment string) bool {
	return a.gated[environment]
}

func (a autoGate) Request(runID, stage, environment string) (<-chan core.Decision, error) {
	ch := make(chan core.Decision, 1)
	ch <- core.Decision{Approved: true, Decider: "cli:auto-approve"}
	return ch, nil
}
