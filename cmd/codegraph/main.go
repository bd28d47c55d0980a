package main

import (
	"fmt"
	"os"
	"time"

	"github.com/vsavkov/codegraph/internal/config"
	"github.com/vsavkov/codegraph/internal/engine"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "reconcile":
		cmdReconcile(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  codegraph run --config <file.yaml> [--target <dir>] [--run-id <id>] [--workers <n>] [--reconcile] [--skip-resolver]")
	fmt.Fprintln(os.Stderr, "  codegraph serve --config <file.yaml> [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  codegraph status [--addr <host:port>] [--run-id <id>] [--follow]")
	fmt.Fprintln(os.Stderr, "  codegraph reconcile --config <file.yaml>")
}

func cmdRun(args []string) {
	var configPath string
	var targetDir string
	var runID string
	var workers int
	var reconcile bool
	var skipResolver bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--target":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--target requires a value")
				os.Exit(1)
			}
			targetDir = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			runID = args[i]
		case "--workers":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--workers requires a value")
				os.Exit(1)
			}
			if _, err := fmt.Sscanf(args[i], "%d", &workers); err != nil {
				fmt.Fprintf(os.Stderr, "--workers: %q is not a number\n", args[i])
				os.Exit(1)
			}
		case "--reconcile":
			reconcile = true
		case "--skip-resolver":
			skipResolver = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if configPath == "" {
		usage()
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// No deadline; a full-project analysis can take hours. Ctrl-C cancels.
	ctx, stop := signalContext()
	defer stop()

	eng, cleanup, err := buildEngine(ctx, cfg, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	res, err := eng.Run(ctx, engine.RunOptions{
		RunID:        runID,
		TargetDir:    targetDir,
		Workers:      workers,
		Reconcile:    reconcile,
		SkipResolver: skipResolver,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if res != nil {
		printResult(res)
	}
	if err != nil || res == nil || res.Phase != engine.PhaseDone {
		os.Exit(1)
	}
}

func printResult(res *engine.Result) {
	c := res.Counters
	fmt.Printf("run_id=%s\n", res.RunID)
	fmt.Printf("phase=%s\n", res.Phase)
	fmt.Printf("duration=%s\n", res.Duration.Round(time.Millisecond))
	fmt.Printf("files: scanned=%d new=%d modified=%d deleted=%d renamed=%d\n",
		c.FilesScanned, c.FilesNew, c.FilesModified, c.FilesDeleted, c.FilesRenamed)
	fmt.Printf("tasks: completed=%d failed=%d\n", c.TasksCompleted, c.TasksFailed)
	fmt.Printf("graph: results=%d invalid=%d nodes=%d relationships=%d\n",
		c.ResultsIngested, c.ResultsInvalid, c.Nodes, c.Relationships)
	if c.ResolvedIntra+c.ResolvedDir+c.ResolvedGlobal > 0 {
		fmt.Printf("resolved: intra_file=%d intra_directory=%d global=%d\n",
			c.ResolvedIntra, c.ResolvedDir, c.ResolvedGlobal)
	}
	if c.FilesMarked+c.FilesSwept > 0 {
		fmt.Printf("reconciled: marked=%d swept=%d\n", c.FilesMarked, c.FilesSwept)
	}
}

func cmdReconcile(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signalContext()
	defer stop()
	marked, swept, err := reconcileOnce(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("marked=%d\nswept=%d\n", marked, swept)
}
