package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/duratask/internal/api"
	"github.com/mattjoyce/duratask/internal/config"
	"github.com/mattjoyce/duratask/internal/launch"
	"github.com/mattjoyce/duratask/internal/lock"
	"github.com/mattjoyce/duratask/internal/log"
	"github.com/mattjoyce/duratask/internal/monitor"
	"github.com/mattjoyce/duratask/internal/registry"
	"github.com/mattjoyce/duratask/internal/workspace"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "run":
		os.Exit(runRun(args))
	case "tail":
		os.Exit(runTail(args))
	case "status":
		os.Exit(runStatus(args))
	case "version":
		fmt.Printf("duratask version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`duratask - durable process launcher with file-coordinated completion

Usage:
  duratask <command> [flags]

Commands:
  serve     Start the task daemon (HTTP API) in foreground
  run       Launch a script and watch it to completion in-process
  tail      Reattach to a serialized controller and stream its log
  status    Print the one-line status of a serialized controller
  version   Show version information
  help      Show this help message

Use 'duratask <command> -h' for command-specific flags.
`)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.yaml (defaults apply when omitted)")
	_ = fs.Parse(args)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("serve")

	pidLock, err := lock.Acquire(cfg.LockPath)
	if err != nil {
		logger.Error("failed to acquire pid lock", "path", cfg.LockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := registry.Open(ctx, cfg.RegistryPath)
	if err != nil {
		logger.Error("failed to open registry", "path", cfg.RegistryPath, "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	workspaces, err := workspace.NewFSManager(cfg.WorkspacesDir)
	if err != nil {
		logger.Error("failed to init workspace manager", "error", err)
		return 1
	}

	server := api.New(api.Config{Listen: cfg.Service.Listen}, store, workspaces, log.WithComponent("api"))
	if err := server.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("server exited", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	script := fs.String("c", "", "script text to run")
	file := fs.String("file", "", "script file to run (alternative to -c)")
	capture := fs.Bool("capture", false, "capture stdout separately and print it on exit")
	wsDir := fs.String("workspace", "", "workspace directory (default: a fresh temp dir)")
	detach := fs.Bool("detach", false, "print the serialized controller and exit without watching")
	logLevel := fs.String("log-level", "WARN", "log level")
	_ = fs.Parse(args)
	log.Setup(*logLevel)

	text := *script
	if text == "" && *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		text = string(data)
	}
	if text == "" {
		fmt.Fprintln(os.Stderr, "Error: provide a script with -c or --file")
		return 1
	}

	ws := *wsDir
	if ws == "" {
		dir, err := os.MkdirTemp("", "duratask-ws-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		ws = dir
	}

	sh := &launch.ShellScript{Script: text, CaptureOutput: *capture}
	ctrl, err := sh.Launch(ws, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *detach {
		// The printed JSON is everything needed to observe this task later,
		// from any process on this node: feed it to 'duratask tail'.
		out, err := json.Marshal(ctrl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("%s\n", out)
		fmt.Fprintf(os.Stderr, "workspace: %s\n", ws)
		return 0
	}

	h := &stdoutHandler{done: make(chan int, 1)}
	if err := ctrl.Watch(ws, h); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return <-h.done
}

// stdoutHandler streams watch output to stdout and reports the exit code.
type stdoutHandler struct {
	done chan int
}

func (h *stdoutHandler) Output(r io.Reader) error {
	_, err := io.Copy(os.Stdout, r)
	return err
}

func (h *stdoutHandler) Exited(code int, output []byte) error {
	if output != nil {
		_, _ = os.Stdout.Write(output)
	}
	h.done <- code
	return nil
}

func runTail(args []string) int {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	logLevel := fs.String("log-level", "WARN", "log level")
	_ = fs.Parse(args)
	log.Setup(*logLevel)

	ctrl, ws, ok := controllerFromArgs(fs.Args())
	if !ok {
		fmt.Fprintln(os.Stderr, "Usage: duratask tail <workspace> <controller.json>")
		return 1
	}

	// Synchronous pull loop: instance-local offset, no marker file. This is
	// the single-observer path; do not run it concurrently with a watch on
	// the same control directory.
	for {
		if _, err := ctrl.WriteLog(ws, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		code, err := ctrl.ExitStatus(ws)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if code != nil {
			// One final drain for bytes written just before exit.
			if _, err := ctrl.WriteLog(ws, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			return *code
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	logLevel := fs.String("log-level", "WARN", "log level")
	_ = fs.Parse(args)
	log.Setup(*logLevel)

	ctrl, ws, ok := controllerFromArgs(fs.Args())
	if !ok {
		fmt.Fprintln(os.Stderr, "Usage: duratask status <workspace> <controller.json>")
		return 1
	}
	line, err := ctrl.Diagnostics(ws)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(line)
	return 0
}

func controllerFromArgs(args []string) (*monitor.Controller, string, bool) {
	if len(args) != 2 {
		return nil, "", false
	}
	ws := args[0]
	data, err := os.ReadFile(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil, "", false
	}
	var ctrl monitor.Controller
	if err := json.Unmarshal(data, &ctrl); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid controller file: %v\n", err)
		return nil, "", false
	}
	return &ctrl, ws, true
}
