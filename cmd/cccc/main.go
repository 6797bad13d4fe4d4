// Command cccc is the orchestrator's entry point. With no subcommand it
// loads configuration, brings up every component, and runs until a signal
// or the "quit" command arrives. "init" and "upgrade" stamp the on-disk
// layout into a target home directory without starting anything.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zixuniaowu/cccc/internal/cli"
	"github.com/zixuniaowu/cccc/internal/infra/clock"
	"github.com/zixuniaowu/cccc/internal/infra/config"
	"github.com/zixuniaowu/cccc/internal/infra/console"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/settings"
	"github.com/zixuniaowu/cccc/internal/ledger"
	"github.com/zixuniaowu/cccc/internal/orchestrator"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			runInit(os.Args[2:])
			return
		case "upgrade":
			runUpgrade(os.Args[2:])
			return
		}
	}
	runOrchestrator()
}

func runOrchestrator() {
	if err := console.Init(); err != nil {
		log.Fatalf("failed to assign stdout and stderr: %v", err)
	}

	envPath := flag.String("env", ".env", "path to .env file")
	homeFlag := flag.String("home", "", "orchestrator home directory (overrides CCCC_HOME)")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *homeFlag != "" {
		cfg.Env.Home = *homeFlag
	}

	logFile := &lumberjack.Logger{
		Filename:   cfg.Env.Home + "/state/cccc.log",
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
	}
	defer logFile.Close()

	logger.Init(cfg.Env.LogLevel)
	logger.SetWriters(io.MultiWriter(console.Stdout(), logFile), io.MultiWriter(console.Stderr(), logFile))
	for _, msg := range cfg.Warnings() {
		logger.Warn(msg)
	}

	set := settings.New(cfg.Env.Home + "/settings")
	if err := set.Load(); err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	orch, err := orchestrator.New(cfg.Env.Home, cfg, set)
	if err != nil {
		stop()
		log.Fatalf("orchestrator init failed: %v", err)
	}
	if err := orch.Start(ctx); err != nil {
		stop()
		log.Fatalf("orchestrator start failed: %v", err)
	}

	led, err := ledger.Open(cfg.Env.Home+"/state/ledger.jsonl", clock.Real)
	if err != nil {
		logger.Warnf("console: open ledger for tail: %v", err)
	}
	repl := cli.New(cfg.Env.Home, led)
	go func() {
		<-ctx.Done()
		repl.InterruptForShutdown()
	}()

	if err := repl.Run(); err != nil {
		logger.Warnf("console: %v", err)
	}

	stop()
	orch.Stop()
	log.Println("Graceful shutdown complete")
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	fs.Parse(args)
	dir := "."
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	if err := bootstrapLayout(dir); err != nil {
		log.Fatalf("init failed: %v", err)
	}
	fmt.Printf("initialized cccc home at %s\n", dir)
}

func runUpgrade(args []string) {
	fs := flag.NewFlagSet("upgrade", flag.ExitOnError)
	fs.Parse(args)
	dir := "."
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	if err := bootstrapLayout(dir); err != nil {
		log.Fatalf("upgrade failed: %v", err)
	}
	fmt.Printf("upgraded cccc home at %s (missing files stamped, existing files untouched)\n", dir)
}
