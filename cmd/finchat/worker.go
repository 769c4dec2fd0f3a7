package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fathomhq/finchat/internal/bus"
	"github.com/fathomhq/finchat/internal/chatstore"
	"github.com/fathomhq/finchat/internal/config"
	"github.com/fathomhq/finchat/internal/jobstore"
	"github.com/fathomhq/finchat/internal/logging"
	"github.com/fathomhq/finchat/internal/runner"
	"github.com/fathomhq/finchat/internal/store"
	"github.com/fathomhq/finchat/internal/worker"
)

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	flags := config.DefineFlags(fs)
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfgPath := ""
	if flags.ConfigFile != nil {
		cfgPath = *flags.ConfigFile
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flags.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logging.PrintBanner("worker", version, cfg.JobStoreURL)

	db, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	b := bus.New()
	jobs := jobstore.New(db)
	chats := chatstore.New(db, cfg.ChatsDir())
	r := runner.New(cfg, b)
	w := worker.New(jobs, chats, b, r, cfg.RouterInstructionsPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.Run(ctx)
	return nil
}
