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
	"github.com/fathomhq/finchat/internal/gateway"
	"github.com/fathomhq/finchat/internal/graphdb"
	"github.com/fathomhq/finchat/internal/jobstore"
	"github.com/fathomhq/finchat/internal/logging"
	"github.com/fathomhq/finchat/internal/store"
)

func runGateway(args []string) error {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
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

	logging.PrintBanner("gateway", version, cfg.Addr)
	logging.PrintAccessURL(cfg.Addr)

	db, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	b := bus.New()
	jobs := jobstore.New(db)
	chats := chatstore.New(db, cfg.ChatsDir())
	graph := graphdb.NewMemoryClient(nil, nil)

	gw := gateway.New(cfg.Addr, jobs, chats, b, graph)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return gw.Serve(ctx)
}
