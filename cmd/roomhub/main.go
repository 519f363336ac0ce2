package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"wisp/internal/authority"
	"wisp/internal/config"
	"wisp/internal/directory"
	"wisp/internal/hub"
	"wisp/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to hub config yaml")
	listenAddr := flag.String("listen", "", "override listen address")
	dbPath := flag.String("db", "", "override sqlite path (empty = in-memory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("config load failed")
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	var st store.Store
	if cfg.DBPath == "" {
		logrus.Info("using in-memory store; rooms will not survive a restart")
		st = store.NewMemoryStore()
	} else {
		sq, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			logrus.WithError(err).Fatal("sqlite open failed")
		}
		logrus.WithField("db", cfg.DBPath).Info("sqlite store ready")
		st = sq
	}
	defer st.Close()

	auth := authority.New(st, cfg.OpTimeout.Std())
	dir := directory.New(st, cfg.ReapInterval.Std())
	srv := hub.NewServer(auth, dir, st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go dir.Run(ctx)

	if err := srv.Listen(cfg.ListenAddr); err != nil {
		logrus.WithError(err).Fatal("listen failed")
	}
	if err := srv.Serve(ctx); err != nil {
		logrus.WithError(err).Fatal("serve failed")
	}
	logrus.Info("hub stopped")
}
