// Command validatord runs validator envelopes on request over HTTP and keeps
// a local ledger of every run.
package main

import (
	"log"
	"math"
	"os"

	"golang.org/x/time/rate"

	"github.com/seantiz/validator/internal/api"
	"github.com/seantiz/validator/internal/config"
	"github.com/seantiz/validator/internal/coordinator"
	"github.com/seantiz/validator/internal/storage"
	"github.com/seantiz/validator/internal/store"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("validatord: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"work_dir", cfg.WorkDir,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	runners := cfg.Runners(logger)
	codec, err := config.NewCodec(runners)
	if err != nil {
		log.Fatalf("failed to build envelope codec: %v", err)
	}
	notifier, err := cfg.NewNotifier(logger)
	if err != nil {
		log.Fatalf("failed to configure callbacks: %v", err)
	}

	coord := coordinator.New(coordinator.Options{
		Storage:  storage.NewClient(cfg.StorageOptions(), logger),
		Codec:    codec,
		Runners:  runners,
		Notifier: notifier,
		Ledger:   db,
		WorkRoot: cfg.WorkDir,
		Logger:   logger,
	})

	burst := int(math.Ceil(cfg.RateLimit))
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), max(burst, 1))

	srv := api.NewServer(cfg.ListenAddr, db, runners, coord, limiter, logger)
	srv.AddCheck("work_dir", api.WorkDirCheck(cfg.WorkDir))
	srv.AddCheck("callback", notifier.Ready)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
