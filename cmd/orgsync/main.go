package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/backend"
	"github.com/dhawalhost/permseal/internal/org"
	"github.com/dhawalhost/permseal/pkg/config"
	"github.com/dhawalhost/permseal/pkg/database"
	"github.com/dhawalhost/permseal/pkg/logger"
)

// orgsync performs one directory sync pass and exits. It is meant to be
// run from cron or a job scheduler.
func main() {
	timeout := flag.Duration("timeout", 10*time.Minute, "Abort the sync pass after this long")
	skipBackend := flag.Bool("skip-backend", false, "Do not register departments with the authorization backend")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.LDAP.URL == "" {
		log.Fatal("PERMSEAL_LDAP_URL is not set, nothing to sync from")
	}
	if !*skipBackend && cfg.Backend.BaseURL == "" {
		log.Fatal("PERMSEAL_BACKEND_BASE_URL is not set, use -skip-backend to sync the mirror only")
	}

	db, err := database.NewConnection(database.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		DBName:       cfg.Database.Name,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	var registrar org.SubjectRegistrar
	if !*skipBackend {
		registrar = backend.New(backend.Config{
			BaseURL:   cfg.Backend.BaseURL,
			AppCode:   cfg.Backend.AppCode,
			AppSecret: cfg.Backend.AppSecret,
			Timeout:   cfg.Backend.Timeout,
		}, nil)
	}

	syncer := org.NewSyncer(org.LDAPConfig{
		URL:          cfg.LDAP.URL,
		BindDN:       cfg.LDAP.BindDN,
		BindPassword: cfg.LDAP.BindPassword,
		BaseDN:       cfg.LDAP.BaseDN,
		GroupFilter:  cfg.LDAP.GroupFilter,
		UserFilter:   cfg.LDAP.UserFilter,
	}, org.NewService(org.NewStore(db), log), registrar, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	start := time.Now()
	if err := syncer.Run(ctx); err != nil {
		log.Fatal("Directory sync failed", zap.Error(err))
	}
	log.Info("Directory sync finished", zap.Duration("took", time.Since(start)))
}
