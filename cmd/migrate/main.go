package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/pkg/config"
	"github.com/dhawalhost/permseal/pkg/database"
	"github.com/dhawalhost/permseal/pkg/logger"
)

// migrate applies every pending migrations/*.up.sql in lexical order.
// Applied files are recorded in schema_migrations so reruns are safe.
func main() {
	dir := flag.String("dir", "migrations", "Directory holding the *.up.sql files")
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

	db, err := database.NewConnection(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		log.Fatal("Failed to create schema_migrations", zap.Error(err))
	}

	applied := map[string]bool{}
	var names []string
	if err := db.Select(&names, `SELECT filename FROM schema_migrations`); err != nil {
		log.Fatal("Failed to read schema_migrations", zap.Error(err))
	}
	for _, name := range names {
		applied[name] = true
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		log.Fatal("Failed to read migrations directory", zap.String("dir", *dir), zap.Error(err))
	}
	var pending []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") && !applied[entry.Name()] {
			pending = append(pending, entry.Name())
		}
	}
	sort.Strings(pending)

	if len(pending) == 0 {
		log.Info("No pending migrations")
		return
	}

	for _, name := range pending {
		content, err := os.ReadFile(filepath.Join(*dir, name))
		if err != nil {
			log.Fatal("Failed to read migration", zap.String("file", name), zap.Error(err))
		}

		tx, err := db.Beginx()
		if err != nil {
			log.Fatal("Failed to begin transaction", zap.Error(err))
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			log.Fatal("Migration failed", zap.String("file", name), zap.Error(err))
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			log.Fatal("Failed to record migration", zap.String("file", name), zap.Error(err))
		}
		if err := tx.Commit(); err != nil {
			log.Fatal("Failed to commit migration", zap.String("file", name), zap.Error(err))
		}
		log.Info("Applied migration", zap.String("file", name))
	}
	log.Info("Migrations complete", zap.Int("applied", len(pending)))
}
