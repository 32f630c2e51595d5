// Command engram-backup manages backups of an engram SQLite database:
// one-shot backups, periodic backups with retention, restore, and listing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/engram-memory/engram/memory"
	"github.com/engram-memory/engram/memory/store/sqlite"
)

var (
	configPath = flag.String("config", "", "path to YAML config file (env vars by default)")
	dbPath     = flag.String("db", "", "database file path (overrides config)")
	backupDir  = flag.String("backup-dir", "./backups", "backup directory")
	interval   = flag.Duration("interval", time.Hour, "backup interval for service mode")
	keep       = flag.Int("keep", 24, "number of backups to retain")
	oneshot    = flag.Bool("oneshot", false, "perform a single backup and exit")
	restore    = flag.String("restore", "", "restore database from backup file and exit")
	listCmd    = flag.Bool("list", false, "list all available backups and exit")
)

func main() {
	flag.Parse()

	cfg := memory.LoadConfig()
	if *configPath != "" {
		var err error
		cfg, err = memory.LoadConfigFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}

	if *restore != "" {
		handleRestore(*restore, cfg.Storage.Path)
		return
	}

	if *listCmd {
		handleList(*backupDir)
		return
	}

	store, err := sqlite.Open(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	if *oneshot {
		if err := backupOnce(ctx, store, *backupDir, *keep); err != nil {
			log.Fatalf("Backup failed: %v", err)
		}
		return
	}

	runService(ctx, store, *backupDir, *interval, *keep)
}

func handleRestore(backupPath, targetPath string) {
	log.Printf("Restoring database from backup: %s", backupPath)
	if err := sqlite.Restore(backupPath, targetPath); err != nil {
		log.Fatalf("Restore failed: %v", err)
	}
	log.Printf("Database restored to %s", targetPath)
}

func handleList(dir string) {
	backups, err := filepath.Glob(filepath.Join(dir, "engram-*.db"))
	if err != nil {
		log.Fatalf("Failed to list backups: %v", err)
	}

	if len(backups) == 0 {
		fmt.Println("No backups found")
		return
	}

	fmt.Printf("Found %d backup(s):\n\n", len(backups))
	for i, path := range backups {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		fmt.Printf("%d. %s\n", i+1, path)
		fmt.Printf("   Size: %.2f MB\n", float64(info.Size())/(1024*1024))
		fmt.Printf("   Created: %s (%s ago)\n",
			info.ModTime().Format(time.RFC3339),
			time.Since(info.ModTime()).Round(time.Minute))
		fmt.Println()
	}
}

func backupOnce(ctx context.Context, store *sqlite.Store, dir string, keep int) error {
	start := time.Now()
	path, err := store.Backup(ctx, dir)
	if err != nil {
		return err
	}

	info, _ := os.Stat(path)
	log.Printf("Backup completed:")
	log.Printf("  Path: %s", path)
	if info != nil {
		log.Printf("  Size: %.2f MB", float64(info.Size())/(1024*1024))
	}
	log.Printf("  Duration: %v", time.Since(start).Round(time.Millisecond))

	pruned, err := sqlite.PruneBackups(dir, keep)
	if err != nil {
		log.Printf("Warning: prune failed: %v", err)
	} else if pruned > 0 {
		log.Printf("  Pruned: %d old backup(s)", pruned)
	}
	return nil
}

func runService(ctx context.Context, store *sqlite.Store, dir string, interval time.Duration, keep int) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Backup service started (every %v, keeping %d)", interval, keep)
	if err := backupOnce(ctx, store, dir, keep); err != nil {
		log.Printf("Backup failed: %v", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := backupOnce(ctx, store, dir, keep); err != nil {
				log.Printf("Backup failed: %v", err)
			}
		case <-sigCh:
			log.Println("Shutting down backup service")
			return
		}
	}
}
