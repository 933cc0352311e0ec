// Command stackbak-restore restores a verified backup set onto the live
// stack. Usage:
//
//	stackbak-restore [flags] <backup-set-path>
//
// By default every component is restored. The --db-only, --files-only,
// --config-only and --cache-only flags narrow the selection. Destructive
// restores (database or files) ask for confirmation unless --force is set.
// Exit code is 0 on success, non-zero on any verification or apply
// failure.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stackbak/stackbak/internal/backup"
	"github.com/stackbak/stackbak/internal/catalog"
	"github.com/stackbak/stackbak/internal/config"
	"github.com/stackbak/stackbak/internal/restore"
	"github.com/stackbak/stackbak/internal/stack"
	"github.com/stackbak/stackbak/internal/system"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional, env vars by default)")
	force      = flag.Bool("force", false, "Skip the confirmation prompt")
	dbOnly     = flag.Bool("db-only", false, "Restore only the database")
	filesOnly  = flag.Bool("files-only", false, "Restore only the application file tree")
	confOnly   = flag.Bool("config-only", false, "Restore only the configuration bundle")
	cacheOnly  = flag.Bool("cache-only", false, "Restore only the cache snapshot")
	noRestart  = flag.Bool("no-restart", false, "Do not restart services after the restore")
)

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: stackbak-restore [flags] <backup-set-path>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	setPath, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		log.Fatalf("Invalid backup set path: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	selection := buildSelection()
	if restore.RequiresConfirmation(selection) && !*force {
		if !confirm(setPath, selection) {
			fmt.Println("Restore cancelled")
			os.Exit(1)
		}
	}

	var checker *restore.HealthChecker
	if cfg.Health.URL != "" {
		interval, err := time.ParseDuration(cfg.Health.Interval)
		if err != nil {
			interval = 0 // checker default applies
		}
		checker = restore.NewHealthChecker(cfg.Health.URL, cfg.Health.Attempts, interval)
	}

	orch, err := restore.NewOrchestrator(
		restore.Config{
			Root:          cfg.Backup.Root,
			MinFreeBytes:  uint64(cfg.Backup.MinFreeMB) * 1024 * 1024,
			RequiredTools: stack.RequiredTools(),
		},
		stack.Adapters(cfg),
		system.NewSystemdSupervisor(),
		checker,
		openCatalog(cfg.Backup.Root),
	)
	if err != nil {
		log.Fatalf("Failed to create restore orchestrator: %v", err)
	}

	result, err := orch.Run(context.Background(), restore.Options{
		SetPath:   setPath,
		Selection: selection,
		NoRestart: *noRestart,
		Services:  []string{cfg.Services.AppUnit, cfg.Services.ProxyUnit},
	})
	if err != nil {
		if result != nil && result.RollbackPath != "" {
			log.Printf("Rollback snapshot available at: %s", result.RollbackPath)
		}
		log.Fatalf("Restore failed: %v", err)
	}

	log.Printf("Restore completed: applied %s in %v",
		strings.Join(result.Applied, ", "), result.Duration.Round(time.Millisecond))
	if result.RollbackPath != "" {
		log.Printf("Rollback snapshot retained at %s (remove it once satisfied)", result.RollbackPath)
	}
	for _, warning := range result.Warnings {
		log.Printf("Warning: %s", warning)
	}
}

// buildSelection maps the --*-only flags onto a component selection.
// Multiple flags combine; none means a full restore.
func buildSelection() restore.Selection {
	sel := restore.Selection{
		Database: *dbOnly,
		Files:    *filesOnly,
		Config:   *confOnly,
		Cache:    *cacheOnly,
	}
	if !sel.Any() {
		return restore.Full()
	}
	return sel
}

// confirm asks the operator to acknowledge a destructive restore.
func confirm(setPath string, sel restore.Selection) bool {
	var targets []string
	if sel.Database {
		targets = append(targets, "database")
	}
	if sel.Files {
		targets = append(targets, "application files")
	}

	fmt.Printf("This will OVERWRITE the live %s from %s.\n", strings.Join(targets, " and "), setPath)
	fmt.Print("Type 'yes' to continue: ")

	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(answer) == "yes"
}

// openCatalog opens the run-history catalog; failures only cost history.
func openCatalog(root string) backup.Recorder {
	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	if err != nil {
		log.Printf("Warning: run history disabled: %v", err)
		return nil
	}
	return cat
}
