// Command stackbak-backup creates verifiable backup sets of the service
// stack: database dump, application file tree, configuration bundle and
// cache snapshot, sealed by a manifest and an integrity ledger.
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

	"github.com/stackbak/stackbak/internal/backup"
	"github.com/stackbak/stackbak/internal/catalog"
	"github.com/stackbak/stackbak/internal/config"
	"github.com/stackbak/stackbak/internal/stack"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional, env vars by default)")
	rootDir    = flag.String("backup-root", "", "Backup root directory (overrides config)")
	interval   = flag.Duration("interval", 0, "Backup interval for service mode (overrides config)")
	oneshot    = flag.Bool("oneshot", false, "Perform a single backup and exit")
	verifySet  = flag.String("verify", "", "Verify the backup set at the given path and exit")
	listCmd    = flag.Bool("list", false, "List all backup sets and exit")
	healthCmd  = flag.Bool("health", false, "Report backup freshness and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *rootDir != "" {
		cfg.Backup.Root = *rootDir
	}

	intervalFinal := 24 * time.Hour
	if d, err := time.ParseDuration(cfg.Backup.Interval); err == nil && d > 0 {
		intervalFinal = d
	}
	if *interval > 0 {
		intervalFinal = *interval
	}

	if *verifySet != "" {
		handleVerify(*verifySet)
		return
	}
	if *listCmd {
		handleList(cfg.Backup.Root)
		return
	}

	orch, err := backup.NewOrchestrator(backup.Config{
		Root:          cfg.Backup.Root,
		Domain:        cfg.Backup.Domain,
		RetentionDays: cfg.Backup.RetentionDays,
		MinFreeBytes:  uint64(cfg.Backup.MinFreeMB) * 1024 * 1024,
		RequiredTools: stack.RequiredTools(),
	}, stack.Adapters(cfg), openCatalog(cfg.Backup.Root))
	if err != nil {
		log.Fatalf("Failed to create backup orchestrator: %v", err)
	}

	service := backup.NewService(orch, intervalFinal)
	ctx := context.Background()

	if *healthCmd {
		handleHealth(service)
		return
	}
	if *oneshot {
		handleOneshot(ctx, orch)
		return
	}

	runService(ctx, service)
}

// openCatalog opens the run-history catalog at the backup root. A broken
// catalog only costs history, never a backup.
func openCatalog(root string) backup.Recorder {
	if err := os.MkdirAll(root, 0755); err != nil {
		log.Printf("Warning: cannot create backup root for catalog: %v", err)
		return nil
	}
	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	if err != nil {
		log.Printf("Warning: run history disabled: %v", err)
		return nil
	}
	return cat
}

func handleVerify(setPath string) {
	if err := backup.Verify(setPath); err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("OK: %s verified\n", setPath)
}

func handleList(root string) {
	sets, err := backup.ListSets(root)
	if err != nil {
		log.Fatalf("Failed to list backup sets: %v", err)
	}
	if len(sets) == 0 {
		fmt.Println("No backup sets found")
		return
	}

	fmt.Printf("Found %d backup set(s):\n\n", len(sets))
	for i, s := range sets {
		fmt.Printf("%d. %s\n", i+1, s.Path)
		fmt.Printf("   Size: %.2f MB\n", float64(s.Size)/(1024*1024))
		fmt.Printf("   Created: %s (%s ago)\n",
			s.CreatedAt.Format(time.RFC3339),
			time.Since(s.CreatedAt).Round(time.Minute))
		fmt.Println()
	}
}

func handleHealth(service *backup.Service) {
	health, err := service.HealthCheck()
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}

	fmt.Printf("Status: %s\n", health.Status)
	if health.Message != "" {
		fmt.Printf("Message: %s\n", health.Message)
	}
	fmt.Printf("Total Sets: %d\n", health.TotalSets)
	fmt.Printf("Disk Space Used: %.2f MB\n", float64(health.DiskSpaceUsed)/(1024*1024))
	fmt.Printf("Backup Root: %s\n", health.Root)

	if !health.LastBackup.IsZero() {
		fmt.Printf("Last Backup: %s (%s ago)\n",
			health.LastBackup.Format(time.RFC3339),
			time.Since(health.LastBackup).Round(time.Minute))
	} else {
		fmt.Println("Last Backup: Never")
	}

	if health.Status != "healthy" {
		os.Exit(1)
	}
}

func handleOneshot(ctx context.Context, orch *backup.Orchestrator) {
	log.Println("Performing one-time backup...")

	result, err := orch.Run(ctx)
	if err != nil {
		log.Fatalf("Backup failed: %v", err)
	}

	log.Printf("Backup completed successfully:")
	log.Printf("  Set: %s", result.Path)
	log.Printf("  Artifacts: %d", len(result.Artifacts))
	log.Printf("  Duration: %v", result.Duration)
	if len(result.Swept) > 0 {
		log.Printf("  Swept: %d expired set(s)", len(result.Swept))
	}
}

func runService(ctx context.Context, service *backup.Service) {
	go func() {
		if err := service.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("Backup service error: %v", err)
		}
	}()

	log.Println("stackbak backup service started")
	log.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down backup service...")
	if err := service.Stop(); err != nil {
		log.Printf("Warning: %v", err)
	}
	log.Println("Backup service stopped")
}
