package backup

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// HealthStatus represents the health of the scheduled backup service.
type HealthStatus struct {
	// Status is the overall health status: "healthy", "warning", or "error"
	Status string

	// Message provides additional context about the status
	Message string

	// LastBackup is when the last successful backup completed
	LastBackup time.Time

	// NextBackup is when the next backup is scheduled
	NextBackup time.Time

	// TotalSets is the number of backup sets currently stored
	TotalSets int

	// Root is the backup root directory
	Root string

	// DiskSpaceUsed is total bytes used by all backup sets
	DiskSpaceUsed int64
}

// Service runs backups on a fixed interval until stopped. Each tick is a
// full orchestrator run, so the lock, staging and retention semantics are
// identical to a one-shot invocation.
type Service struct {
	orch     *Orchestrator
	interval time.Duration

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	lastRun  time.Time
	nextRun  time.Time
}

// NewService wraps an orchestrator in an interval scheduler.
func NewService(orch *Orchestrator, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Service{
		orch:     orch,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs scheduled backups until the context is cancelled or Stop is
// called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("backup service is already running")
	}
	s.running = true
	s.nextRun = time.Now().Add(s.interval)
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("backup service started: interval=%v, root=%s", s.interval, s.orch.cfg.Root)

	for {
		select {
		case <-ctx.Done():
			log.Println("backup service stopping (context cancelled)")
			return ctx.Err()

		case <-s.stopCh:
			log.Println("backup service stopping (stop requested)")
			return nil

		case <-ticker.C:
			log.Println("starting scheduled backup...")
			result, err := s.orch.Run(ctx)
			if err != nil {
				log.Printf("scheduled backup failed: %v", err)
			} else {
				log.Printf("scheduled backup completed: id=%s, artifacts=%d, duration=%v",
					result.ID, len(result.Artifacts), result.Duration)
				s.mu.Lock()
				s.lastRun = time.Now()
				s.mu.Unlock()
			}

			s.mu.Lock()
			s.nextRun = time.Now().Add(s.interval)
			s.mu.Unlock()
		}
	}
}

// Stop stops the service gracefully.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("backup service is not running")
	}
	close(s.stopCh)
	s.running = false
	return nil
}

// HealthCheck reports backup freshness and storage usage.
func (s *Service) HealthCheck() (*HealthStatus, error) {
	s.mu.Lock()
	lastRun := s.lastRun
	nextRun := s.nextRun
	s.mu.Unlock()

	sets, err := ListSets(s.orch.cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup sets: %w", err)
	}
	usage, err := DiskUsage(s.orch.cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate disk usage: %w", err)
	}

	status := &HealthStatus{
		LastBackup:    lastRun,
		NextBackup:    nextRun,
		TotalSets:     len(sets),
		Root:          s.orch.cfg.Root,
		DiskSpaceUsed: usage,
		Status:        "healthy",
	}

	// A freshly started service has no in-process run yet; fall back to
	// the newest set on disk.
	if lastRun.IsZero() && len(sets) > 0 {
		lastRun = sets[0].CreatedAt
		status.LastBackup = lastRun
	}

	switch {
	case lastRun.IsZero():
		status.Message = "no backups yet"
	case time.Since(lastRun) > s.interval*2:
		status.Status = "warning"
		status.Message = fmt.Sprintf("backup overdue by %v", time.Since(lastRun)-s.interval)
	default:
		status.Message = fmt.Sprintf("last backup %v ago", time.Since(lastRun).Round(time.Minute))
	}
	return status, nil
}
