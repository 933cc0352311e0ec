// Package system wraps the external process supervisor (systemd) behind a
// narrow stop/start/status interface so orchestrators can restart managed
// services without knowing how they are supervised.
package system

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Supervisor controls managed services by unit name.
type Supervisor interface {
	Stop(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	Status(ctx context.Context, unit string) (string, error)
}

// SystemdSupervisor shells out to systemctl.
type SystemdSupervisor struct {
	// Tool overrides the systemctl binary, mainly for tests.
	Tool string
}

// NewSystemdSupervisor returns a supervisor backed by systemctl.
func NewSystemdSupervisor() *SystemdSupervisor {
	return &SystemdSupervisor{Tool: "systemctl"}
}

// Stop stops the unit.
func (s *SystemdSupervisor) Stop(ctx context.Context, unit string) error {
	return s.run(ctx, "stop", unit)
}

// Start starts the unit.
func (s *SystemdSupervisor) Start(ctx context.Context, unit string) error {
	return s.run(ctx, "start", unit)
}

// Status returns the unit's active state ("active", "inactive", "failed").
func (s *SystemdSupervisor) Status(ctx context.Context, unit string) (string, error) {
	cmd := exec.CommandContext(ctx, s.Tool, "is-active", unit)
	var out bytes.Buffer
	cmd.Stdout = &out
	// is-active exits non-zero for inactive units; the output is still
	// the state we want.
	_ = cmd.Run()
	state := strings.TrimSpace(out.String())
	if state == "" {
		return "", fmt.Errorf("no status for unit %s", unit)
	}
	return state, nil
}

func (s *SystemdSupervisor) run(ctx context.Context, verb, unit string) error {
	cmd := exec.CommandContext(ctx, s.Tool, verb, unit)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("systemctl %s %s: %w: %s", verb, unit, err, detail)
		}
		return fmt.Errorf("systemctl %s %s: %w", verb, unit, err)
	}
	return nil
}
