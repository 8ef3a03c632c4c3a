package executor

import (
	"context"
	"strings"
)

// ServiceManager drives systemd through the executor. Run state and
// enablement are queried before mutating so already-satisfied actions
// report not-applicable instead of invoking systemctl again.
type ServiceManager struct {
	exec *Executor
	sudo bool
}

// NewServiceManager creates a systemd service manager.
func NewServiceManager(e *Executor, sudo bool) *ServiceManager {
	return &ServiceManager{exec: e, sudo: sudo}
}

// Status returns whether the unit is active and whether it is enabled.
// is-active and is-enabled exit non-zero for inactive/disabled units, so
// their exit codes are interpreted rather than treated as failures.
func (s *ServiceManager) Status(ctx context.Context, name string) (active, enabled bool) {
	res := s.exec.Run(ctx, Spec{Command: "systemctl", Args: []string{"is-active", name}})
	active = strings.TrimSpace(res.Stdout) == "active"

	res = s.exec.Run(ctx, Spec{Command: "systemctl", Args: []string{"is-enabled", name}})
	enabled = strings.TrimSpace(res.Stdout) == "enabled"

	return active, enabled
}

// Start starts the unit unless it is already active.
func (s *ServiceManager) Start(ctx context.Context, name string) Result {
	if active, _ := s.Status(ctx, name); active {
		return Result{Status: StatusNotApplicable}
	}
	return s.systemctl(ctx, "start", name)
}

// Stop stops the unit unless it is already inactive.
func (s *ServiceManager) Stop(ctx context.Context, name string) Result {
	if active, _ := s.Status(ctx, name); !active {
		return Result{Status: StatusNotApplicable}
	}
	return s.systemctl(ctx, "stop", name)
}

// Restart always restarts the unit. Batching restarts across a run is the
// reconciler's job; the manager performs exactly what it is told.
func (s *ServiceManager) Restart(ctx context.Context, name string) Result {
	return s.systemctl(ctx, "restart", name)
}

// Enable enables the unit unless it is already enabled.
func (s *ServiceManager) Enable(ctx context.Context, name string) Result {
	if _, enabled := s.Status(ctx, name); enabled {
		return Result{Status: StatusNotApplicable}
	}
	return s.systemctl(ctx, "enable", name)
}

// Disable disables the unit unless it is already disabled.
func (s *ServiceManager) Disable(ctx context.Context, name string) Result {
	if _, enabled := s.Status(ctx, name); !enabled {
		return Result{Status: StatusNotApplicable}
	}
	return s.systemctl(ctx, "disable", name)
}

func (s *ServiceManager) systemctl(ctx context.Context, action, name string) Result {
	return s.exec.Run(ctx, Spec{
		Command: "systemctl",
		Args:    []string{action, name},
		Sudo:    s.sudo,
	})
}
