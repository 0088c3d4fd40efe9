// Package autoscale ensures the browser fleet has enough capacity for
// the sessions a batch of runs needs, and scales it back down once
// idle. The control plane itself is external (an orchestration tool
// chosen at deploy time); this package only defines the narrow
// interface a concrete implementation must satisfy, rather than
// hard-coding one vendor's SDK.
package autoscale

import (
	"context"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/arca/workflow-orchestrator/infrastructure/errs"
	"github.com/arca/workflow-orchestrator/infrastructure/logging"
	"github.com/arca/workflow-orchestrator/infrastructure/metrics"
	"github.com/arca/workflow-orchestrator/infrastructure/resilience"
)

// HubStatus reports how many fleet nodes are currently non-DOWN.
type HubStatus struct {
	ReadyNodes int
	Active     int // sessions currently in use, across the fleet
}

// ControlPlane is the narrow collaborator the autoscaler drives.
// Concrete orchestration (Kubernetes, Selenium Grid, a VM pool) is out
// of scope; a production build supplies a real implementation.
type ControlPlane interface {
	ScaleTo(ctx context.Context, nodes int) error
	HubStatus(ctx context.Context) (HubStatus, error)
}

// Config bounds the autoscaler's behavior.
type Config struct {
	MinNodes        int
	MaxNodes        int
	SessionsPerNode int
	IdleTimeout     time.Duration
	CheckInterval   time.Duration
}

// DefaultConfig returns conservative defaults for a small fleet.
func DefaultConfig() Config {
	return Config{
		MinNodes:        1,
		MaxNodes:        10,
		SessionsPerNode: 4,
		IdleTimeout:     5 * time.Minute,
		CheckInterval:   30 * time.Second,
	}
}

// Autoscaler tracks the fleet's current node count and scales it to
// match demand, wrapped in a circuit breaker so a wedged control plane
// fails fast instead of blocking every ensure_capacity call.
type Autoscaler struct {
	cfg     Config
	plane   ControlPlane
	cb      *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu            sync.Mutex
	currentNodes  int
	sessionsInUse int
	lastActivity  time.Time
}

// New builds an Autoscaler starting at cfg.MinNodes nodes.
func New(cfg Config, plane ControlPlane, m *metrics.Metrics, l *logging.Logger) *Autoscaler {
	return &Autoscaler{
		cfg:          cfg,
		plane:        plane,
		cb:           resilience.New(resilience.DefaultConfig()),
		metrics:      m,
		logger:       l,
		currentNodes: cfg.MinNodes,
		lastActivity: time.Now(),
	}
}

// CurrentNodes returns the autoscaler's last-known node count.
func (a *Autoscaler) CurrentNodes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentNodes
}

// EnsureCapacity computes the nodes needed for sessionsNeeded concurrent
// browser sessions, capped at MaxNodes, and scales up if short. It waits
// up to 30s for the hub to confirm the new nodes are ready; a timeout
// returns an error but leaves existing capacity in place so the run can
// still proceed on it.
func (a *Autoscaler) EnsureCapacity(ctx context.Context, sessionsNeeded int) error {
	nodesNeeded := int(math.Ceil(float64(sessionsNeeded) / float64(a.cfg.SessionsPerNode)))
	if nodesNeeded > a.cfg.MaxNodes {
		nodesNeeded = a.cfg.MaxNodes
	}

	a.mu.Lock()
	delta := nodesNeeded - a.currentNodes
	a.mu.Unlock()
	if delta <= 0 {
		return nil
	}

	if err := a.ScaleUp(ctx, delta); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := a.probeHub(waitCtx)
		if err == nil && status.ReadyNodes >= nodesNeeded {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return errs.Timeout("ensure_capacity")
		case <-ticker.C:
		}
	}
}

// TryAcquireSession reserves one browser-session slot if the fleet has
// spare capacity (SessionsPerNode × current nodes). Acquisition marks
// fleet activity so the idle monitor never scales down under a run that
// just started.
func (a *Autoscaler) TryAcquireSession() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionsInUse >= a.cfg.SessionsPerNode*a.currentNodes {
		return false
	}
	a.sessionsInUse++
	a.lastActivity = time.Now()
	return true
}

// AcquireSession blocks until a slot within the fleet's current capacity
// frees up (capacity moves as scale events land) or ctx ends.
func (a *Autoscaler) AcquireSession(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a.TryAcquireSession() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errs.Timeout("acquire_session")
		case <-ticker.C:
		}
	}
}

// ReleaseSession returns a slot taken by TryAcquireSession/AcquireSession.
func (a *Autoscaler) ReleaseSession() {
	a.mu.Lock()
	if a.sessionsInUse > 0 {
		a.sessionsInUse--
	}
	a.mu.Unlock()
}

// SessionsInUse reports the number of leased browser-session slots.
func (a *Autoscaler) SessionsInUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionsInUse
}

// ScaleUp asks the control plane for delta additional nodes and bumps
// CurrentNodes on success.
func (a *Autoscaler) ScaleUp(ctx context.Context, delta int) error {
	return a.scaleDelta(ctx, delta)
}

// ScaleDown asks the control plane to remove delta nodes and decrements
// CurrentNodes on success. Never scales below MinNodes.
func (a *Autoscaler) ScaleDown(ctx context.Context, delta int) error {
	a.mu.Lock()
	if a.currentNodes-delta < a.cfg.MinNodes {
		delta = a.currentNodes - a.cfg.MinNodes
	}
	a.mu.Unlock()
	if delta <= 0 {
		return nil
	}
	return a.scaleDelta(ctx, -delta)
}

func (a *Autoscaler) scaleDelta(ctx context.Context, delta int) error {
	a.mu.Lock()
	target := a.currentNodes + delta
	a.mu.Unlock()

	err := a.cb.Execute(ctx, func() error {
		return a.plane.ScaleTo(ctx, target)
	})
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordFleetScale(direction(delta), "error")
		}
		return errs.TransientInfrastructure("fleet_control_plane", err)
	}

	a.mu.Lock()
	a.currentNodes = target
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.SetFleetCapacity(target)
		a.metrics.RecordFleetScale(direction(delta), "success")
	}
	return nil
}

func direction(delta int) string {
	if delta >= 0 {
		return "up"
	}
	return "down"
}

func (a *Autoscaler) probeHub(ctx context.Context) (HubStatus, error) {
	var status HubStatus
	err := a.cb.Execute(ctx, func() error {
		s, err := a.plane.HubStatus(ctx)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	if err != nil {
		return HubStatus{}, errs.TransientInfrastructure("fleet_control_plane", err)
	}
	if a.metrics != nil {
		a.metrics.SetFleetInUse(status.Active)
	}
	return status, nil
}

// MonitorLoop runs the idle-timeout scale-down loop until ctx is
// cancelled. Every CheckInterval it probes the hub; if any session is
// active, last activity resets. If idle for at least IdleTimeout and the
// fleet is above MinNodes, it scales down by one node.
func (a *Autoscaler) MonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := a.probeHub(ctx)
			if err != nil {
				if a.logger != nil {
					a.logger.WithError(err).Warn("fleet hub probe failed")
				}
				continue
			}

			a.mu.Lock()
			if status.Active > 0 {
				a.lastActivity = time.Now()
			}
			idleFor := time.Since(a.lastActivity)
			aboveMin := a.currentNodes > a.cfg.MinNodes
			a.mu.Unlock()

			if status.Active == 0 && idleFor >= a.cfg.IdleTimeout && aboveMin {
				if err := a.ScaleDown(ctx, 1); err != nil && a.logger != nil {
					a.logger.WithError(err).Warn("idle scale-down failed")
				}
				a.mu.Lock()
				a.lastActivity = time.Now()
				a.mu.Unlock()
			}
		}
	}
}

// ExecControlPlane shells out to an external command to perform scaling
// and readiness probes, keeping the choice of orchestration tool an
// operator decision.
type ExecControlPlane struct {
	ScaleCommand string
	ScaleArgs    []string
	ProbeCommand string
	ProbeArgs    []string
}

// ScaleTo invokes ScaleCommand with ScaleArgs plus the target node count.
func (e ExecControlPlane) ScaleTo(ctx context.Context, nodes int) error {
	args := append(append([]string{}, e.ScaleArgs...), strconv.Itoa(nodes))
	cmd := exec.CommandContext(ctx, e.ScaleCommand, args...)
	return cmd.Run()
}

// HubStatus invokes ProbeCommand and reports the fleet as fully ready;
// a concrete deployment replaces this with real status parsing.
func (e ExecControlPlane) HubStatus(ctx context.Context) (HubStatus, error) {
	cmd := exec.CommandContext(ctx, e.ProbeCommand, e.ProbeArgs...)
	if err := cmd.Run(); err != nil {
		return HubStatus{}, err
	}
	return HubStatus{ReadyNodes: math.MaxInt32}, nil
}
