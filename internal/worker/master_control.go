package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/ledger"
	"github.com/clipcast/autopilot/internal/observability"
	"github.com/clipcast/autopilot/internal/pkg/logger"
)

// ErrUnknownComponent is returned when a restart names a component that was
// never registered.
var ErrUnknownComponent = errors.New("unknown component")

// ControlStore is the heartbeat-and-flag slice of the control repository.
type ControlStore interface {
	HeartbeatStore
	FlagStore
	ListHeartbeats(ctx context.Context) ([]domain.Heartbeat, error)
	SetFlag(ctx context.Context, key, value string) error
	DeleteFlag(ctx context.Context, key string) error
	FlagSetSince(ctx context.Context, key string, since time.Time) (bool, error)
}

// ErrorCounter reads severity counts from the ledger for the health report.
type ErrorCounter interface {
	CountSince(ctx context.Context, severity string, since time.Time) (int, error)
}

// AdsPauser is how emergency stop reaches the ads orchestrator.
type AdsPauser interface {
	PauseAll(ctx context.Context) ([]string, error)
}

// managed is one registered component loop.
type managed struct {
	name string
	run  func(ctx context.Context)
}

type managedProc struct {
	def    managed
	cancel context.CancelFunc
	done   chan struct{}
}

// ComponentStatus is one row of the health report.
type ComponentStatus struct {
	Component  string                 `json:"component"`
	State      domain.HealthState     `json:"state"`
	LastSeen   time.Time              `json:"last_seen"`
	AgeSeconds float64                `json:"age_seconds"`
	Stats      map[string]interface{} `json:"stats,omitempty"`
}

// HealthReport is what RunHealthCheck returns and the control API serves.
type HealthReport struct {
	CheckedAt     time.Time         `json:"checked_at"`
	Components    []ComponentStatus `json:"components"`
	Errors24h     int               `json:"errors_24h"`
	Critical      bool              `json:"critical"`
	EmergencyStop bool              `json:"emergency_stop"`
}

// MasterControl supervises the component loops in this process: it starts
// and stops them, classifies their heartbeats, auto-restarts offline loops
// once per cooldown, and owns the emergency stop lever.
type MasterControl struct {
	cfg     config.MasterConfig
	control ControlStore
	events  ledger.Recorder
	errors  ErrorCounter
	ads     AdsPauser

	nowFn func() time.Time

	mu     sync.Mutex
	parent context.Context
	defs   []managed
	procs  map[string]*managedProc

	restarts int64
}

// NewMasterControl wires the supervisor. ads may be nil in processes that do
// not carry the orchestrator.
func NewMasterControl(cfg config.MasterConfig, control ControlStore, events ledger.Recorder, errors ErrorCounter, ads AdsPauser) *MasterControl {
	return &MasterControl{
		cfg:     cfg,
		control: control,
		events:  events,
		errors:  errors,
		ads:     ads,
		nowFn:   func() time.Time { return time.Now().UTC() },
		procs:   map[string]*managedProc{},
	}
}

// Register adds a component loop under supervision. Call before Run; names
// must be unique.
func (m *MasterControl) Register(name string, run func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs = append(m.defs, managed{name: name, run: run})
}

// Run starts every registered loop, then health-checks on the heartbeat
// interval until ctx is cancelled. Loops are stopped on the way out.
func (m *MasterControl) Run(ctx context.Context) {
	m.mu.Lock()
	m.parent = ctx
	n := len(m.defs)
	m.mu.Unlock()

	logger.Info("master control starting",
		"components", n, "heartbeat_interval", m.cfg.HeartbeatInterval().String())
	m.StartAll()

	runLoop(ctx, m.cfg.HeartbeatInterval(), func(c context.Context) {
		m.RunHealthCheck(c)
	})
	m.StopAll()
}

// StartAll launches every registered component that is not already running.
// Loops that honor the emergency flag come up idle while it is set.
func (m *MasterControl) StartAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, def := range m.defs {
		m.startLocked(def)
	}
}

func (m *MasterControl) startLocked(def managed) {
	if _, running := m.procs[def.name]; running {
		return
	}
	parent := m.parent
	if parent == nil {
		parent = context.Background()
	}
	cctx, cancel := context.WithCancel(parent)
	p := &managedProc{def: def, cancel: cancel, done: make(chan struct{})}
	m.procs[def.name] = p
	go func() {
		defer close(p.done)
		def.run(cctx)
	}()
	logger.Info("component started", "component", def.name)
}

// StopAll cancels every running loop and waits for each to drain.
func (m *MasterControl) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		m.Stop(name)
	}
}

// Stop cancels one component loop and waits for it to return.
func (m *MasterControl) Stop(name string) {
	m.mu.Lock()
	p, ok := m.procs[name]
	if ok {
		delete(m.procs, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	<-p.done
	logger.Info("component stopped", "component", name)
}

// Running reports whether a component loop is currently started.
func (m *MasterControl) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[name]
	return ok
}

// Restart bounces one component on operator command.
func (m *MasterControl) Restart(ctx context.Context, name string) error {
	return m.restart(ctx, name, "operator")
}

func (m *MasterControl) restart(ctx context.Context, name, trigger string) error {
	def, ok := m.definition(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	m.Stop(name)
	m.mu.Lock()
	m.startLocked(def)
	m.mu.Unlock()

	atomic.AddInt64(&m.restarts, 1)
	m.events.Log(ctx, domain.EventComponentRestarted, domain.EntityComponent, name,
		domain.SeverityWarn, map[string]interface{}{
			"component": name,
			"trigger":   trigger,
		})
	logger.Warn("component restarted", "component", name, "trigger", trigger)
	return nil
}

func (m *MasterControl) definition(name string) (managed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, def := range m.defs {
		if def.name == name {
			return def, true
		}
	}
	return managed{}, false
}

// EmergencyStop raises the shared flag, halts the mutating loops, and pauses
// every active ad campaign. The flag goes up first: anything mid-tick sees
// it on its next claim.
func (m *MasterControl) EmergencyStop(ctx context.Context, reason string) error {
	if err := m.control.SetFlag(ctx, domain.FlagEmergencyStop, reason); err != nil {
		return fmt.Errorf("set emergency flag: %w", err)
	}
	for _, name := range []string{ComponentPublisher, ComponentOptimizer} {
		m.Stop(name)
	}

	var paused []string
	if m.ads != nil {
		ids, err := m.ads.PauseAll(ctx)
		if err != nil {
			logger.Error("emergency campaign pause failed", "error", err.Error())
		}
		paused = ids
	}

	m.events.Log(ctx, domain.EventEmergencyStop, domain.EntityComponent, ComponentMaster,
		domain.SeverityError, map[string]interface{}{
			"reason":           reason,
			"paused_campaigns": len(paused),
		})
	logger.Error("emergency stop engaged", "reason", reason, "paused_campaigns", len(paused))
	return nil
}

// Resume clears the emergency flag and restarts the halted loops. Campaigns
// stay paused: restoring spend is a per-campaign operator decision.
func (m *MasterControl) Resume(ctx context.Context) error {
	if err := m.control.DeleteFlag(ctx, domain.FlagEmergencyStop); err != nil {
		return fmt.Errorf("clear emergency flag: %w", err)
	}
	m.StartAll()
	m.events.Log(ctx, domain.EventEmergencyResume, domain.EntityComponent, ComponentMaster,
		domain.SeverityWarn, map[string]interface{}{})
	logger.Warn("emergency stop cleared, loops restarted")
	return nil
}

// RunHealthCheck classifies every component heartbeat, publishes the health
// gauges, converges the system-critical flag, and auto-restarts offline
// loops at most once per cooldown.
func (m *MasterControl) RunHealthCheck(ctx context.Context) *HealthReport {
	defer m.heartbeat(ctx)

	now := m.nowFn()
	report := &HealthReport{CheckedAt: now}

	if _, stopped, err := m.control.GetFlag(ctx, domain.FlagEmergencyStop); err != nil {
		logger.Error("emergency flag read failed", "error", err.Error())
	} else {
		report.EmergencyStop = stopped
	}

	beats, err := m.control.ListHeartbeats(ctx)
	if err != nil {
		logger.Error("list heartbeats failed", "error", err.Error())
		return report
	}

	var offline []string
	for _, hb := range beats {
		if hb.Component == ComponentMaster {
			// Self-diagnosis is the ticker running this code.
			continue
		}
		age := now.Sub(hb.LastSeen)
		state := m.classify(age)
		report.Components = append(report.Components, ComponentStatus{
			Component:  hb.Component,
			State:      state,
			LastSeen:   hb.LastSeen,
			AgeSeconds: age.Seconds(),
			Stats:      hb.Stats,
		})
		observability.ComponentHealth.WithLabelValues(hb.Component).Set(healthGauge(state))
		if state == domain.HealthOffline {
			offline = append(offline, hb.Component)
		}
	}

	if errs, err := m.errors.CountSince(ctx, string(domain.SeverityError), now.Add(-24*time.Hour)); err != nil {
		logger.Error("ledger error count failed", "error", err.Error())
	} else {
		report.Errors24h = errs
	}

	report.Critical = len(offline) > 0
	m.convergeCriticalFlag(ctx, report.Critical, offline)

	for _, name := range offline {
		m.autoRestart(ctx, name, now)
	}
	return report
}

func (m *MasterControl) classify(age time.Duration) domain.HealthState {
	switch {
	case age <= m.cfg.DegradedAfter():
		return domain.HealthOnline
	case age <= m.cfg.OfflineAfter():
		return domain.HealthDegraded
	default:
		return domain.HealthOffline
	}
}

func healthGauge(s domain.HealthState) float64 {
	switch s {
	case domain.HealthOnline:
		return 1
	case domain.HealthDegraded:
		return 0.5
	default:
		return 0
	}
}

// convergeCriticalFlag keeps the shared flag equal to the computed state so
// the optimizer's health guard sees what this check saw.
func (m *MasterControl) convergeCriticalFlag(ctx context.Context, critical bool, offline []string) {
	_, set, err := m.control.GetFlag(ctx, domain.FlagSystemCritical)
	if err != nil {
		logger.Error("system critical flag read failed", "error", err.Error())
		return
	}
	switch {
	case critical && !set:
		if err := m.control.SetFlag(ctx, domain.FlagSystemCritical, strings.Join(offline, ",")); err != nil {
			logger.Error("system critical flag set failed", "error", err.Error())
			return
		}
		logger.Warn("system health critical", "offline", strings.Join(offline, ","))
	case !critical && set:
		if err := m.control.DeleteFlag(ctx, domain.FlagSystemCritical); err != nil {
			logger.Error("system critical flag clear failed", "error", err.Error())
			return
		}
		logger.Info("system health recovered")
	}
}

// autoRestart bounces an offline component at most once per cooldown. A
// second offline detection inside the window escalates to the ledger for a
// human instead.
func (m *MasterControl) autoRestart(ctx context.Context, name string, now time.Time) {
	if _, registered := m.definition(name); !registered {
		// Heartbeat from a loop another process owns.
		return
	}
	key := "restart:" + name
	recent, err := m.control.FlagSetSince(ctx, key, now.Add(-m.cfg.RestartCooldown()))
	if err != nil {
		logger.Error("restart cooldown check failed", "component", name, "error", err.Error())
		return
	}
	if recent {
		m.events.Log(ctx, domain.EventComponentEscalated, domain.EntityComponent, name,
			domain.SeverityError, map[string]interface{}{
				"component": name,
				"cooldown":  m.cfg.RestartCooldown().String(),
			})
		logger.Error("component offline inside restart cooldown, escalating", "component", name)
		return
	}
	if err := m.control.SetFlag(ctx, key, now.Format(time.RFC3339)); err != nil {
		logger.Error("restart flag set failed", "component", name, "error", err.Error())
		return
	}
	if err := m.restart(ctx, name, "auto"); err != nil {
		logger.Error("auto restart failed", "component", name, "error", err.Error())
	}
}

func (m *MasterControl) heartbeat(ctx context.Context) {
	m.mu.Lock()
	running := len(m.procs)
	m.mu.Unlock()
	beat(ctx, m.control, ComponentMaster, map[string]interface{}{
		"running":  running,
		"restarts": atomic.LoadInt64(&m.restarts),
	})
}
