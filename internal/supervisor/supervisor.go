// Package supervisor owns the lifecycle of every configured adapter
// handle: starting them, pinging them for liveness, restarting them
// with exponential backoff, and dispatching commands to them (spec
// §4.5).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/matthias-trip/holms-sub001/internal/adapter"
	"github.com/matthias-trip/holms-sub001/internal/secretstore"
	"github.com/matthias-trip/holms-sub001/internal/wire"
)

// Backoff and health-check constants (spec §4.5).
const (
	backoffFloor   = 2 * time.Second
	backoffCeiling = 60 * time.Second
	pingInterval   = 30 * time.Second
	pingTimeout    = 10 * time.Second
	failureLimit   = 3
	echoWindow     = 5 * time.Second

	onboardingPrefix = "__onboarding_"
)

// ErrUnknownAdapter is returned by dispatch calls against an adapterId
// the supervisor has no handle for.
var ErrUnknownAdapter = errors.New("supervisor: unknown adapter")

// EntryResolver resolves an adapter type to its executable entry path;
// satisfied by internal/registry.Registry.
type EntryResolver interface {
	Resolve(adapterType string) (string, error)
}

// Callbacks are invoked as adapters come up, go down, and register
// entities. The supervisor holds these by value at construction so a
// handle never needs a back-pointer to its owner (spec §9 cyclic
// reference note).
type Callbacks struct {
	OnReachabilityChange func(adapterID string, reachable bool)
	OnEntityRegistration func(adapterID string, entities []wire.EntityRegistration, groups []wire.EntityGroup)
	OnStateChanged       func(adapterID, entityID, property string, state, previousState map[string]any)
}

// RestartRecorder is the subset of internal/metrics.Collectors the
// supervisor needs; satisfied by *metrics.Collectors. Declared here
// rather than imported to keep this package free of the metrics
// dependency when it isn't wanted (e.g. in unit tests).
type RestartRecorder interface {
	IncRestart(adapterID, adapterType string)
}

// Health is a point-in-time snapshot of one managed handle.
type Health struct {
	AdapterID           string
	AdapterType         string
	State               adapter.State
	RestartCount        int
	ConsecutiveFailures int
	LastPing            time.Time
}

type managed struct {
	mu sync.Mutex

	id          string
	adapterType string
	config      map[string]any

	handle *adapter.Handle

	consecutiveFailures int
	restartCount        int
	backoff             time.Duration
	lastPing            time.Time

	cancel context.CancelFunc
}

// Supervisor manages N adapter handles keyed by adapter id.
type Supervisor struct {
	mu       sync.RWMutex
	handles  map[string]*managed
	resolver EntryResolver
	secrets  *secretstore.Store
	cb       Callbacks
	metrics  RestartRecorder

	echoMu sync.Mutex
	echoes map[string]time.Time
}

// New constructs a Supervisor with no handles started.
func New(resolver EntryResolver, secrets *secretstore.Store, cb Callbacks) *Supervisor {
	return &Supervisor{
		handles:  make(map[string]*managed),
		resolver: resolver,
		secrets:  secrets,
		cb:       cb,
		echoes:   make(map[string]time.Time),
	}
}

// SetMetrics wires a restart recorder in after construction, since the
// metrics collectors and the supervisor are built independently by the
// app composition root.
func (s *Supervisor) SetMetrics(m RestartRecorder) {
	s.metrics = m
}

// Start brings up a persistent adapter instance and begins supervising
// it (ping loop, restart-on-failure). It returns the outcome of the
// first boot attempt; the handle continues to be supervised (and
// retried with backoff) even if this first attempt fails.
func (s *Supervisor) Start(id, adapterType string, config map[string]any) error {
	s.mu.Lock()
	if _, exists := s.handles[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: adapter %s already started", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &managed{
		id:          id,
		adapterType: adapterType,
		config:      config,
		backoff:     backoffFloor,
		cancel:      cancel,
	}
	s.handles[id] = m
	s.mu.Unlock()

	bootErr := s.boot(m)
	go s.superviseLoop(ctx, m)
	return bootErr
}

// StartOnboarding spawns a short-lived handle with an empty config bag
// for interactive discover/pair flows (spec §4.5.4). It returns the
// synthesised adapter id.
func (s *Supervisor) StartOnboarding(adapterType string) (string, error) {
	id := onboardingPrefix + adapterType
	if err := s.Start(id, adapterType, map[string]any{}); err != nil {
		return id, err
	}
	return id, nil
}

// StopOnboarding tears down the onboarding handle for adapterType, if
// one is running. It is a no-op if none exists.
func (s *Supervisor) StopOnboarding(ctx context.Context, adapterType string) error {
	id := onboardingPrefix + adapterType
	return s.Stop(ctx, id)
}

func (s *Supervisor) boot(m *managed) error {
	entryPath, err := s.resolver.Resolve(m.adapterType)
	if err != nil {
		if s.cb.OnReachabilityChange != nil {
			s.cb.OnReachabilityChange(m.id, false)
		}
		return fmt.Errorf("supervisor: resolve %s: %w", m.adapterType, err)
	}

	h := adapter.New(m.id, m.adapterType, entryPath, m.config, s.secrets, func(p wire.StateChangedPayload) {
		s.handleStateChanged(m.id, p)
	})

	ctx, cancel := context.WithTimeout(context.Background(), adapter.ReadyTimeout+2*time.Second)
	defer cancel()

	info, err := h.Start(ctx)

	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()

	if err != nil {
		if s.cb.OnReachabilityChange != nil {
			s.cb.OnReachabilityChange(m.id, false)
		}
		log.Warn().Err(err).Str("adapterId", m.id).Msg("Adapter failed to start")
		return err
	}

	m.mu.Lock()
	m.consecutiveFailures = 0
	m.backoff = backoffFloor
	m.mu.Unlock()

	if s.cb.OnEntityRegistration != nil {
		s.cb.OnEntityRegistration(m.id, info.Entities, info.Groups)
	}
	if s.cb.OnReachabilityChange != nil {
		s.cb.OnReachabilityChange(m.id, true)
	}
	return nil
}

// superviseLoop runs for the lifetime of a managed handle: it pings a
// running handle on an interval and, when the handle is down, retries
// booting it with exponential backoff.
func (s *Supervisor) superviseLoop(ctx context.Context, m *managed) {
	initialDelay := pingInterval
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil || h.State() != adapter.StateRunning {
		initialDelay = m.currentBackoff()
	}

	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.mu.Lock()
		h := m.handle
		m.mu.Unlock()

		if h == nil || h.State() != adapter.StateRunning {
			s.retryBoot(ctx, m)
			timer.Reset(m.currentBackoff())
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := h.Ping(pingCtx)
		cancel()

		if err != nil {
			m.mu.Lock()
			m.consecutiveFailures++
			failures := m.consecutiveFailures
			m.mu.Unlock()

			if failures >= failureLimit {
				log.Warn().Str("adapterId", m.id).Int("failures", failures).Msg("Adapter failed liveness checks, restarting")
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = h.Stop(stopCtx)
				stopCancel()
				if s.cb.OnReachabilityChange != nil {
					s.cb.OnReachabilityChange(m.id, false)
				}
				s.retryBoot(ctx, m)
				timer.Reset(m.currentBackoff())
				continue
			}
		} else {
			m.mu.Lock()
			m.consecutiveFailures = 0
			m.lastPing = time.Now()
			m.mu.Unlock()
		}

		timer.Reset(pingInterval)
	}
}

func (m *managed) currentBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff
}

func (s *Supervisor) retryBoot(ctx context.Context, m *managed) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	m.mu.Lock()
	m.restartCount++
	m.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncRestart(m.id, m.adapterType)
	}

	if err := s.boot(m); err != nil {
		log.Warn().Err(err).Str("adapterId", m.id).Msg("Adapter restart attempt failed")

		m.mu.Lock()
		next := m.backoff * 2
		if next > backoffCeiling {
			next = backoffCeiling
		}
		m.backoff = next
		m.mu.Unlock()
	}
}

func (s *Supervisor) handleStateChanged(adapterID string, p wire.StateChangedPayload) {
	if s.consumeEcho(p.EntityID, p.Property) {
		return
	}
	if s.cb.OnStateChanged != nil {
		s.cb.OnStateChanged(adapterID, p.EntityID, p.Property, p.State, p.PreviousState)
	}
}

func echoKey(entityID, property string) string {
	return entityID + "\x00" + property
}

// registerEcho records that a state_changed for (entityId, property)
// within echoWindow is the expected side effect of a command this
// supervisor just issued, and should be suppressed rather than fanned
// out (spec §4.7 step 1). The wire protocol's state_changed payload
// carries no command name, so suppression is keyed on (entityId,
// property) rather than the full (deviceId, commandName) pair the
// spec describes for the triage layer above this one.
func (s *Supervisor) registerEcho(entityID, property string) {
	s.echoMu.Lock()
	s.echoes[echoKey(entityID, property)] = time.Now().Add(echoWindow)
	s.echoMu.Unlock()
}

func (s *Supervisor) consumeEcho(entityID, property string) bool {
	key := echoKey(entityID, property)
	s.echoMu.Lock()
	defer s.echoMu.Unlock()

	deadline, ok := s.echoes[key]
	if !ok {
		return false
	}
	delete(s.echoes, key)
	return time.Now().Before(deadline)
}

func (s *Supervisor) lookup(adapterID string) (*managed, error) {
	s.mu.RLock()
	m, ok := s.handles[adapterID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, adapterID)
	}
	return m, nil
}

func (s *Supervisor) runningHandle(adapterID string) (*adapter.Handle, error) {
	m, err := s.lookup(adapterID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil || h.State() != adapter.StateRunning {
		return nil, fmt.Errorf("%w: %s is not running", adapter.ErrNotRunning, adapterID)
	}
	return h, nil
}

// Observe delegates to the named handle (spec §4.5.5).
func (s *Supervisor) Observe(ctx context.Context, adapterID, entityID, property string) (map[string]any, error) {
	h, err := s.runningHandle(adapterID)
	if err != nil {
		return nil, err
	}
	return h.Observe(ctx, entityID, property)
}

// Execute delegates to the named handle and registers a command-echo
// suppression window before dispatching (spec §4.7 step 1).
func (s *Supervisor) Execute(ctx context.Context, adapterID, entityID, property string, command map[string]any) error {
	h, err := s.runningHandle(adapterID)
	if err != nil {
		return err
	}
	s.registerEcho(entityID, property)
	return h.Execute(ctx, entityID, property, command)
}

// Query delegates to the named handle.
func (s *Supervisor) Query(ctx context.Context, adapterID, entityID, property string, params map[string]any) ([]map[string]any, int, bool, error) {
	h, err := s.runningHandle(adapterID)
	if err != nil {
		return nil, 0, false, err
	}
	return h.Query(ctx, entityID, property, params)
}

// Discover delegates to the named handle, typically an onboarding one.
func (s *Supervisor) Discover(ctx context.Context, adapterID string, params map[string]any) ([]wire.Gateway, string, error) {
	h, err := s.runningHandle(adapterID)
	if err != nil {
		return nil, "", err
	}
	return h.Discover(ctx, params)
}

// Pair delegates to the named handle, typically an onboarding one.
func (s *Supervisor) Pair(ctx context.Context, adapterID string, params map[string]any) (bool, map[string]any, string, error) {
	h, err := s.runningHandle(adapterID)
	if err != nil {
		return false, nil, "", err
	}
	return h.Pair(ctx, params)
}

// Logs returns a snapshot of adapterID's log ring, for the operator
// CLI's `adapters logs` subcommand.
func (s *Supervisor) Logs(adapterID string) ([]adapter.LogEntry, error) {
	m, err := s.lookup(adapterID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", adapter.ErrNotRunning, adapterID)
	}
	return h.Logs(), nil
}

// SubscribeLogs live-streams adapterID's log entries to fn until the
// handle is replaced by a restart; the new handle starts with no
// subscriber.
func (s *Supervisor) SubscribeLogs(adapterID string, fn func(adapter.LogEntry)) error {
	m, err := s.lookup(adapterID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		return fmt.Errorf("%w: %s", adapter.ErrNotRunning, adapterID)
	}
	h.SubscribeLogs(fn)
	return nil
}

// Health returns a snapshot of every managed handle.
func (s *Supervisor) Health() []Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Health, 0, len(s.handles))
	for id, m := range s.handles {
		m.mu.Lock()
		state := adapter.StateStopped
		if m.handle != nil {
			state = m.handle.State()
		}
		out = append(out, Health{
			AdapterID:           id,
			AdapterType:         m.adapterType,
			State:               state,
			RestartCount:        m.restartCount,
			ConsecutiveFailures: m.consecutiveFailures,
			LastPing:            m.lastPing,
		})
		m.mu.Unlock()
	}
	return out
}

// Stop tears down one handle and removes it from supervision.
func (s *Supervisor) Stop(ctx context.Context, adapterID string) error {
	s.mu.Lock()
	m, ok := s.handles[adapterID]
	if ok {
		delete(s.handles, adapterID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	m.cancel()
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Stop(ctx)
}

// StopAll tears down every handle concurrently and waits for all of
// them to settle (spec §5 "every handle's stop() runs concurrently").
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return s.Stop(ctx, id)
		})
	}
	return g.Wait()
}
