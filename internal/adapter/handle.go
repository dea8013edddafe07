// Package adapter manages one child adapter process: spawning it,
// speaking the wire protocol on its stdin/stdout, and correlating
// requests with responses (spec §4.4 "Adapter handle").
package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/matthias-trip/holms-sub001/internal/secretstore"
	"github.com/matthias-trip/holms-sub001/internal/wire"
)

// Per-operation timeouts (spec §4.4 "Timeouts").
const (
	ReadyTimeout    = 10 * time.Second
	ObserveTimeout  = 10 * time.Second
	ExecuteTimeout  = 10 * time.Second
	PingTimeout     = 10 * time.Second
	QueryTimeout    = 30 * time.Second
	DiscoverTimeout = 30 * time.Second
	PairTimeout     = 60 * time.Second

	stopGraceful = 5 * time.Second
	stopKill     = 7 * time.Second
)

// ReadyInfo is what a successful Start returns: the entities and
// optional groups the child registered.
type ReadyInfo struct {
	Entities []wire.EntityRegistration
	Groups   []wire.EntityGroup
}

// StateChangeFunc is invoked for every unsolicited state_changed
// message a running child emits.
type StateChangeFunc func(wire.StateChangedPayload)

// Handle supervises a single adapter child process. It is safe for
// concurrent use; Observe/Execute/Query/Ping/Discover/Pair may be
// called concurrently from multiple goroutines.
type Handle struct {
	ID          string
	AdapterType string
	entryPath   string
	config      map[string]any
	secrets     *secretstore.Store

	onStateChange StateChangeFunc
	logs          *logRing

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending *pendingTable
	done    chan struct{}
	exitErr error
}

// New constructs a handle that has not yet been started.
func New(id, adapterType, entryPath string, config map[string]any, secrets *secretstore.Store, onStateChange StateChangeFunc) *Handle {
	return &Handle{
		ID:            id,
		AdapterType:   adapterType,
		entryPath:     entryPath,
		config:        config,
		secrets:       secrets,
		onStateChange: onStateChange,
		logs:          newLogRing(),
		state:         StateStopped,
		pending:       newPendingTable(),
	}
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Logs returns a snapshot of the handle's recent log ring.
func (h *Handle) Logs() []LogEntry {
	return h.logs.Snapshot()
}

// SubscribeLogs attaches a live callback for new log entries; pass nil
// to detach.
func (h *Handle) SubscribeLogs(fn func(LogEntry)) {
	h.logs.Subscribe(fn)
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Start spawns the child process, performs the init/ready handshake,
// and begins the background read loop. It blocks until the child is
// ready or ReadyTimeout elapses.
func (h *Handle) Start(ctx context.Context) (ReadyInfo, error) {
	h.mu.Lock()
	if h.state != StateStopped && h.state != StateCrashed {
		h.mu.Unlock()
		return ReadyInfo{}, ErrAlreadyStarted
	}
	h.state = StateStarting
	h.mu.Unlock()

	resolvedConfig, err := h.secrets.ResolveBag(h.config)
	if err != nil {
		h.setState(StateCrashed)
		return ReadyInfo{}, fmt.Errorf("adapter: resolve config secrets: %w", err)
	}

	cmd := exec.Command(h.entryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.setState(StateCrashed)
		return ReadyInfo{}, fmt.Errorf("adapter: open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.setState(StateCrashed)
		return ReadyInfo{}, fmt.Errorf("adapter: open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.setState(StateCrashed)
		return ReadyInfo{}, fmt.Errorf("adapter: open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		h.setState(StateCrashed)
		return ReadyInfo{}, fmt.Errorf("adapter: spawn child: %w", err)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.stdin = stdin
	h.done = make(chan struct{})
	h.mu.Unlock()

	// the ready handshake has no requestId; use a reserved sentinel key
	// that dispatch delivers the ready payload to directly.
	readyCh := h.pending.register("__ready__")

	go h.readLoop(stdout)
	go h.readStderr(stderr)
	go h.waitExit()

	init := wire.NewInit(h.ID, h.AdapterType, resolvedConfig)
	if err := h.writeMessage(init); err != nil {
		h.setState(StateCrashed)
		return ReadyInfo{}, fmt.Errorf("adapter: write init: %w", err)
	}

	select {
	case msg := <-readyCh:
		if msg.Ready == nil {
			h.setState(StateCrashed)
			return ReadyInfo{}, fmt.Errorf("adapter: expected ready, got %s", msg.Type)
		}
		h.setState(StateRunning)
		return ReadyInfo{Entities: msg.Ready.Entities, Groups: msg.Ready.Groups}, nil
	case <-time.After(ReadyTimeout):
		h.pending.cancel("__ready__")
		_ = h.killNow()
		h.setState(StateCrashed)
		return ReadyInfo{}, ErrReadyTimeout
	case <-ctx.Done():
		h.pending.cancel("__ready__")
		_ = h.killNow()
		h.setState(StateCrashed)
		return ReadyInfo{}, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		exitErr := h.exitErr
		h.mu.Unlock()
		h.setState(StateCrashed)
		return ReadyInfo{}, fmt.Errorf("adapter: child exited during startup: %w", exitErr)
	}
}

func (h *Handle) writeMessage(v any) error {
	line, err := wire.Encode(v)
	if err != nil {
		return err
	}
	h.mu.Lock()
	stdin := h.stdin
	h.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}
	_, err = stdin.Write(line)
	return err
}

func (h *Handle) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := wire.ParseChildLine(line)
		if err != nil {
			h.logs.push(LogEntry{Time: now(), Level: LogWarn, Message: "unparseable line: " + string(line)})
			continue
		}
		h.dispatch(msg)
	}
}

func (h *Handle) dispatch(msg wire.ChildMessage) {
	switch msg.Type {
	case wire.TypeReady:
		h.pending.deliver("__ready__", msg)
	case wire.TypeObserveResult:
		h.pending.deliver(msg.ObserveResult.RequestID, msg)
	case wire.TypeExecuteResult:
		h.pending.deliver(msg.ExecuteResult.RequestID, msg)
	case wire.TypeQueryResult:
		h.pending.deliver(msg.QueryResult.RequestID, msg)
	case wire.TypePong:
		h.pending.deliver(msg.Pong.RequestID, msg)
	case wire.TypeDiscoverResult:
		h.pending.deliver(msg.DiscoverResult.RequestID, msg)
	case wire.TypePairResult:
		h.pending.deliver(msg.PairResult.RequestID, msg)
	case wire.TypeError:
		if msg.Error.RequestID != "" {
			h.pending.deliver(msg.Error.RequestID, msg)
		} else {
			h.logs.push(LogEntry{Time: now(), Level: LogError, Message: msg.Error.Message})
		}
	case wire.TypeStateChanged:
		if h.onStateChange != nil {
			h.onStateChange(*msg.StateChanged)
		}
	case wire.TypeLog:
		h.logs.push(LogEntry{Time: now(), Level: LogLevel(msg.Log.Level), Message: msg.Log.Message})
	}
}

func (h *Handle) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		h.logs.push(LogEntry{Time: now(), Level: LogError, Message: scanner.Text()})
	}
}

func (h *Handle) waitExit() {
	h.mu.Lock()
	cmd := h.cmd
	done := h.done
	h.mu.Unlock()

	err := cmd.Wait()

	h.mu.Lock()
	h.exitErr = err
	if h.state != StateStopping {
		h.state = StateCrashed
	} else {
		h.state = StateStopped
	}
	h.mu.Unlock()

	for _, ch := range h.pending.drain() {
		ch <- wire.ChildMessage{Type: wire.TypeError, Error: &wire.ErrorPayload{Message: "adapter process exited"}}
	}
	close(done)

	if err != nil {
		log.Warn().Err(err).Str("adapterId", h.ID).Msg("Adapter process exited")
	}
}

// roundTrip writes req, waits for the matching response keyed by
// requestID, and returns it or a timeout/context error.
func (h *Handle) roundTrip(ctx context.Context, requestID string, req any, timeout time.Duration) (wire.ChildMessage, error) {
	if h.State() != StateRunning {
		return wire.ChildMessage{}, ErrNotRunning
	}

	ch := h.pending.register(requestID)
	if err := h.writeMessage(req); err != nil {
		h.pending.cancel(requestID)
		return wire.ChildMessage{}, fmt.Errorf("adapter: write request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		h.pending.cancel(requestID)
		return wire.ChildMessage{}, ErrRequestTimeout
	case <-ctx.Done():
		h.pending.cancel(requestID)
		return wire.ChildMessage{}, ctx.Err()
	}
}

func newRequestID() string {
	return uuid.NewString()
}

// Observe requests the current reading for one entity property.
func (h *Handle) Observe(ctx context.Context, entityID, property string) (map[string]any, error) {
	reqID := newRequestID()
	msg, err := h.roundTrip(ctx, reqID, wire.ObserveMessage{
		Type: wire.TypeObserve, RequestID: reqID, EntityID: entityID, Property: property,
	}, ObserveTimeout)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, &ChildError{Message: msg.Error.Message}
	}
	if msg.ObserveResult == nil {
		return nil, fmt.Errorf("adapter: unexpected response type %s to observe", msg.Type)
	}
	return msg.ObserveResult.State, nil
}

// Execute dispatches a command to one entity property.
func (h *Handle) Execute(ctx context.Context, entityID, property string, command map[string]any) error {
	reqID := newRequestID()
	msg, err := h.roundTrip(ctx, reqID, wire.ExecuteMessage{
		Type: wire.TypeExecute, RequestID: reqID, EntityID: entityID, Property: property, Command: command,
	}, ExecuteTimeout)
	if err != nil {
		return err
	}
	if msg.Error != nil {
		return &ChildError{Message: msg.Error.Message}
	}
	if msg.ExecuteResult == nil {
		return fmt.Errorf("adapter: unexpected response type %s to execute", msg.Type)
	}
	if !msg.ExecuteResult.Success {
		return &ChildError{Message: msg.ExecuteResult.Error}
	}
	return nil
}

// Query requests a paginated history/listing for one entity property.
func (h *Handle) Query(ctx context.Context, entityID, property string, params map[string]any) ([]map[string]any, int, bool, error) {
	reqID := newRequestID()
	msg, err := h.roundTrip(ctx, reqID, wire.QueryMessage{
		Type: wire.TypeQuery, RequestID: reqID, EntityID: entityID, Property: property, Params: params,
	}, QueryTimeout)
	if err != nil {
		return nil, 0, false, err
	}
	if msg.Error != nil {
		return nil, 0, false, &ChildError{Message: msg.Error.Message}
	}
	if msg.QueryResult == nil {
		return nil, 0, false, fmt.Errorf("adapter: unexpected response type %s to query", msg.Type)
	}
	total := len(msg.QueryResult.Items)
	if msg.QueryResult.Total != nil {
		total = *msg.QueryResult.Total
	}
	truncated := msg.QueryResult.Truncated != nil && *msg.QueryResult.Truncated
	return msg.QueryResult.Items, total, truncated, nil
}

// Ping sends a liveness probe and waits for the matching pong.
func (h *Handle) Ping(ctx context.Context) error {
	reqID := newRequestID()
	msg, err := h.roundTrip(ctx, reqID, wire.PingMessage{Type: wire.TypePing, RequestID: reqID}, PingTimeout)
	if err != nil {
		return err
	}
	if msg.Pong == nil {
		return fmt.Errorf("adapter: unexpected response type %s to ping", msg.Type)
	}
	return nil
}

// Discover asks an onboarding-capable child to enumerate candidate
// gateways on the local network.
func (h *Handle) Discover(ctx context.Context, params map[string]any) ([]wire.Gateway, string, error) {
	reqID := newRequestID()
	msg, err := h.roundTrip(ctx, reqID, wire.DiscoverMessage{
		Type: wire.TypeDiscover, RequestID: reqID, Params: params,
	}, DiscoverTimeout)
	if err != nil {
		return nil, "", err
	}
	if msg.Error != nil {
		return nil, "", &ChildError{Message: msg.Error.Message}
	}
	if msg.DiscoverResult == nil {
		return nil, "", fmt.Errorf("adapter: unexpected response type %s to discover", msg.Type)
	}
	return msg.DiscoverResult.Gateways, msg.DiscoverResult.Message, nil
}

// Pair asks an onboarding-capable child to complete a pairing flow.
func (h *Handle) Pair(ctx context.Context, params map[string]any) (bool, map[string]any, string, error) {
	reqID := newRequestID()
	msg, err := h.roundTrip(ctx, reqID, wire.PairMessage{
		Type: wire.TypePair, RequestID: reqID, Params: params,
	}, PairTimeout)
	if err != nil {
		return false, nil, "", err
	}
	if msg.Error != nil {
		return false, nil, "", &ChildError{Message: msg.Error.Message}
	}
	if msg.PairResult == nil {
		return false, nil, "", fmt.Errorf("adapter: unexpected response type %s to pair", msg.Type)
	}
	if !msg.PairResult.Success {
		return false, nil, msg.PairResult.Message, &ChildError{Message: msg.PairResult.Error}
	}
	return true, msg.PairResult.Credentials, msg.PairResult.Message, nil
}

// Stop asks the child to shut down gracefully, escalating to SIGTERM
// and finally SIGKILL if it does not exit within the grace windows
// (spec §4.4 "Shutdown").
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()
		return nil
	}
	h.state = StateStopping
	done := h.done
	h.mu.Unlock()

	_ = h.writeMessage(wire.ShutdownMessage{Type: wire.TypeShutdown})

	select {
	case <-done:
		return nil
	case <-time.After(stopGraceful):
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-done:
		return nil
	case <-time.After(stopKill - stopGraceful):
		return h.killNow()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) killNow() error {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func now() time.Time { return time.Now() }
