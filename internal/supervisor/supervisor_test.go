package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matthias-trip/holms-sub001/internal/adapter"
	"github.com/matthias-trip/holms-sub001/internal/secretstore"
	"github.com/matthias-trip/holms-sub001/internal/wire"
)

type stubResolver struct{ paths map[string]string }

func (r stubResolver) Resolve(adapterType string) (string, error) {
	p, ok := r.paths[adapterType]
	if !ok {
		return "", errUnknownType
	}
	return p, nil
}

var errUnknownType = errors.New("supervisor test: unknown type")

func writeFakeAdapterScript(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "child.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func newTestSecretStore(t *testing.T) *secretstore.Store {
	t.Helper()
	s, err := secretstore.Open(t.TempDir(), newMemBackend())
	require.NoError(t, err)
	return s
}

type memBackend struct{ m map[string][]byte }

func newMemBackend() *memBackend { return &memBackend{m: map[string][]byte{}} }
func (b *memBackend) PutSecret(ref string, ciphertext []byte, _ time.Time) error {
	b.m[ref] = ciphertext
	return nil
}
func (b *memBackend) GetSecret(ref string) ([]byte, bool, error) {
	v, ok := b.m[ref]
	return v, ok, nil
}
func (b *memBackend) DeleteSecret(ref string) error {
	delete(b.m, ref)
	return nil
}

const alwaysReadyScript = `
read line
echo '{"type":"ready","entities":[{"entityId":"lamp-1","properties":[{"property":"illumination","features":["on_off"]}]}]}'
while read -r l; do
  rid=$(echo "$l" | sed -n 's/.*"requestId":"\([^"]*\)".*/\1/p')
  type=$(echo "$l" | sed -n 's/.*"type":"\([^"]*\)".*/\1/p')
  case "$type" in
    ping) echo '{"type":"pong","requestId":"'"$rid"'"}' ;;
    execute) echo '{"type":"execute_result","requestId":"'"$rid"'","success":true}' ;;
  esac
done
`

func TestSupervisorStartRegistersEntitiesAndReachability(t *testing.T) {
	path := writeFakeAdapterScript(t, alwaysReadyScript)

	var registeredIDs []string
	var reachable bool
	sup := New(
		stubResolver{paths: map[string]string{"demo": path}},
		newTestSecretStore(t),
		Callbacks{
			OnEntityRegistration: func(adapterID string, entities []wire.EntityRegistration, _ []wire.EntityGroup) {
				for _, e := range entities {
					registeredIDs = append(registeredIDs, e.EntityID)
				}
			},
			OnReachabilityChange: func(adapterID string, r bool) {
				reachable = r
			},
		},
	)

	require.NoError(t, sup.Start("demo-1", "demo", nil))
	require.Eventually(t, func() bool { return reachable }, time.Second, 10*time.Millisecond)
	require.Contains(t, registeredIDs, "lamp-1")

	health := sup.Health()
	require.Len(t, health, 1)
	require.Equal(t, adapter.StateRunning, health[0].State)

	require.NoError(t, sup.StopAll(context.Background()))
}

func TestSupervisorStartUnknownTypeFailsFast(t *testing.T) {
	sup := New(stubResolver{paths: map[string]string{}}, newTestSecretStore(t), Callbacks{})
	err := sup.Start("demo-1", "demo", nil)
	require.Error(t, err)

	require.NoError(t, sup.StopAll(context.Background()))
}

func TestSupervisorExecuteSuppressesEchoedStateChange(t *testing.T) {
	path := writeFakeAdapterScript(t, alwaysReadyScript)

	var stateChanges int
	sup := New(
		stubResolver{paths: map[string]string{"demo": path}},
		newTestSecretStore(t),
		Callbacks{
			OnStateChanged: func(adapterID, entityID, property string, state, previousState map[string]any) {
				stateChanges++
			},
		},
	)
	require.NoError(t, sup.Start("demo-1", "demo", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Execute(ctx, "demo-1", "lamp-1", "illumination", map[string]any{"on": true}))

	// Execute registers an echo window for (entityId, property); a
	// state_changed arriving within it would be suppressed rather than
	// fanned out, so the window must still be pending right after.
	require.True(t, sup.consumeEcho("lamp-1", "illumination"))
	require.Equal(t, 0, stateChanges)

	require.NoError(t, sup.StopAll(context.Background()))
}

func TestSupervisorDispatchAgainstUnknownAdapterFails(t *testing.T) {
	sup := New(stubResolver{paths: map[string]string{}}, newTestSecretStore(t), Callbacks{})
	_, err := sup.Observe(context.Background(), "missing", "e1", "illumination")
	require.ErrorIs(t, err, ErrUnknownAdapter)
}

func TestSupervisorLogsAndSubscribe(t *testing.T) {
	path := writeFakeAdapterScript(t, alwaysReadyScript)
	sup := New(stubResolver{paths: map[string]string{"demo": path}}, newTestSecretStore(t), Callbacks{})
	require.NoError(t, sup.Start("demo-1", "demo", nil))

	require.Eventually(t, func() bool {
		entries, err := sup.Logs("demo-1")
		return err == nil && len(entries) >= 0
	}, time.Second, 10*time.Millisecond)

	var seen []adapter.LogEntry
	require.NoError(t, sup.SubscribeLogs("demo-1", func(e adapter.LogEntry) { seen = append(seen, e) }))

	_, err := sup.Logs("unknown")
	require.ErrorIs(t, err, ErrUnknownAdapter)

	require.NoError(t, sup.StopAll(context.Background()))
}

type countingRecorder struct {
	mu       sync.Mutex
	restarts int
}

func (r *countingRecorder) IncRestart(adapterID, adapterType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts++
}

// TestRetryBootDoublesBackoffOnlyAfterFailure pins spec §8 testable
// property 6 (delay_i = min(floor*2^i, ceiling)): the boot attempt
// must use the current backoff, and doubling must only happen after a
// failed attempt, for the *next* attempt's wait.
func TestRetryBootDoublesBackoffOnlyAfterFailure(t *testing.T) {
	sup := New(stubResolver{paths: map[string]string{}}, newTestSecretStore(t), Callbacks{})
	rec := &countingRecorder{}
	sup.SetMetrics(rec)

	m := &managed{id: "demo-1", adapterType: "demo", backoff: backoffFloor}

	sup.retryBoot(context.Background(), m)
	require.Equal(t, 1, m.restartCount)
	require.Equal(t, backoffFloor*2, m.currentBackoff())

	sup.retryBoot(context.Background(), m)
	require.Equal(t, 2, m.restartCount)
	require.Equal(t, backoffFloor*4, m.currentBackoff())

	require.Equal(t, 2, rec.restarts)
}

// TestSuperviseLoopSeedsInitialWaitFromBackoff covers the
// daemon-start-time case: when Start's synchronous boot already
// failed, the supervise loop must retry at the backoff floor rather
// than waiting out the full ping interval.
func TestSuperviseLoopSeedsInitialWaitFromBackoff(t *testing.T) {
	sup := New(stubResolver{paths: map[string]string{}}, newTestSecretStore(t), Callbacks{})
	err := sup.Start("demo-1", "demo", nil)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		m, lookupErr := sup.lookup("demo-1")
		if lookupErr != nil {
			return false
		}
		return m.restartCount >= 1
	}, backoffFloor+2*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.StopAll(context.Background()))
}
