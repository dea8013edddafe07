package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matthias-trip/holms-sub001/internal/secretstore"
)

// writeFakeChild writes script as an executable shell script standing
// in for an adapter child; each test's script decides which wire
// messages it reads and which canned replies it emits.
func writeFakeChild(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "child.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func newTestStore(t *testing.T) *secretstore.Store {
	t.Helper()
	s, err := secretstore.Open(t.TempDir(), newMemoryBackend())
	require.NoError(t, err)
	return s
}

// memoryBackend is a minimal in-process secretstore.Backend for tests
// that do not exercise secret resolution itself.
type memoryBackend struct{ m map[string][]byte }

func newMemoryBackend() *memoryBackend { return &memoryBackend{m: map[string][]byte{}} }

func (b *memoryBackend) PutSecret(ref string, ciphertext []byte, _ time.Time) error {
	b.m[ref] = ciphertext
	return nil
}
func (b *memoryBackend) GetSecret(ref string) ([]byte, bool, error) {
	v, ok := b.m[ref]
	return v, ok, nil
}
func (b *memoryBackend) DeleteSecret(ref string) error {
	delete(b.m, ref)
	return nil
}

func TestHandleStartReceivesReady(t *testing.T) {
	path := writeFakeChild(t, `
read line
echo '{"type":"ready","entities":[{"entityId":"lamp-1","properties":[{"property":"illumination","features":["on_off"]}]}]}'
cat >/dev/null
`)

	h := New("a1", "demo", path, nil, newTestStore(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := h.Start(ctx)
	require.NoError(t, err)
	require.Len(t, info.Entities, 1)
	require.Equal(t, "lamp-1", info.Entities[0].EntityID)
	require.Equal(t, StateRunning, h.State())

	require.NoError(t, h.Stop(context.Background()))
}

func TestHandleObserveRoundTrip(t *testing.T) {
	path := writeFakeChild(t, `
read ready_line
echo '{"type":"ready","entities":[]}'
while read -r line; do
  rid=$(echo "$line" | sed -n 's/.*"requestId":"\([^"]*\)".*/\1/p')
  echo '{"type":"observe_result","requestId":"'"$rid"'","state":{"on":true}}'
done
`)

	h := New("a1", "demo", path, nil, newTestStore(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.Start(ctx)
	require.NoError(t, err)

	state, err := h.Observe(ctx, "lamp-1", "illumination")
	require.NoError(t, err)
	require.Equal(t, true, state["on"])

	require.NoError(t, h.Stop(context.Background()))
}

func TestHandleStartTimesOutWithoutReady(t *testing.T) {
	path := writeFakeChild(t, `
cat >/dev/null
`)

	h := New("a1", "demo", path, nil, newTestStore(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := h.Start(ctx)
	require.Error(t, err)
	require.Equal(t, StateCrashed, h.State())
}

func TestHandleOperationsFailWhenNotRunning(t *testing.T) {
	h := New("a1", "demo", "/nonexistent", nil, newTestStore(t), nil)
	_, err := h.Observe(context.Background(), "x", "y")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestHandleExecuteFailureSurfacesChildError(t *testing.T) {
	path := writeFakeChild(t, `
read ready_line
echo '{"type":"ready","entities":[]}'
while read -r line; do
  rid=$(echo "$line" | sed -n 's/.*"requestId":"\([^"]*\)".*/\1/p')
  echo '{"type":"execute_result","requestId":"'"$rid"'","success":false,"error":"unreachable"}'
done
`)

	h := New("a1", "demo", path, nil, newTestStore(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.Start(ctx)
	require.NoError(t, err)

	err = h.Execute(ctx, "lamp-1", "illumination", map[string]any{"on": true})
	require.Error(t, err)
	var childErr *ChildError
	require.ErrorAs(t, err, &childErr)
	require.Equal(t, "unreachable", childErr.Message)

	require.NoError(t, h.Stop(context.Background()))
}

func TestLogRingTracksChildLogMessages(t *testing.T) {
	path := writeFakeChild(t, `
read ready_line
echo '{"type":"ready","entities":[]}'
echo '{"type":"log","level":"warn","message":"battery low"}'
cat >/dev/null
`)

	h := New("a1", "demo", path, nil, newTestStore(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.Start(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, entry := range h.Logs() {
			if entry.Message == "battery low" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.Stop(context.Background()))
}

func TestHandleStopTwiceIsIdempotent(t *testing.T) {
	path := writeFakeChild(t, `
read ready_line
echo '{"type":"ready","entities":[]}'
cat >/dev/null
`)
	h := New("a1", "demo", path, nil, newTestStore(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.Stop(context.Background()))
}
