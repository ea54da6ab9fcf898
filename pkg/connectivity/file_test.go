package connectivity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelworks/underlay/pkg"
	"github.com/tunnelworks/underlay/pkg/logx"
)

func writeNetworks(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// drain collects whatever updates are already buffered.
func drain(f *FileSource) []Update {
	var out []Update
	for {
		select {
		case u := <-f.Updates():
			out = append(out, u)
		default:
			return out
		}
	}
}

func kinds(updates []Update) map[UpdateKind]int {
	counts := make(map[UpdateKind]int)
	for _, u := range updates {
		counts[u.Kind]++
	}
	return counts
}

func TestFileSource_EmitsTripleForNewNetwork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	writeNetworks(t, path, `
networks:
  - id: 1
    transports: [wifi]
    validated: true
    addresses: ["192.0.2.10/24"]
    mtu: 1500
`)

	f := NewFileSource(path, time.Hour, logx.NewLogger("error", "test"))
	defer f.Close()
	f.poll()

	updates := drain(f)
	require.Len(t, updates, 3)
	assert.Equal(t, UpdateCapabilities, updates[0].Kind)
	assert.Equal(t, UpdateProperties, updates[1].Kind)
	assert.Equal(t, UpdateBlockedStatus, updates[2].Kind)
	for _, u := range updates {
		assert.Equal(t, pkg.NetworkID(1), u.Network)
	}
	assert.True(t, updates[0].Caps.Validated)
	assert.Equal(t, 1500, updates[1].Props.MTU)
	assert.False(t, *updates[2].Blocked)
}

func TestFileSource_EmitsOnlyChangedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	writeNetworks(t, path, `
networks:
  - id: 1
    transports: [cellular]
    subscription_id: 10
    addresses: ["10.64.0.2/30"]
`)

	f := NewFileSource(path, time.Hour, logx.NewLogger("error", "test"))
	defer f.Close()
	f.poll()
	drain(f)

	// Unchanged file: nothing emitted.
	f.poll()
	assert.Empty(t, drain(f))

	// Only the blocked flag flips.
	writeNetworks(t, path, `
networks:
  - id: 1
    transports: [cellular]
    subscription_id: 10
    blocked: true
    addresses: ["10.64.0.2/30"]
`)
	f.poll()
	updates := drain(f)
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateBlockedStatus, updates[0].Kind)
	assert.True(t, *updates[0].Blocked)
}

func TestFileSource_EmitsLostForRemovedNetwork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	writeNetworks(t, path, `
networks:
  - id: 1
    transports: [wifi]
  - id: 2
    transports: [cellular]
    subscription_id: 10
`)

	f := NewFileSource(path, time.Hour, logx.NewLogger("error", "test"))
	defer f.Close()
	f.poll()
	first := kinds(drain(f))
	assert.Equal(t, 2, first[UpdateCapabilities])

	writeNetworks(t, path, `
networks:
  - id: 2
    transports: [cellular]
    subscription_id: 10
`)
	f.poll()
	updates := drain(f)
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateLost, updates[0].Kind)
	assert.Equal(t, pkg.NetworkID(1), updates[0].Network)
}

func TestFileSource_KeepsStateOnUnreadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	writeNetworks(t, path, `
networks:
  - id: 1
    transports: [wifi]
`)

	f := NewFileSource(path, time.Hour, logx.NewLogger("error", "test"))
	defer f.Close()
	f.poll()
	drain(f)

	// A torn write must not count as every network disappearing.
	writeNetworks(t, path, "networks: [not yaml")
	f.poll()
	assert.Empty(t, drain(f))

	require.NoError(t, os.Remove(path))
	f.poll()
	assert.Empty(t, drain(f))
}

func TestFileSource_RejectsUnknownTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	writeNetworks(t, path, `
networks:
  - id: 1
    transports: [carrier-pigeon]
`)

	f := NewFileSource(path, time.Hour, logx.NewLogger("error", "test"))
	defer f.Close()
	_, err := f.load()
	assert.Error(t, err)
}

func TestStaticSource_EmitAfterCloseIsDropped(t *testing.T) {
	s := NewStaticSource()
	require.NoError(t, s.Close())
	s.EmitLost(1) // must not panic on the closed channel

	_, open := <-s.Updates()
	assert.False(t, open)
}
