package proxy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkhaus/autopress/internal/packet"
)

func TestIdemCache_StoreLookup(t *testing.T) {
	c := NewIdemCache(time.Minute, 10)

	resp := packet.PacketResponse{Type: packet.TypePacketResponse, RequestID: "req-1", Status: "success"}
	c.Store(resp)

	got, ok := c.Lookup("req-1")
	require.True(t, ok)
	require.Equal(t, "success", got.Status)

	_, ok = c.Lookup("req-unknown")
	require.False(t, ok)
}

func TestIdemCache_EmptyRequestIDNotCached(t *testing.T) {
	c := NewIdemCache(time.Minute, 10)
	c.Store(packet.PacketResponse{Status: "success"})
	require.Zero(t, c.Len())
}

func TestIdemCache_TTLExpiry(t *testing.T) {
	c := NewIdemCache(30*time.Millisecond, 10)
	c.Store(packet.PacketResponse{RequestID: "req-1", Status: "success"})

	_, ok := c.Lookup("req-1")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Lookup("req-1")
	require.False(t, ok, "entry must expire after the replay window")
}

func TestIdemCache_CapEvictsOldest(t *testing.T) {
	c := NewIdemCache(time.Minute, 5)
	for i := 0; i < 8; i++ {
		c.Store(packet.PacketResponse{RequestID: fmt.Sprintf("req-%d", i), Status: "success"})
	}
	require.Equal(t, 5, c.Len())

	_, ok := c.Lookup("req-0")
	require.False(t, ok, "oldest entries evict at the cap")
	_, ok = c.Lookup("req-7")
	require.True(t, ok)
}
