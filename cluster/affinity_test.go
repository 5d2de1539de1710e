package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func testTopo(n int) *Topology {
	t := NewTopology("client")
	for i := 0; i < n; i++ {
		id := NodeID(fmt.Sprintf("node-%d", i))
		t.Join(id, string(id))
	}
	return t
}

func TestAffinityStableAnswers(t *testing.T) {
	topo := testTopo(5)
	aff := NewAffinity(topo, 3)
	ver := topo.ReadyVersion()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		a := aff.MapPrimaryAndBackups("c", key, ver)
		b := aff.MapPrimaryAndBackups("c", key, ver)
		require.Equal(t, a, b, "same (cache,key,version) must map identically")
		require.Len(t, a, 3)

		seen := map[NodeID]bool{}
		for _, id := range a {
			require.False(t, seen[id], "duplicate owner %s", id)
			seen[id] = true
		}

		p, ok := aff.MapPrimary("c", key, ver)
		require.True(t, ok)
		require.Equal(t, a[0], p)
	}
}

func TestAffinityAnswersOldVersionsAfterChange(t *testing.T) {
	topo := testTopo(4)
	aff := NewAffinity(topo, 2)
	v1 := topo.ReadyVersion()

	key := []byte("pinned")
	before := aff.MapPrimaryAndBackups("c", key, v1)
	require.Len(t, before, 2)

	topo.Leave("node-0")
	v2 := topo.ReadyVersion()
	require.True(t, v1.Before(v2))

	// the old version still answers from its snapshot.
	require.Equal(t, before, aff.MapPrimaryAndBackups("c", key, v1))

	after := aff.MapPrimaryAndBackups("c", key, v2)
	require.Len(t, after, 2)
	require.NotContains(t, after, NodeID("node-0"))
}

func TestAffinityTruncatesToMembership(t *testing.T) {
	topo := testTopo(2)
	aff := NewAffinity(topo, 3)

	owners := aff.MapPrimaryAndBackups("c", []byte("k"), topo.ReadyVersion())
	require.Len(t, owners, 2, "rf beyond membership truncates")
}

func TestAffinityUnknownVersionIsEmpty(t *testing.T) {
	topo := testTopo(3)
	aff := NewAffinity(topo, 2)

	owners := aff.MapPrimaryAndBackups("c", []byte("k"), Version{Major: 999})
	require.Nil(t, owners)

	_, ok := aff.MapPrimary("c", []byte("k"), Version{Major: 999})
	require.False(t, ok)
}

func TestAffinityCachesSpreadIndependently(t *testing.T) {
	topo := testTopo(8)
	aff := NewAffinity(topo, 1)
	ver := topo.ReadyVersion()

	differs := false
	for i := 0; i < 64 && !differs; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		a, _ := aff.MapPrimary("cache-a", key, ver)
		b, _ := aff.MapPrimary("cache-b", key, ver)
		differs = a != b
	}
	require.True(t, differs, "two caches never diverged over 64 keys")
}
