package capability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeKey struct{ caps map[string]bool }

func (k fakeKey) HasCapability(name string) bool { return k.caps[name] }

func TestMatchExclusive(t *testing.T) {
	plain := fakeKey{caps: map[string]bool{}}
	cached := fakeKey{caps: map[string]bool{Cache1H: true}}

	// unset requirement: the advertising key is filtered out to avoid premium
	require.True(t, Match(nil, plain))
	require.False(t, Match(nil, cached))

	// explicit false behaves the same as unset
	require.False(t, Match(map[string]bool{Cache1H: false}, cached))
	require.True(t, Match(map[string]bool{Cache1H: false}, plain))

	// required: only the advertising key passes
	require.True(t, Match(map[string]bool{Cache1H: true}, cached))
	require.False(t, Match(map[string]bool{Cache1H: true}, plain))
}

func TestMatchCompatible(t *testing.T) {
	plain := fakeKey{caps: map[string]bool{}}
	big := fakeKey{caps: map[string]bool{Context1M: true}}

	// unset requirement: any key allowed
	require.True(t, Match(nil, plain))
	require.True(t, Match(nil, big))

	require.True(t, Match(map[string]bool{Context1M: true}, big))
	require.False(t, Match(map[string]bool{Context1M: true}, plain))
}

func TestMatchIgnoresUnknownNames(t *testing.T) {
	plain := fakeKey{caps: map[string]bool{}}
	require.True(t, Match(map[string]bool{"warp_drive": true}, plain))
}

func TestDetectUpgrade(t *testing.T) {
	name, ok := DetectUpgrade(nil, "prompt context length of 230000 tokens exceeds the maximum")
	require.True(t, ok)
	require.Equal(t, Context1M, name)

	// already required: no repeat upgrade
	_, ok = DetectUpgrade(map[string]bool{Context1M: true}, "context length of tokens exceeds")
	require.False(t, ok)

	// partial keyword match is not an upgrade
	_, ok = DetectUpgrade(nil, "context deadline exceeded")
	require.False(t, ok)

	_, ok = DetectUpgrade(nil, "")
	require.False(t, ok)
}
