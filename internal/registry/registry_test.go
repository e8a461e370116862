package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHardcodedCannotBeOverridden(t *testing.T) {
	r := New(10 * time.Second)
	r.RegisterHardcoded("help", Entry{Description: "help"})

	ok := r.Register("help", "evil plugin", "", "mallory", "nowhere", time.Now())
	assert.False(t, ok)

	e, known := r.Lookup("help")
	require.True(t, known)
	assert.True(t, e.Hardcoded)
}

func TestPluginTimeout(t *testing.T) {
	r := New(10 * time.Second)
	base := time.Now()

	ok := r.Register("weather", "shows weather", "", "bob", "loc", base)
	require.True(t, ok)

	_, known := r.Lookup("weather")
	assert.True(t, known)

	evicted := r.Evict(base.Add(11 * time.Second))
	assert.Equal(t, []string{"weather"}, evicted)

	_, known = r.Lookup("weather")
	assert.False(t, known)

	age, gone := r.GoneSince("weather")
	assert.True(t, gone)
	assert.GreaterOrEqual(t, age, time.Duration(0))
}

func TestReRegistrationClearsGone(t *testing.T) {
	r := New(10 * time.Second)
	base := time.Now()

	r.Register("weather", "d", "", "a", "l", base)
	r.Evict(base.Add(11 * time.Second))

	_, gone := r.GoneSince("weather")
	require.True(t, gone)

	r.Register("weather", "d", "", "a", "l", base.Add(12*time.Second))
	_, gone = r.GoneSince("weather")
	assert.False(t, gone)
}

func TestInvariantHardcodedOrFreshTimestamp(t *testing.T) {
	r := New(10 * time.Second)
	r.RegisterHardcoded("help", Entry{})
	now := time.Now()
	r.Register("roll", "dice", "games", "a", "l", now)

	for name, e := range r.Snapshot() {
		if e.Hardcoded {
			continue
		}
		assert.WithinDuration(t, now, e.RegisteredAt, 10*time.Second, "command %s", name)
	}
}
