package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReactionDebouncer(t *testing.T) {
	d := NewReactionDebouncer(30 * time.Millisecond)
	defer d.Stop()

	assert.True(t, d.Allow("clap"))
	assert.False(t, d.Allow("clap"))
	assert.True(t, d.Allow("wave"), "windows are per reaction value")

	require.Eventually(t, func() bool { return d.Allow("clap") }, time.Second, 5*time.Millisecond)
	assert.False(t, d.Allow("clap"))
}

func TestReactionDebouncerStop(t *testing.T) {
	d := NewReactionDebouncer(time.Hour)
	assert.True(t, d.Allow("clap"))
	d.Stop()
	assert.False(t, d.Allow("wave"))
	d.Stop()
}

func TestReactionDebouncerDefaultWindow(t *testing.T) {
	d := NewReactionDebouncer(0)
	defer d.Stop()
	assert.Equal(t, DefaultReactionWindow, d.window)
}
