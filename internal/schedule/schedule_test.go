package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	r := Defaults()

	dc, ok := r.Lookup(CategoryDocChange)
	assert.True(t, ok)
	assert.Equal(t, 60*time.Second, dc.FirstDelay)
	assert.Equal(t, 300*time.Second, dc.Throttle)

	cm, ok := r.Lookup(CategoryComment)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, cm.FirstDelay)
	assert.Equal(t, 180*time.Second, cm.Throttle)

	_, ok = r.Lookup("push")
	assert.False(t, ok)
}

func TestSetReplacesRegistry(t *testing.T) {
	defer Set(Defaults())

	Set(Registry{CategoryComment: {FirstDelay: time.Millisecond, Throttle: 2 * time.Millisecond}})

	s, ok := Current().Lookup(CategoryComment)
	assert.True(t, ok)
	assert.Equal(t, time.Millisecond, s.FirstDelay)

	_, ok = Current().Lookup(CategoryDocChange)
	assert.False(t, ok)
}
