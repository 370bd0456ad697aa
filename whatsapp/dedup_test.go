package whatsapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupWindow(t *testing.T) {
	d := NewDedupWindow(2)

	assert.False(t, d.IsDuplicate("A"))
	assert.True(t, d.IsDuplicate("A"))
	assert.False(t, d.IsDuplicate("B"))
	assert.False(t, d.IsDuplicate("C"))
	assert.False(t, d.IsDuplicate("A"), "A was evicted by capacity")
	assert.Equal(t, 2, d.Len())

	assert.False(t, d.IsDuplicate(""))
	assert.False(t, d.IsDuplicate(""))
}

func TestDedupWindowExpires(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := NewDedupWindow(10)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("A"))
	now = now.Add(dedupTTL + time.Second)
	assert.False(t, d.IsDuplicate("A"))
	assert.Equal(t, 1, d.Len())
}
