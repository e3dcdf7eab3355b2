package trim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundsValidate(t *testing.T) {
	assert.NoError(t, Bounds{Lower: 3, Upper: 5}.Validate())
	assert.Error(t, Bounds{Lower: 0, Upper: 5}.Validate())
	assert.Error(t, Bounds{Lower: 5, Upper: 3}.Validate())
}

func TestNewPolicyFillsDefaultClass(t *testing.T) {
	p, err := NewPolicy(map[string]Bounds{"mentions": {Lower: 100, Upper: 120}})
	require.NoError(t, err)

	assert.Equal(t, Bounds{Lower: 100, Upper: 120}, p.BoundsFor("mentions"))
	assert.Equal(t, DefaultBounds, p.BoundsFor("default"))
	assert.Equal(t, DefaultBounds, p.BoundsFor("unknown-class"))
}

func TestNewPolicyRejectsInvalidBounds(t *testing.T) {
	_, err := NewPolicy(map[string]Bounds{"bad": {Lower: 10, Upper: 5}})
	assert.Error(t, err)
}

func TestShouldTrim(t *testing.T) {
	p, err := NewPolicy(map[string]Bounds{"home": {Lower: 3, Upper: 5}})
	require.NoError(t, err)

	trim, target := p.ShouldTrim("home", 4)
	assert.False(t, trim)
	assert.Equal(t, 0, target)

	trim, target = p.ShouldTrim("home", 6)
	assert.True(t, trim)
	assert.Equal(t, 3, target)

	trim, target = p.ShouldTrim("home", 5)
	assert.False(t, trim, "exactly at upper bound should not trim")
	_ = target
}
