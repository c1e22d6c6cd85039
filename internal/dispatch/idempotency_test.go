package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilGuardAlwaysClaims(t *testing.T) {
	var g *Guard
	claimed, err := g.TryClaim(context.Background(), "task-1")
	assert.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, g.Release(context.Background(), "task-1"))
}

func TestNewGuardDefaultsTTL(t *testing.T) {
	g := NewGuard(nil, 0)
	assert.Equal(t, defaultTTL, g.ttl)
}
