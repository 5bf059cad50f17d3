package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chap-sh/chap/internal/core"
)

func TestCascade_Fits_WithinCapacity(t *testing.T) {
	v := NewCascade()
	caps := core.ResourceRequest{CPUMillis: 4000, MemoryMB: 8192}
	siblings := map[string]core.ResourceRequest{
		"app-a": {CPUMillis: 1000, MemoryMB: 2048},
		"app-b": {CPUMillis: 500, MemoryMB: 1024},
	}

	err := v.Fits(caps, siblings, core.ResourceRequest{CPUMillis: 2000, MemoryMB: 4096})
	require.NoError(t, err)
}

func TestCascade_Fits_CPUOverflow(t *testing.T) {
	v := NewCascade()
	caps := core.ResourceRequest{CPUMillis: 4000, MemoryMB: 8192}
	siblings := map[string]core.ResourceRequest{
		"app-a": {CPUMillis: 3500, MemoryMB: 1024},
	}

	err := v.Fits(caps, siblings, core.ResourceRequest{CPUMillis: 1000, MemoryMB: 512})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cpu request 1000m exceeds remaining 500m")
}

func TestCascade_Fits_MemoryOverflow(t *testing.T) {
	v := NewCascade()
	caps := core.ResourceRequest{CPUMillis: 4000, MemoryMB: 2048}
	siblings := map[string]core.ResourceRequest{
		"app-a": {CPUMillis: 500, MemoryMB: 2048},
	}

	err := v.Fits(caps, siblings, core.ResourceRequest{CPUMillis: 500, MemoryMB: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory request")
}

func TestCascade_Fits_ZeroCapsUnlimited(t *testing.T) {
	v := NewCascade()

	err := v.Fits(core.ResourceRequest{}, nil, core.ResourceRequest{CPUMillis: 100000, MemoryMB: 100000})
	require.NoError(t, err)
}

func TestCascade_Fits_ExactFit(t *testing.T) {
	v := NewCascade()
	caps := core.ResourceRequest{CPUMillis: 1000, MemoryMB: 1024}

	err := v.Fits(caps, nil, core.ResourceRequest{CPUMillis: 1000, MemoryMB: 1024})
	require.NoError(t, err)
}
