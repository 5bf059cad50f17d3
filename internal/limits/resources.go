// Package limits enforces per-node resource and port allocation.
package limits

import (
	"fmt"

	"github.com/chap-sh/chap/internal/core"
)

// Cascade validates a new allocation against a node's capacity minus
// everything its existing applications already claim. A zero capacity on
// either axis means unlimited.
type Cascade struct{}

func NewCascade() Cascade {
	return Cascade{}
}

func (Cascade) Fits(caps core.ResourceRequest, siblings map[string]core.ResourceRequest, req core.ResourceRequest) error {
	var usedCPU, usedMem int64
	for _, sib := range siblings {
		usedCPU += sib.CPUMillis
		usedMem += sib.MemoryMB
	}

	if caps.CPUMillis > 0 {
		remaining := caps.CPUMillis - usedCPU
		if req.CPUMillis > remaining {
			return fmt.Errorf("cpu request %dm exceeds remaining %dm of %dm", req.CPUMillis, remaining, caps.CPUMillis)
		}
	}
	if caps.MemoryMB > 0 {
		remaining := caps.MemoryMB - usedMem
		if req.MemoryMB > remaining {
			return fmt.Errorf("memory request %dMB exceeds remaining %dMB of %dMB", req.MemoryMB, remaining, caps.MemoryMB)
		}
	}
	return nil
}
