package gateway

import "sync"

// LogChunk is one piece of container log output relayed from a node.
type LogChunk struct {
	ContainerID string
	Data        string
	Done        bool
}

// LogRelay fans container log output from node sessions out to in-process
// subscribers (the operator API's log endpoint). Subscribers that fall
// behind lose chunks rather than block the session read loop.
type LogRelay struct {
	mu   sync.RWMutex
	subs map[string]map[chan LogChunk]struct{}
}

func NewLogRelay() *LogRelay {
	return &LogRelay{subs: map[string]map[chan LogChunk]struct{}{}}
}

// Subscribe registers for chunks of one container's logs. The returned
// cancel func must be called exactly once; the channel is closed by it.
func (r *LogRelay) Subscribe(containerID string) (<-chan LogChunk, func()) {
	ch := make(chan LogChunk, 64)
	r.mu.Lock()
	if r.subs[containerID] == nil {
		r.subs[containerID] = map[chan LogChunk]struct{}{}
	}
	r.subs[containerID][ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[containerID], ch)
			if len(r.subs[containerID]) == 0 {
				delete(r.subs, containerID)
			}
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers a chunk to every subscriber without blocking.
func (r *LogRelay) Publish(chunk LogChunk) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.subs[chunk.ContainerID] {
		select {
		case ch <- chunk:
		default:
		}
	}
}
