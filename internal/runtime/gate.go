package runtime

import "sync"

// gate holds dispatch while the venue is unhealthy. An open gate has a closed channel.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	ch := make(chan struct{})
	close(ch)
	return &gate{ch: ch}
}

// hold closes the gate and reports whether it was open.
func (g *gate) hold() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
		return true
	default:
		return false
	}
}

// release opens the gate and reports whether it was held.
func (g *gate) release() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		return false
	default:
		close(g.ch)
		return true
	}
}

func (g *gate) wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

func (g *gate) held() bool {
	select {
	case <-g.wait():
		return false
	default:
		return true
	}
}
