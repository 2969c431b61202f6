package pipeline

import (
	"log/slog"
	"sync"
)

// tapBuffer bounds the number of outstanding chunks a sink may fall behind.
const tapBuffer = 64

// tap duplicates stream bytes into a sink without altering backpressure on
// the main path: writes go to a bounded buffer and drop with a warning when
// the sink cannot keep up.
type tap struct {
	name    string
	ch      chan []byte
	wg      sync.WaitGroup
	log     *slog.Logger
	dropped bool
}

func newTap(name string, sink func([]byte), log *slog.Logger) *tap {
	t := &tap{
		name: name,
		ch:   make(chan []byte, tapBuffer),
		log:  log,
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for b := range t.ch {
			sink(b)
		}
	}()
	return t
}

// write hands a copy of b to the sink, dropping when the buffer is full.
func (t *tap) write(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case t.ch <- cp:
	default:
		if !t.dropped {
			t.dropped = true
			t.log.Warn("tap sink falling behind, dropping chunks", "tap", t.name)
		}
	}
}

// close stops the sink goroutine after draining buffered chunks.
func (t *tap) close() {
	close(t.ch)
	t.wg.Wait()
}
