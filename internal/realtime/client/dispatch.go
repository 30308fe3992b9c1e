package client

import "sync"

// dispatcher runs callbacks one at a time, in post order, on its own goroutine
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// post never blocks the caller
func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		select {
		case <-d.signal:
		case <-d.stop:
			// drain what was posted before close
			d.mu.Lock()
			batch := d.queue
			d.queue = nil
			d.mu.Unlock()
			for _, fn := range batch {
				fn()
			}
			return
		}
	}
}

// close stops the loop after it runs everything already posted. It does not
// wait, so a callback may close its own client.
func (d *dispatcher) close() {
	d.once.Do(func() { close(d.stop) })
}
