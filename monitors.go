package rtsync

import "sync"

// Monitor reports a boolean condition of the environment, such as network
// availability or whether the app is in the foreground.
type Monitor interface {
	Current() bool
	// Subscribe calls fn on every change until the returned func is called.
	Subscribe(fn func(bool)) (unsubscribe func())
}

// SignalMonitor is a Monitor driven by Set. The zero value is not usable;
// use NewSignalMonitor.
type SignalMonitor struct {
	mu     sync.Mutex
	value  bool
	nextID int
	subs   map[int]func(bool)
}

func NewSignalMonitor(initial bool) *SignalMonitor {
	return &SignalMonitor{value: initial, subs: make(map[int]func(bool))}
}

func (m *SignalMonitor) Current() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

func (m *SignalMonitor) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Set changes the value and notifies subscribers when it differs.
func (m *SignalMonitor) Set(v bool) {
	m.mu.Lock()
	if m.value == v {
		m.mu.Unlock()
		return
	}
	m.value = v
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}
