package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"medlink/gateway/internal/metrics"
)

// ErrNotConnected is returned when a device has no live session here.
var ErrNotConnected = errors.New("device not connected")

// Manager tracks the live session of every device on this gateway.
type Manager struct {
	sessions sync.Map // map[string]*Session
	metrics  *metrics.Collector
}

// NewManager creates an empty manager. m may be nil.
func NewManager(m *metrics.Collector) *Manager {
	return &Manager{metrics: m}
}

// Add makes s the live session of its device. A previous session of the
// same device is closed before Add returns.
func (m *Manager) Add(s *Session) {
	m.metrics.IncSessionOpened()
	old, loaded := m.sessions.Swap(s.Device(), s)
	if !loaded {
		return
	}
	if prev, ok := old.(*Session); ok && prev != s {
		m.metrics.IncSessionReplaced()
		prev.Close()
	}
}

// Remove forgets s unless a newer session already replaced it.
func (m *Manager) Remove(s *Session) {
	m.sessions.CompareAndDelete(s.Device(), s)
}

// Get returns the live session of device.
func (m *Manager) Get(device string) (*Session, bool) {
	v, ok := m.sessions.Load(device)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Send queues a command for device.
func (m *Manager) Send(device string, b []byte) error {
	s, ok := m.Get(device)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, device)
	}
	if err := s.Send(b); err != nil {
		return err
	}
	m.metrics.IncCommandSent()
	return nil
}

// List returns a snapshot of every live session ordered by device.
func (m *Manager) List() []Info {
	var out []Info
	m.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CloseAll closes every session and waits for them to finish.
func (m *Manager) CloseAll() {
	var wg sync.WaitGroup
	m.sessions.Range(func(k, v any) bool {
		m.sessions.Delete(k)
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(v.(*Session))
		return true
	})
	wg.Wait()
}
