// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package connectivity tracks whether the remote service is reachable.
package connectivity

import (
	"errors"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/nelson-client/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidURLScheme is returned when URL scheme is not http or https.
	ErrInvalidURLScheme = errors.New("only http and https schemes are allowed")

	// ErrInvalidURL is returned for URLs that cannot be parsed or have no host.
	ErrInvalidURL = errors.New("invalid URL")
)

// =============================================================================
// MONITOR
// =============================================================================

// Monitor holds the online/offline state and notifies subscribers on every
// real transition. Repeated reports of the same state are not events.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	forced bool

	subs   map[int]func(online bool)
	nextID int
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Forced reports whether the monitor is pinned offline.
func (m *Monitor) Forced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.forced
}

// SetOnline records a new state and reports whether it changed.
// While forced offline, reports of online are ignored.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online || (online && m.forced) {
		m.mu.Unlock()
		return false
	}
	m.online = online
	subs := m.snapshotLocked()
	m.mu.Unlock()

	// Callbacks run outside the lock so they may query the monitor
	for _, fn := range subs {
		fn(online)
	}
	return true
}

// SetForcedOffline pins the monitor offline (the --offline flag). Releasing
// the pin does not mark the monitor online; the next probe or SetOnline does.
func (m *Monitor) SetForcedOffline(forced bool) {
	m.mu.Lock()
	m.forced = forced
	m.mu.Unlock()
	if forced {
		m.SetOnline(false)
	}
}

// ReportResult feeds a request outcome back into the monitor. A connectivity
// failure marks the monitor offline; success never marks it online because
// one good response does not prove the link is stable.
func (m *Monitor) ReportResult(err error) {
	if model.IsConnectivity(err) {
		m.SetOnline(false)
	}
}

// Subscribe registers fn for every transition and returns an unsubscribe func.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
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

// OnOnline registers fn for offline to online transitions only.
func (m *Monitor) OnOnline(fn func()) func() {
	return m.Subscribe(func(online bool) {
		if online {
			fn()
		}
	})
}

// snapshotLocked returns subscribers in registration order.
func (m *Monitor) snapshotLocked() []func(bool) {
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(bool), len(ids))
	for i, id := range ids {
		subs[i] = m.subs[id]
	}
	return subs
}

// =============================================================================
// STATUS DISPLAY
// =============================================================================

// StatusBadge returns "[OFFLINE]" when offline, empty string otherwise.
func (m *Monitor) StatusBadge() string {
	if m.IsOnline() {
		return ""
	}
	return "[OFFLINE]"
}

// String implements fmt.Stringer.
func (m *Monitor) String() string {
	switch {
	case m.Forced():
		return "offline (forced)"
	case m.IsOnline():
		return "online"
	default:
		return "offline"
	}
}

// =============================================================================
// URL VALIDATION
// =============================================================================

// IsLocalhost checks if a host string refers to localhost.
// Accepts "localhost" and any IPv4 or IPv6 loopback address, with or without port.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateURL checks that rawURL is an absolute http or https URL.
// SECURITY: Rejects file://, data:// and other schemes before any request is made.
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrInvalidURLScheme
	}
	if parsed.Host == "" {
		return ErrInvalidURL
	}
	return nil
}
