// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package connectivity

import (
	"context"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultProbeInterval is how often the prober checks the health URL.
	DefaultProbeInterval = 15 * time.Second

	// DefaultProbeTimeout bounds a single probe request.
	DefaultProbeTimeout = 5 * time.Second

	// MinProbeGap limits manual probes.
	MinProbeGap = time.Second
)

// Prober periodically checks the remote health URL and feeds the Monitor.
// Any HTTP response counts as online; only a transport failure is offline.
type Prober struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration

	client  *http.Client
	monitor *Monitor
	limiter *rate.Limiter
	logger  *log.Logger
}

// NewProber creates a prober for url. interval <= 0 disables Run.
func NewProber(m *Monitor, url string, interval time.Duration) *Prober {
	return &Prober{
		URL:      url,
		Interval: interval,
		Timeout:  DefaultProbeTimeout,
		client:   &http.Client{},
		monitor:  m,
		limiter:  rate.NewLimiter(rate.Every(MinProbeGap), 1),
	}
}

// WithHTTPClient sets the HTTP client used for probes.
func (p *Prober) WithHTTPClient(c *http.Client) *Prober {
	p.client = c
	return p
}

// WithLogger sets the logger.
func (p *Prober) WithLogger(l *log.Logger) *Prober {
	p.logger = l
	return p
}

func (p *Prober) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Probe issues one health check and returns the resulting state.
// Calls faster than MinProbeGap return the current state without a request.
func (p *Prober) Probe(ctx context.Context) bool {
	if p.monitor.Forced() {
		return false
	}
	if !p.limiter.Allow() {
		return p.monitor.IsOnline()
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, p.URL, nil)
	if err != nil {
		p.logf("[connectivity] bad probe URL: %v", err)
		return p.monitor.IsOnline()
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Shutdown is not evidence of being offline
		if ctx.Err() != nil {
			return p.monitor.IsOnline()
		}
		if p.monitor.SetOnline(false) {
			p.logf("[connectivity] offline: %v", err)
		}
		return false
	}
	resp.Body.Close()

	if p.monitor.SetOnline(true) {
		p.logf("[connectivity] online (HTTP %d)", resp.StatusCode)
	}
	return p.monitor.IsOnline()
}

// Run probes immediately and then every Interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	if p.Interval <= 0 || p.URL == "" {
		<-ctx.Done()
		return nil
	}

	p.Probe(ctx)
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
