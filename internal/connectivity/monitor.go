// Package connectivity reports whether the forms API is reachable.
package connectivity

import (
	"context"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/oneblink/formsync/internal/logging"
	"github.com/oneblink/formsync/internal/observer"
)

type Checker interface {
	IsOffline() bool
}

type Change struct {
	Offline bool `json:"offline"`
}

// Static is a Checker whose state is set by hand.
type Static struct {
	offline atomic.Bool
	changes observer.Registry[Change]
}

func NewStatic(offline bool) *Static {
	s := &Static{}
	s.offline.Store(offline)
	return s
}

func (s *Static) IsOffline() bool { return s.offline.Load() }

func (s *Static) OnChange(fn func(Change)) func() { return s.changes.Subscribe(fn) }

func (s *Static) SetOffline(offline bool) {
	if s.offline.Swap(offline) != offline {
		s.changes.Publish(Change{Offline: offline})
	}
}

type Options struct {
	URL               string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	Logger            logging.Logger
}

// Monitor holds a websocket open to the heartbeat endpoint and treats a
// failed dial or ping as being offline.
type Monitor struct {
	url               string
	heartbeatInterval time.Duration
	pingTimeout       time.Duration
	minBackoff        time.Duration
	maxBackoff        time.Duration
	logger            logging.Logger

	offline atomic.Bool
	changes observer.Registry[Change]
}

func NewMonitor(opts Options) *Monitor {
	m := &Monitor{
		url:               strings.TrimSpace(opts.URL),
		heartbeatInterval: opts.HeartbeatInterval,
		pingTimeout:       opts.PingTimeout,
		minBackoff:        opts.MinBackoff,
		maxBackoff:        opts.MaxBackoff,
		logger:            logging.OrDefault(opts.Logger),
	}
	if m.heartbeatInterval <= 0 {
		m.heartbeatInterval = 15 * time.Second
	}
	if m.pingTimeout <= 0 {
		m.pingTimeout = 5 * time.Second
	}
	if m.minBackoff <= 0 {
		m.minBackoff = time.Second
	}
	if m.maxBackoff < m.minBackoff {
		m.maxBackoff = 30 * time.Second
		if m.maxBackoff < m.minBackoff {
			m.maxBackoff = m.minBackoff
		}
	}
	return m
}

func (m *Monitor) IsOffline() bool {
	return m.offline.Load()
}

// OnChange registers fn for transitions between online and offline.
func (m *Monitor) OnChange(fn func(Change)) func() {
	return m.changes.Subscribe(fn)
}

// SetOffline records the state and notifies listeners when it changed.
func (m *Monitor) SetOffline(offline bool) {
	if m.offline.Swap(offline) == offline {
		return
	}
	if offline {
		m.logger.Printf("connectivity: offline")
	} else {
		m.logger.Printf("connectivity: back online")
	}
	m.changes.Publish(Change{Offline: offline})
}

// Run keeps the heartbeat connection alive until ctx is done. With no URL
// configured the monitor stays online.
func (m *Monitor) Run(ctx context.Context) error {
	if m.url == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	backoff := m.minBackoff
	for {
		connected, err := m.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Debug().Printf("connectivity: heartbeat failed: %v", err)
		m.SetOffline(true)
		if connected {
			backoff = m.minBackoff
		}
		if waitErr := sleep(ctx, jitter(backoff)); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
	}
}

// session dials once and pings until a ping fails.
func (m *Monitor) session(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	conn, _, err := websocket.Dial(dialCtx, m.url, nil)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readCtx := conn.CloseRead(ctx)
	m.SetOffline(false)

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-readCtx.Done():
			return true, readCtx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(readCtx, m.pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return true, err
			}
		}
	}
}

func jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
