// Package stream subscribes to a task stream for one project and
// feeds it into a reconciler. One Manager owns one logical
// subscription: the transport connection, its retry loop, and the
// reconciler lifecycle.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mt21625457/taskstream/domain"
	"github.com/mt21625457/taskstream/reconcile"
)

// Status is the transport-level connection state, observed read-only
// by the reconciler's consumers.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// Config parameterizes a subscription.
type Config struct {
	// BaseURL is the hub address, e.g. "http://localhost:9000".
	BaseURL string
	// Project selects which board's stream to subscribe to.
	Project string
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Logger defaults to the logrus standard logger.
	Logger *log.Logger
	// RetryInitial and RetryMax bound the reconnect backoff. Defaults
	// are 500ms and 30s.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Manager owns one subscription. Messages are dispatched to the
// reconciler synchronously, in arrival order, from a single goroutine.
//
// Switching projects means closing the old Manager and creating a new
// one; a Manager never changes selector mid-life, so a late message
// from an old transport can never reach a new reconciler.
type Manager struct {
	cfg        Config
	logger     *log.Logger
	reconciler *reconcile.Reconciler

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	status   Status
	lastErr  error
	connStop context.CancelFunc
	kick     chan struct{}
}

// Subscribe opens a subscription for cfg.Project and starts the
// receive loop. The returned Manager is live until Close or until ctx
// is cancelled.
func Subscribe(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("stream: BaseURL is required")
	}
	if cfg.Project == "" {
		return nil, errors.New("stream: Project is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("stream: invalid BaseURL: %w", err)
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}

	runCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		cfg:        cfg,
		logger:     cfg.Logger,
		reconciler: reconcile.New(cfg.Logger),
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     StatusConnecting,
		kick:       make(chan struct{}, 1),
	}
	go m.run(runCtx)
	return m, nil
}

// Tasks returns a copy of the last consistent collection. While the
// connection is down this is the stale-but-available previous state.
func (m *Manager) Tasks() domain.Collection { return m.reconciler.Tasks() }

// Synced reports whether a snapshot has been applied on the current
// connection.
func (m *Manager) Synced() bool { return m.reconciler.State() == reconcile.StateSynced }

// Status returns the current transport state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Err returns the last connection error, if any. It is sticky until
// the next successful connect.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Reconnect drops the current connection (if any) and retries
// immediately, skipping any pending backoff wait. Surfaced in UIs as
// the manual "reconnect" action.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	stop := m.connStop
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Close tears down the subscription. No further messages are applied
// after Close returns.
func (m *Manager) Close() {
	m.cancel()
	<-m.done
}

func (m *Manager) setStatus(s Status, err error) {
	m.mu.Lock()
	m.status = s
	if err != nil || s == StatusOpen {
		m.lastErr = err
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.setStatus(StatusClosed, nil)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		m.setStatus(StatusConnecting, nil)

		connCtx, connStop := context.WithCancel(ctx)
		m.mu.Lock()
		m.connStop = connStop
		m.mu.Unlock()

		opened, err := m.consume(connCtx)
		connStop()

		if ctx.Err() != nil {
			return
		}
		if opened {
			attempt = 0
		}
		if err != nil {
			m.setStatus(StatusClosed, err)
			m.logger.WithFields(log.Fields{
				"project": m.cfg.Project,
				"attempt": attempt,
			}).Warnf("stream connection lost: %v", err)
		} else {
			m.setStatus(StatusClosed, nil)
		}

		backoff := m.cfg.RetryInitial << attempt
		if backoff > m.cfg.RetryMax || backoff <= 0 {
			backoff = m.cfg.RetryMax
		}
		if attempt < 16 {
			attempt++
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.kick:
			timer.Stop()
			attempt = 0
		case <-timer.C:
		}
	}
}

// consume opens one connection and pumps messages until it fails or
// the context is cancelled. It reports whether the stream was ever
// successfully opened so the retry loop can reset its backoff.
func (m *Manager) consume(ctx context.Context) (opened bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.streamURL(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := m.cfg.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}

	// A freshly opened connection starts from a fresh snapshot; stale
	// patches from before the reset must never apply.
	m.reconciler.Reset()
	m.setStatus(StatusOpen, nil)
	m.logger.WithField("project", m.cfg.Project).Debug("stream open")

	events := newEventReader(resp.Body)
	for {
		payload, err := events.Next()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}
		if ctx.Err() != nil {
			// Cancelled mid-read: drop the in-flight message.
			return true, nil
		}
		msg, err := domain.DecodeMessage(payload)
		if err != nil {
			return true, fmt.Errorf("bad stream payload: %w", err)
		}
		m.reconciler.Ingest(msg)
		if m.reconciler.NeedsResync() {
			// Divergence suspected: drop the connection and let the
			// reconnect deliver a fresh snapshot.
			return true, errors.New("resynchronization required")
		}
	}
}

func (m *Manager) streamURL() string {
	return m.cfg.BaseURL + "/stream?project=" + url.QueryEscape(m.cfg.Project)
}
