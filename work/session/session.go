package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"satradio-proxy/work/config"
	"satradio-proxy/work/logger"
	"satradio-proxy/work/metrics"
	"satradio-proxy/work/types"
	"satradio-proxy/work/utils"
)

// State is the externally visible authentication state of the manager.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Authenticator performs the upstream login exchange.
type Authenticator interface {
	Login(ctx context.Context, creds types.Credentials) (*types.Session, error)
}

// Options tunes session lifetime handling.
type Options struct {
	ExpiryMargin  time.Duration // a session this close to expiry is treated as expired
	RefreshAhead  time.Duration // Run refreshes sessions expiring within this window
	LoginTimeout  time.Duration // bound on a single login exchange
	CheckInterval time.Duration // how often Run inspects the session
}

// Info summarises the current session for the admin surface. The token is never exposed.
type Info struct {
	State      string    `json:"state"`
	Region     string    `json:"region,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
	Generation uint64    `json:"generation"`
	Token      string    `json:"token,omitempty"` // shortened for display
}

const loginKey = "login"

// Manager owns the single upstream session shared by every player.
//
// Readers get an immutable *types.Session; a refresh installs a new value with a higher
// generation. Invalidation is compare-and-swap on that generation, so any number of
// requests that failed with the same session trigger exactly one new login. Logins are
// single-flight and run detached from the caller that triggered them.
type Manager struct {
	auth  Authenticator
	creds types.Credentials
	opts  Options

	mu         sync.RWMutex
	current    *types.Session
	generation uint64
	failedGen  uint64 // generation whose proactive refresh already failed

	group     singleflight.Group
	loggingIn atomic.Bool
	now       func() time.Time
}

// NewManager creates a manager that logs in with creds through auth
func NewManager(auth Authenticator, creds types.Credentials, opts Options) *Manager {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 20 * time.Second
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 15 * time.Second
	}
	if opts.ExpiryMargin < 0 {
		opts.ExpiryMargin = 0
	}
	return &Manager{
		auth:  auth,
		creds: creds,
		opts:  opts,
		now:   time.Now,
	}
}

// NewManagerFromConfig wires a manager with the configured credentials and windows
func NewManagerFromConfig(auth Authenticator, cfg *config.Config) *Manager {
	return NewManager(auth, types.Credentials{
		Username: cfg.Upstream.Username,
		Password: cfg.Upstream.Password,
		Region:   cfg.Upstream.Region,
	}, Options{
		ExpiryMargin: cfg.SessionExpiryMargin,
		RefreshAhead: cfg.SessionRefreshAhead,
		LoginTimeout: cfg.FetchTimeout,
	})
}

// Acquire returns the current session, logging in first when none is held or the held
// one has expired. A caller whose ctx ends stops waiting; the login itself continues
// for the other waiters.
func (m *Manager) Acquire(ctx context.Context) (*types.Session, error) {
	if s := m.valid(); s != nil {
		return s, nil
	}
	return m.login(ctx, false)
}

// Invalidate marks stale as unusable. It only has an effect while stale is still the
// current session; once a newer session is installed the call is a no-op.
func (m *Manager) Invalidate(stale *types.Session) {
	if stale == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.Generation != stale.Generation {
		logger.Debug("{session/session - Invalidate} ignoring stale session generation %d", stale.Generation)
		return
	}

	logger.Info("{session/session - Invalidate} session generation %d invalidated", stale.Generation)
	m.current = nil
}

// State reports whether the manager is logged in, logging in, or neither
func (m *Manager) State() State {
	if m.loggingIn.Load() {
		return Authenticating
	}
	if m.valid() != nil {
		return Authenticated
	}
	return Unauthenticated
}

// Info returns a display-safe summary of the current session
func (m *Manager) Info() Info {
	info := Info{State: m.State().String()}

	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()

	if s != nil {
		info.Region = s.Region
		info.ExpiresAt = s.ExpiresAt
		info.Generation = s.Generation
		info.Token = utils.ShortToken(s.Token)
	}
	return info
}

// Run refreshes the session ahead of expiry until ctx ends. A failed proactive refresh
// is logged and not retried for the same session; the next Acquire decides what to do.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	logger.Debug("{session/session - Run} proactive refresh started (window %v)", m.opts.RefreshAhead)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("{session/session - Run} proactive refresh stopped")
			return
		case <-ticker.C:
			m.refreshIfDue(ctx)
		}
	}
}

// refreshIfDue performs one proactive refresh check
func (m *Manager) refreshIfDue(ctx context.Context) {
	m.mu.RLock()
	s := m.current
	failed := m.failedGen
	m.mu.RUnlock()

	if s == nil || s.Generation == failed {
		return
	}
	if m.now().Add(m.opts.RefreshAhead).Before(s.ExpiresAt) {
		return
	}

	logger.Info("{session/session - refreshIfDue} session generation %d expires at %s, refreshing", s.Generation, s.ExpiresAt.Format(time.RFC3339))

	if _, err := m.login(ctx, true); err != nil {
		m.mu.Lock()
		m.failedGen = s.Generation
		m.mu.Unlock()
		logger.Warn("{session/session - refreshIfDue} proactive refresh failed: %v", err)
	}
}

// valid returns the current session if it is usable now
func (m *Manager) valid() *types.Session {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()

	if s.Valid(m.now(), m.opts.ExpiryMargin) {
		return s
	}
	return nil
}

// login joins or starts the single login flight. With force the flight logs in even if
// a valid session is held, which is how proactive refresh replaces a live session.
func (m *Manager) login(ctx context.Context, force bool) (*types.Session, error) {
	ch := m.group.DoChan(loginKey, func() (any, error) {
		if !force {
			if s := m.valid(); s != nil {
				return s, nil
			}
		}
		return m.doLogin(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Session), nil
	}
}

// doLogin performs the upstream exchange and installs the resulting session
func (m *Manager) doLogin(ctx context.Context) (*types.Session, error) {
	m.loggingIn.Store(true)
	defer m.loggingIn.Store(false)

	ctx, cancel := context.WithTimeout(ctx, m.opts.LoginTimeout)
	defer cancel()

	logger.Debug("{session/session - doLogin} logging in as %s (region %s)", m.creds.Username, m.creds.Region)

	issued, err := m.auth.Login(ctx, m.creds)
	if err != nil {
		metrics.Logins.WithLabelValues("failure").Inc()
		if !errors.Is(err, types.ErrAuthentication) && !errors.Is(err, types.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
		}
		logger.Error("{session/session - doLogin} login failed: %v", err)
		return nil, fmt.Errorf("login: %w", err)
	}
	if issued == nil || issued.Token == "" {
		metrics.Logins.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("login: %w: empty session", types.ErrAuthentication)
	}

	m.mu.Lock()
	m.generation++
	s := &types.Session{
		Token:      issued.Token,
		Region:     issued.Region,
		ExpiresAt:  issued.ExpiresAt,
		Generation: m.generation,
	}
	m.current = s
	m.mu.Unlock()

	metrics.Logins.WithLabelValues("success").Inc()
	logger.Info("{session/session - doLogin} logged in, session generation %d valid until %s", s.Generation, s.ExpiresAt.Format(time.RFC3339))

	return s, nil
}
