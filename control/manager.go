package control

import (
	"FaceAuthClient/flow"
	iface "FaceAuthClient/interface"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrNoFlow = errors.New("no flow mounted")

// Flow is the part of *flow.Flow the control surface drives.
type Flow interface {
	Start(ctx context.Context) error
	Authenticate(ctx context.Context, name, role string) error
	Status() flow.Status
	Close() error
}

// Factory builds an unstarted flow that reports navigation to nav.
type Factory func(opts flow.Options, nav iface.Navigator) Flow

// Navigation is the last destination a flow asked for.
type Navigation struct {
	Destination string    `json:"destination"`
	FlowID      string    `json:"flowId"`
	Mode        string    `json:"mode"`
	At          time.Time `json:"at"`
}

type navigatorFunc func(dest string)

func (f navigatorFunc) Navigate(dest string) { f(dest) }

type mounted struct {
	gen        uint64
	flow       Flow
	lastActive time.Time
}

// Manager owns at most one mounted flow, the way a page owns one camera
// view. Mounting a new flow unmounts the previous one.
type Manager struct {
	factory     Factory
	defaults    flow.Options
	store       iface.Store
	idleTimeout time.Duration
	log         *zap.Logger

	mu      sync.Mutex
	gen     uint64
	current *mounted
	nav     Navigation

	cancelTimer chan struct{}
	cancelOnce  sync.Once
}

func NewManager(factory Factory, defaults flow.Options, store iface.Store, idleTimeout time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		factory:     factory,
		defaults:    defaults,
		store:       store,
		idleTimeout: idleTimeout,
		log:         log.Named("control"),
		cancelTimer: make(chan struct{}),
	}
	if idleTimeout > 0 {
		go m.idleMonitor()
	}
	return m
}

// Mount replaces the current flow with a new one in mode. A start failure
// still leaves the flow mounted so its Failed status can be read.
func (m *Manager) Mount(ctx context.Context, mode flow.Mode, target string) (flow.Status, error) {
	opts := m.defaults
	opts.Mode = mode
	opts.TargetUsername = target

	m.mu.Lock()
	prev := m.current
	m.gen++
	gen := m.gen
	f := m.factory(opts, navigatorFunc(func(dest string) { m.navigated(gen, dest) }))
	m.current = &mounted{gen: gen, flow: f, lastActive: time.Now()}
	m.mu.Unlock()

	if prev != nil {
		m.closeFlow(prev)
	}
	// flows outlive the request that mounted them
	err := f.Start(context.WithoutCancel(ctx))
	st := f.Status()
	if err != nil {
		m.log.Warn("flow failed to start", zap.String("mode", mode.String()), zap.Error(err))
		return st, err
	}
	m.log.Info("flow mounted", zap.String("flow_id", st.ID), zap.String("mode", mode.String()))
	return st, nil
}

func (m *Manager) Authenticate(ctx context.Context, name, role string) (flow.Status, error) {
	f, ok := m.touch()
	if !ok {
		return flow.Status{}, ErrNoFlow
	}
	err := f.Authenticate(ctx, name, role)
	return f.Status(), err
}

func (m *Manager) Status() (flow.Status, error) {
	f, ok := m.touch()
	if !ok {
		return flow.Status{}, ErrNoFlow
	}
	return f.Status(), nil
}

// Unmount closes the current flow. It reports whether one was mounted.
func (m *Manager) Unmount() bool {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.mu.Unlock()
	if cur == nil {
		return false
	}
	m.closeFlow(cur)
	return true
}

func (m *Manager) Navigation() Navigation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nav
}

// Identity returns the persisted sign-in, if any.
func (m *Manager) Identity(ctx context.Context) (string, string, error) {
	return m.store.Identity(ctx)
}

// Logout forgets the persisted identity.
func (m *Manager) Logout(ctx context.Context) error {
	return m.store.ClearIdentity(ctx)
}

// Close unmounts the current flow and stops the idle monitor.
func (m *Manager) Close() {
	m.cancelOnce.Do(func() {
		close(m.cancelTimer)
	})
	m.Unmount()
}

func (m *Manager) touch() (Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, false
	}
	m.current.lastActive = time.Now()
	return m.current.flow, true
}

// navigated runs on the flow's timer goroutine. Leaving the page unmounts
// the flow that navigated, never a newer one.
func (m *Manager) navigated(gen uint64, dest string) {
	m.mu.Lock()
	cur := m.current
	if cur == nil || cur.gen != gen {
		m.mu.Unlock()
		return
	}
	st := cur.flow.Status()
	m.nav = Navigation{Destination: dest, FlowID: st.ID, Mode: st.Mode, At: time.Now()}
	m.current = nil
	m.mu.Unlock()

	m.log.Info("navigated", zap.String("destination", dest), zap.String("flow_id", st.ID))
	go m.closeFlow(cur)
}

func (m *Manager) closeFlow(cur *mounted) {
	if err := cur.flow.Close(); err != nil {
		m.log.Warn("closing flow", zap.Error(err))
	}
}

func (m *Manager) idleMonitor() {
	ticker := time.NewTicker(m.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-m.cancelTimer:
			return
		case <-ticker.C:
			m.mu.Lock()
			cur := m.current
			if cur != nil && time.Since(cur.lastActive) > m.idleTimeout {
				m.current = nil
			} else {
				cur = nil
			}
			m.mu.Unlock()
			if cur != nil {
				m.log.Info("flow idle, unmounting", zap.Duration("idleTimeout", m.idleTimeout))
				m.closeFlow(cur)
			}
		}
	}
}
