package flow

import (
	iface "FaceAuthClient/interface"
	"FaceAuthClient/scheduler"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Mode int

const (
	Login Mode = iota
	DeleteVerify
	Register
)

func (m Mode) String() string {
	switch m {
	case Login:
		return "login"
	case DeleteVerify:
		return "delete"
	case Register:
		return "register"
	}
	return "unknown"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "login":
		return Login, nil
	case "delete", "deleteverify", "delete-verify":
		return DeleteVerify, nil
	case "register":
		return Register, nil
	}
	return Login, fmt.Errorf("unknown flow mode %q", s)
}

type State int

const (
	Idle State = iota
	Detecting
	AwaitingResponse
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Detecting:
		return "detecting"
	case AwaitingResponse:
		return "awaiting_response"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

var (
	ErrLowConfidence = errors.New("face confidence is below the threshold")
	ErrBusy          = errors.New("an authentication attempt is already in progress")
	ErrTerminal      = errors.New("flow has finished")
	ErrNotReady      = errors.New("camera is not ready yet")
	ErrNotStarted    = errors.New("flow is not running")
	ErrMissingTarget = errors.New("delete verification needs a target username")
	ErrMissingName   = errors.New("registration needs a name")
)

const (
	DefaultDisplayDelay = 2 * time.Second
	TimeoutReason       = "authentication timed out"
	LabelUnknown        = "Unknown"
	LabelFailed         = "Failed"
	LabelTimedOut       = "Timed out"
)

var DefaultDestinations = map[string]string{
	"admin": "/admin-dashboard",
	"user":  "/user-dashboard",
}

// Session is the duplex connection a flow authenticates over.
type Session interface {
	Connect(ctx context.Context) error
	Emit(ctx context.Context, req iface.AuthenticateRequest) error
	State() iface.SessionState
	Close() error
}

// SessionHandler receives server events for one flow.
type SessionHandler interface {
	HandleAuth(iface.AuthResponse)
	HandleDelete(iface.DeleteResponse)
	HandleDisconnect(err error)
}

type SessionFactory func(h SessionHandler) Session

type SourceOpener func() (iface.VideoSource, error)

// Observer counts attempts and their outcomes.
type Observer interface {
	Attempt(mode string)
	Outcome(mode, result string)
}

type Deps struct {
	OpenSource   SourceOpener
	Detector     iface.Detector
	Cropper      iface.Cropper
	Overlay      iface.Overlay
	NewSession   SessionFactory
	Store        iface.Store
	Logins       iface.LoginRecorder
	Registrar    iface.Registrar
	Navigator    iface.Navigator
	Observer     Observer
	TickObserver scheduler.Observer
	Log          *zap.Logger
}

type Options struct {
	Mode           Mode
	TargetUsername string
	Tick           time.Duration
	DisplayDelay   time.Duration
	// AuthTimeout bounds one attempt; zero waits for the server forever.
	AuthTimeout time.Duration
	// MaxAttempts is the number of rejected attempts before giving up; zero
	// allows unlimited retries.
	MaxAttempts  int
	Destinations map[string]string
	Home         string
	ViewWidth    int
	ViewHeight   int
}

// Status is a point in time copy of the flow for readers off the loop.
type Status struct {
	ID               string             `json:"id"`
	Mode             string             `json:"mode"`
	State            string             `json:"state"`
	Loading          bool               `json:"loading"`
	HasSucceeded     bool               `json:"hasSucceeded"`
	Confidence       float64            `json:"confidence"`
	IsConfidenceHigh bool               `json:"isConfidenceHigh"`
	Label            string             `json:"label"`
	Box              *iface.BoundingBox `json:"box,omitempty"`
	Identity         string             `json:"identity,omitempty"`
	Role             string             `json:"role,omitempty"`
	Target           string             `json:"target,omitempty"`
	Error            string             `json:"error,omitempty"`
	Attempts         int                `json:"attempts"`
	Rejections       int                `json:"rejections"`
	Destination      string             `json:"destination,omitempty"`
	Session          string             `json:"session"`
}

// Flow drives one login, delete verification or registration from mount to
// a terminal state. All mutable fields below the divider are owned by the
// scheduler goroutine.
type Flow struct {
	id   string
	deps Deps
	opts Options
	log  *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	loop    *scheduler.Loop
	source  iface.VideoSource
	session Session

	started     atomic.Bool
	closeOnce   sync.Once
	releaseOnce sync.Once

	// guards loop, source, session and ctx against a concurrent Close
	lifeMu sync.Mutex
	closed bool

	navMu     sync.Mutex
	navTimer  *time.Timer
	navClosed bool

	snapMu sync.Mutex
	snap   Status

	// loop goroutine only
	state        State
	loading      bool
	hasSucceeded bool
	emitted      bool
	high         bool
	confidence   float64
	box          *iface.BoundingBox
	marker       string
	identity     string
	role         string
	lastErr      string
	attempts     int
	rejections   int
	seq          int
	unanswered   int
	authTimer    *time.Timer
	destination  string
	regName      string
	regRole      string
}

func New(deps Deps, opts Options) *Flow {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Overlay == nil {
		deps.Overlay = nopOverlay{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if opts.DisplayDelay < 0 {
		opts.DisplayDelay = 0
	}
	if opts.Destinations == nil {
		opts.Destinations = DefaultDestinations
	}
	if opts.Home == "" {
		opts.Home = "/"
	}
	id := uuid.NewString()
	f := &Flow{
		id:   id,
		deps: deps,
		opts: opts,
		log:  deps.Log.Named("flow").With(zap.String("flow_id", id), zap.String("mode", opts.Mode.String())),
	}
	f.publish()
	return f
}

// Start mounts the flow: opens the camera, builds a fresh session and starts
// the detection loop. A camera failure is fatal and leaves the flow Failed.
// A Close that lands while the camera opens wins; Start then releases the
// camera itself and reports ErrTerminal.
func (f *Flow) Start(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return errors.New("flow already started")
	}
	if f.opts.Mode == DeleteVerify && f.opts.TargetUsername == "" {
		f.fatal(ErrMissingTarget)
		return ErrMissingTarget
	}
	f.lifeMu.Lock()
	if f.closed {
		f.lifeMu.Unlock()
		return ErrTerminal
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.lifeMu.Unlock()

	src, err := f.deps.OpenSource()
	if err != nil {
		f.log.Error("camera unavailable", zap.Error(err))
		f.fatal(err)
		return err
	}

	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()
	if f.closed {
		if err := src.Close(); err != nil {
			f.log.Warn("closing camera after unmount", zap.Error(err))
		}
		f.log.Info("flow closed while the camera opened")
		return ErrTerminal
	}
	f.source = src
	if f.opts.Mode != Register {
		f.session = f.deps.NewSession(sessionHandler{f})
	}
	f.loop = scheduler.New(scheduler.Config{Tick: f.opts.Tick, Observer: f.deps.TickObserver},
		src, f.deps.Detector, loopHandler{f}, f.deps.Log)
	f.publish()

	go func(loop *scheduler.Loop, ctx context.Context) {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			f.log.Warn("detection loop exited", zap.Error(err))
		}
	}(f.loop, f.ctx)
	if f.session != nil {
		go f.connect()
	}
	f.log.Info("flow started", zap.String("target", f.opts.TargetUsername))
	return nil
}

// connect runs off the loop; the outcome is posted back.
func (f *Flow) connect() {
	err := f.session.Connect(f.ctx)
	if err == nil {
		f.loop.Post(f.publish)
		return
	}
	f.loop.Post(func() { f.onConnectFailed(err) })
}

// Authenticate is the user action that arms one capture. name and role are
// only used by Register.
func (f *Flow) Authenticate(ctx context.Context, name, role string) error {
	f.lifeMu.Lock()
	loop, closed := f.loop, f.closed
	f.lifeMu.Unlock()
	if loop == nil {
		if closed || f.snapshot().State == Failed.String() {
			return ErrTerminal
		}
		return ErrNotStarted
	}
	res := make(chan error, 1)
	if !loop.Post(func() { res <- f.arm(name, role) }) {
		return ErrTerminal
	}
	select {
	case err := <-res:
		return err
	case <-loop.Done():
		select {
		case err := <-res:
			return err
		default:
			return ErrTerminal
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot safe to read from any goroutine.
func (f *Flow) Status() Status {
	return f.snapshot()
}

// Close unmounts the flow: stops the loop, cancels timers and pending
// navigation, closes the session and the camera. Safe to call repeatedly.
func (f *Flow) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.navMu.Lock()
		f.navClosed = true
		if f.navTimer != nil {
			f.navTimer.Stop()
		}
		f.navMu.Unlock()

		// after this Start acquires nothing more
		f.lifeMu.Lock()
		f.closed = true
		loop, cancel := f.loop, f.cancel
		f.lifeMu.Unlock()

		if loop != nil {
			loop.Stop()
			// the loop has exited, its fields are ours now
			f.stopAuthTimer()
		}
		err = f.release()
		if cancel != nil {
			cancel()
		}
		fields := []zap.Field{zap.String("state", f.snapshot().State)}
		if loop != nil {
			st := loop.Stats()
			fields = append(fields, zap.Uint64("ticks", st.Ticks), zap.Uint64("detections", st.Detections),
				zap.Uint64("misses", st.Misses), zap.Uint64("skippedInFlight", st.SkippedInFlight))
		}
		f.log.Info("flow closed", fields...)
	})
	return err
}

// release closes the session and the camera once.
func (f *Flow) release() error {
	var errs []error
	f.releaseOnce.Do(func() {
		if f.session != nil {
			if err := f.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session: %w", err))
			}
		}
		if f.source != nil {
			if err := f.source.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close camera: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

func (f *Flow) fatal(err error) {
	f.state = Failed
	f.loading = false
	f.lastErr = err.Error()
	f.publish()
}

func (f *Flow) snapshot() Status {
	f.snapMu.Lock()
	defer f.snapMu.Unlock()
	s := f.snap
	if s.Box != nil {
		b := *s.Box
		s.Box = &b
	}
	return s
}

func (f *Flow) publish() {
	s := Status{
		ID:               f.id,
		Mode:             f.opts.Mode.String(),
		State:            f.state.String(),
		Loading:          f.loading,
		HasSucceeded:     f.hasSucceeded,
		Confidence:       f.confidence,
		IsConfidenceHigh: f.high,
		Label:            f.currentLabel(),
		Identity:         f.identity,
		Role:             f.role,
		Target:           f.opts.TargetUsername,
		Error:            f.lastErr,
		Attempts:         f.attempts,
		Rejections:       f.rejections,
		Destination:      f.destination,
		Session:          iface.SessionIdle.String(),
	}
	if f.box != nil {
		b := *f.box
		s.Box = &b
	}
	if f.session != nil {
		s.Session = f.session.State().String()
	}
	f.snapMu.Lock()
	f.snap = s
	f.snapMu.Unlock()
}

func (f *Flow) navigateAfterDelay(dest string) {
	f.navMu.Lock()
	defer f.navMu.Unlock()
	if f.navClosed || f.deps.Navigator == nil {
		return
	}
	f.navTimer = time.AfterFunc(f.opts.DisplayDelay, func() {
		f.navMu.Lock()
		closed := f.navClosed
		f.navMu.Unlock()
		if closed {
			return
		}
		f.log.Info("navigating", zap.String("destination", dest))
		f.deps.Navigator.Navigate(dest)
	})
}

func (f *Flow) stopAuthTimer() {
	if f.authTimer != nil {
		f.authTimer.Stop()
		f.authTimer = nil
	}
}

type nopOverlay struct{}

func (nopOverlay) Draw(iface.Frame, iface.BoundingBox, string, iface.Tone) {}
func (nopOverlay) NoFace(iface.Frame)                                      {}
func (nopOverlay) Mark(string, iface.Tone)                                 {}

type nopObserver struct{}

func (nopObserver) Attempt(string)         {}
func (nopObserver) Outcome(string, string) {}
