package flow

import (
	"FaceAuthClient/capture"
	iface "FaceAuthClient/interface"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFrame struct{ closed atomic.Bool }

func (f *fakeFrame) Size() (int, int) { return 640, 480 }

func (f *fakeFrame) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeSource struct {
	closes atomic.Int32
}

func (s *fakeSource) IsReady() bool { return s.closes.Load() == 0 }

func (s *fakeSource) Frame() iface.Frame { return &fakeFrame{} }

func (s *fakeSource) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeDetector struct {
	conf  atomic.Uint64
	calls atomic.Int64
}

func (d *fakeDetector) set(conf float64) { d.conf.Store(math.Float64bits(conf)) }

func (d *fakeDetector) Detect(context.Context, iface.Frame) (*iface.Detection, error) {
	d.calls.Add(1)
	conf := math.Float64frombits(d.conf.Load())
	if conf == 0 {
		return nil, nil
	}
	return &iface.Detection{Box: iface.BoundingBox{X: 200, Y: 120, Width: 160, Height: 200}, Confidence: conf}, nil
}

func (d *fakeDetector) Close() error { return nil }

type fakeCropper struct{ fail atomic.Bool }

func (c *fakeCropper) Crop(iface.Frame, iface.BoundingBox) (*iface.CapturedImage, error) {
	if c.fail.Load() {
		return nil, capture.ErrCropGeometry
	}
	return &iface.CapturedImage{Data: []byte("face"), MimeType: "image/jpeg"}, nil
}

type fakeSession struct {
	mu         sync.Mutex
	state      iface.SessionState
	connectErr error
	handler    SessionHandler
	emits      []iface.AuthenticateRequest
	closes     int
	connects   int
}

func (s *fakeSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectErr != nil {
		s.state = iface.SessionFailed
		return &iface.ConnectionError{URL: "ws://test", Attempts: 6, Err: s.connectErr}
	}
	s.state = iface.SessionOpen
	return nil
}

func (s *fakeSession) Emit(_ context.Context, req iface.AuthenticateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != iface.SessionOpen {
		return iface.ErrNotConnected
	}
	s.emits = append(s.emits, req)
	return nil
}

func (s *fakeSession) State() iface.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.state = iface.SessionClosed
	return nil
}

func (s *fakeSession) emitted() []iface.AuthenticateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]iface.AuthenticateRequest(nil), s.emits...)
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeStore struct {
	mu      sync.Mutex
	user    string
	role    string
	cleared int
}

func (s *fakeStore) SaveIdentity(_ context.Context, user, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user, s.role = user, role
	return nil
}

func (s *fakeStore) ClearIdentity(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user, s.role = "", ""
	s.cleared++
	return nil
}

func (s *fakeStore) Identity(context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.role, nil
}

type fakeLogins struct{ users chan string }

func (l *fakeLogins) LogLogin(_ context.Context, user string, _ time.Time) error {
	l.users <- user
	return errors.New("log service down")
}

type fakeRegistrar struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *fakeRegistrar) Register(_ context.Context, name, role string, img *iface.CapturedImage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+"/"+role)
	return r.err
}

type fakeNavigator struct{ dest chan string }

func (n *fakeNavigator) Navigate(d string) { n.dest <- d }

type harness struct {
	flow      *Flow
	source    *fakeSource
	detector  *fakeDetector
	cropper   *fakeCropper
	session   *fakeSession
	store     *fakeStore
	logins    *fakeLogins
	registrar *fakeRegistrar
	nav       *fakeNavigator
}

func newHarness(t *testing.T, opts Options, configure func(h *harness)) *harness {
	t.Helper()
	h := &harness{
		source:    &fakeSource{},
		detector:  &fakeDetector{},
		cropper:   &fakeCropper{},
		session:   &fakeSession{},
		store:     &fakeStore{},
		logins:    &fakeLogins{users: make(chan string, 4)},
		registrar: &fakeRegistrar{},
		nav:       &fakeNavigator{dest: make(chan string, 4)},
	}
	if configure != nil {
		configure(h)
	}
	if opts.Tick == 0 {
		opts.Tick = 5 * time.Millisecond
	}
	if opts.DisplayDelay == 0 {
		opts.DisplayDelay = 10 * time.Millisecond
	}
	h.flow = New(Deps{
		OpenSource: func() (iface.VideoSource, error) { return h.source, nil },
		Detector:   h.detector,
		Cropper:    h.cropper,
		NewSession: func(handler SessionHandler) Session {
			h.session.handler = handler
			return h.session
		},
		Store:     h.store,
		Logins:    h.logins,
		Registrar: h.registrar,
		Navigator: h.nav,
	}, opts)
	require.NoError(t, h.flow.Start(context.Background()))
	t.Cleanup(func() { _ = h.flow.Close() })
	return h
}

func (h *harness) waitStatus(t *testing.T, cond func(s Status) bool) Status {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.flow.Status()) }, 2*time.Second, 2*time.Millisecond,
		"last status: %+v", h.flow.Status())
	return h.flow.Status()
}

func (h *harness) waitHigh(t *testing.T) {
	t.Helper()
	h.waitStatus(t, func(s Status) bool {
		return s.IsConfidenceHigh && s.State == Detecting.String() && s.Session == iface.SessionOpen.String()
	})
}

func (h *harness) waitEmits(t *testing.T, n int) []iface.AuthenticateRequest {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.session.emitted()) >= n }, 2*time.Second, 2*time.Millisecond)
	return h.session.emitted()
}

func (h *harness) nextDestination(t *testing.T) string {
	t.Helper()
	select {
	case d := <-h.nav.dest:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no navigation")
		return ""
	}
}

func TestFlow_HappyPathLogin(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.detector.set(0.95)
	h.waitHigh(t)

	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	emits := h.waitEmits(t, 1)
	assert.Equal(t, "", emits[0].Action)
	assert.Equal(t, "", emits[0].Username)
	assert.Equal(t, "data:image/jpeg;base64,ZmFjZQ==", emits[0].Image)

	// more high confidence ticks while awaiting the answer
	calls := h.detector.calls.Load()
	require.Eventually(t, func() bool { return h.detector.calls.Load() >= calls+3 }, time.Second, 2*time.Millisecond)
	assert.Len(t, h.session.emitted(), 1)
	st := h.flow.Status()
	assert.True(t, st.Loading)
	assert.Equal(t, AwaitingResponse.String(), st.State)

	h.session.handler.HandleAuth(iface.AuthResponse{Kind: iface.AuthSuccess, Name: "alice", Role: "user"})
	st = h.waitStatus(t, func(s Status) bool { return s.State == Succeeded.String() })
	assert.True(t, st.HasSucceeded)
	assert.False(t, st.Loading)
	assert.Equal(t, "alice", st.Identity)
	assert.Equal(t, "alice", st.Label)
	assert.Equal(t, "/user-dashboard", st.Destination)

	user, role, _ := h.store.Identity(context.Background())
	assert.Equal(t, "alice", user)
	assert.Equal(t, "user", role)
	assert.Equal(t, "alice", <-h.logins.users)
	assert.Equal(t, "/user-dashboard", h.nextDestination(t))

	// torn down on success
	assert.Equal(t, 1, h.session.closeCount())
	assert.Equal(t, int32(1), h.source.closes.Load())
	assert.ErrorIs(t, h.flow.Authenticate(context.Background(), "", ""), ErrTerminal)
	assert.Len(t, h.session.emitted(), 1)
}

func TestFlow_AdminDestination(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.detector.set(0.99)
	h.waitHigh(t)
	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.waitEmits(t, 1)

	h.session.handler.HandleAuth(iface.AuthResponse{Kind: iface.AuthSuccess, Name: "root", Role: "admin"})
	assert.Equal(t, "/admin-dashboard", h.nextDestination(t))
}

func TestFlow_RejectionThenRetry(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.detector.set(0.93)
	h.waitHigh(t)

	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.waitEmits(t, 1)
	h.session.handler.HandleAuth(iface.AuthResponse{Kind: iface.AuthUnknown, Name: "Unknown"})

	st := h.waitStatus(t, func(s Status) bool { return s.State == Detecting.String() && !s.Loading })
	assert.False(t, st.HasSucceeded)
	assert.Equal(t, LabelUnknown, st.Label)
	assert.Equal(t, 1, st.Rejections)

	// no capture without a new user action
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.session.emitted(), 1)

	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.waitEmits(t, 2)
	h.session.handler.HandleAuth(iface.AuthResponse{Kind: iface.AuthError, Reason: "Server busy, please try again"})
	st = h.waitStatus(t, func(s Status) bool { return s.Rejections == 2 })
	assert.Equal(t, "Server busy, please try again", st.Error)
	assert.Equal(t, LabelFailed, st.Label)
	assert.Equal(t, 2, st.Attempts)
}

func TestFlow_LowConfidenceNeverEmits(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.detector.set(0.40)
	h.waitStatus(t, func(s Status) bool { return s.Confidence == 40 && s.Session == "open" })

	assert.ErrorIs(t, h.flow.Authenticate(context.Background(), "", ""), ErrLowConfidence)
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, h.session.emitted())
	assert.False(t, h.flow.Status().Loading)
}

func TestFlow_ConfidenceDropsWhileLoading(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.detector.set(0.95)
	h.waitHigh(t)

	// hold emission back until the confidence is low again
	h.cropper.fail.Store(true)
	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.detector.set(0.40)
	h.waitStatus(t, func(s Status) bool { return !s.IsConfidenceHigh })
	h.cropper.fail.Store(false)

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, h.session.emitted())
	assert.True(t, h.flow.Status().Loading)
}

func TestFlow_ThresholdIsExact(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.detector.set(0.8999)
	h.waitStatus(t, func(s Status) bool { return s.Confidence == 89.99 && s.Session == "open" })
	assert.False(t, h.flow.Status().IsConfidenceHigh)
	assert.ErrorIs(t, h.flow.Authenticate(context.Background(), "", ""), ErrLowConfidence)

	h.detector.set(0.90)
	h.waitHigh(t)
	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.waitEmits(t, 1)
}

func TestFlow_CropMissIsTransient(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.detector.set(0.95)
	h.waitHigh(t)
	h.cropper.fail.Store(true)
	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.session.emitted())
	h.cropper.fail.Store(false)
	h.waitEmits(t, 1)
}

func TestFlow_DeleteVerification(t *testing.T) {
	h := newHarness(t, Options{Mode: DeleteVerify, TargetUsername: "bob"}, func(h *harness) {
		h.store.user, h.store.role = "bob", "user"
	})
	h.detector.set(0.97)
	h.waitHigh(t)

	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	emits := h.waitEmits(t, 1)
	assert.Equal(t, iface.ActionDelete, emits[0].Action)
	assert.Equal(t, "bob", emits[0].Username)
	assert.NotEmpty(t, emits[0].Image)

	h.session.handler.HandleDelete(iface.DeleteResponse{Kind: iface.DeleteDeleted, Name: "bob"})
	assert.Equal(t, "/", h.nextDestination(t))
	user, _, _ := h.store.Identity(context.Background())
	assert.Empty(t, user)
	assert.Equal(t, 1, h.store.cleared)
	assert.Equal(t, Succeeded.String(), h.flow.Status().State)
}

func TestFlow_DeleteFailureIsRetryable(t *testing.T) {
	h := newHarness(t, Options{Mode: DeleteVerify, TargetUsername: "bob"}, nil)
	h.detector.set(0.97)
	h.waitHigh(t)
	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.waitEmits(t, 1)

	h.session.handler.HandleDelete(iface.DeleteResponse{Kind: iface.DeleteFailed, Reason: "face mismatch"})
	st := h.waitStatus(t, func(s Status) bool { return s.Rejections == 1 })
	assert.Equal(t, Detecting.String(), st.State)
	assert.Equal(t, "face mismatch", st.Error)
	assert.Zero(t, h.store.cleared)
}

func TestFlow_DeleteNeedsTarget(t *testing.T) {
	f := New(Deps{}, Options{Mode: DeleteVerify})
	assert.ErrorIs(t, f.Start(context.Background()), ErrMissingTarget)
	assert.Equal(t, Failed.String(), f.Status().State)
	assert.NoError(t, f.Close())
}

func TestFlow_ConnectionFailure(t *testing.T) {
	h := newHarness(t, Options{}, func(h *harness) {
		h.session.connectErr = errors.New("connection refused")
	})
	h.detector.set(0.95)
	st := h.waitStatus(t, func(s Status) bool { return s.IsConfidenceHigh && s.Error != "" })
	assert.Contains(t, st.Error, "giving up")
	assert.Equal(t, iface.SessionFailed.String(), st.Session)

	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	st = h.waitStatus(t, func(s Status) bool { return !s.Loading && s.State == Detecting.String() })
	assert.Contains(t, st.Error, "connection refused")
	h.session.mu.Lock()
	assert.GreaterOrEqual(t, h.session.connects, 2)
	h.session.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.session.emitted())
}

func TestFlow_AuthTimeout(t *testing.T) {
	h := newHarness(t, Options{AuthTimeout: 30 * time.Millisecond}, nil)
	h.detector.set(0.95)
	h.waitHigh(t)
	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.waitEmits(t, 1)

	st := h.waitStatus(t, func(s Status) bool { return s.Rejections == 1 })
	assert.Equal(t, TimeoutReason, st.Error)
	assert.Equal(t, LabelTimedOut, st.Label)
	assert.False(t, st.Loading)

	// a late answer for the timed out attempt is ignored
	h.session.handler.HandleAuth(iface.AuthResponse{Kind: iface.AuthSuccess, Name: "alice", Role: "user"})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.flow.Status().HasSucceeded)
}

func TestFlow_LateAnswerDoesNotSettleNextAttempt(t *testing.T) {
	h := newHarness(t, Options{AuthTimeout: 150 * time.Millisecond}, nil)
	h.detector.set(0.95)
	h.waitHigh(t)
	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.waitEmits(t, 1)
	h.waitStatus(t, func(s Status) bool { return s.Rejections == 1 })

	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.waitEmits(t, 2)

	// the server answers the first image only now
	h.session.handler.HandleAuth(iface.AuthResponse{Kind: iface.AuthSuccess, Name: "mallory", Role: "admin"})
	time.Sleep(20 * time.Millisecond)
	st := h.flow.Status()
	assert.False(t, st.HasSucceeded)
	assert.Equal(t, AwaitingResponse.String(), st.State)

	h.session.handler.HandleAuth(iface.AuthResponse{Kind: iface.AuthSuccess, Name: "alice", Role: "user"})
	st = h.waitStatus(t, func(s Status) bool { return s.HasSucceeded })
	assert.Equal(t, "alice", st.Identity)
	assert.Equal(t, "/user-dashboard", h.nextDestination(t))
}

func TestFlow_GiveUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 1}, nil)
	h.detector.set(0.95)
	h.waitHigh(t)
	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.waitEmits(t, 1)
	h.session.handler.HandleAuth(iface.AuthResponse{Kind: iface.AuthUnknown})

	h.waitStatus(t, func(s Status) bool { return s.State == Failed.String() })
	assert.ErrorIs(t, h.flow.Authenticate(context.Background(), "", ""), ErrTerminal)
	require.Eventually(t, func() bool { return h.source.closes.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, h.session.closeCount())
}

func TestFlow_BusyWhileAwaiting(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.detector.set(0.95)
	h.waitHigh(t)
	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	assert.ErrorIs(t, h.flow.Authenticate(context.Background(), "", ""), ErrBusy)
}

func TestFlow_DisconnectAfterEmitRejects(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.detector.set(0.95)
	h.waitHigh(t)
	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.waitEmits(t, 1)

	h.session.handler.HandleDisconnect(errors.New("eof"))
	st := h.waitStatus(t, func(s Status) bool { return s.Rejections == 1 })
	assert.Equal(t, "connection lost", st.Error)
	assert.False(t, st.HasSucceeded)
}

func TestFlow_Register(t *testing.T) {
	h := newHarness(t, Options{Mode: Register}, nil)
	h.detector.set(0.96)
	h.waitStatus(t, func(s Status) bool { return s.IsConfidenceHigh && s.State == Detecting.String() })

	assert.ErrorIs(t, h.flow.Authenticate(context.Background(), "", ""), ErrMissingName)
	require.NoError(t, h.flow.Authenticate(context.Background(), "dave", ""))
	assert.Equal(t, "/", h.nextDestination(t))

	h.registrar.mu.Lock()
	assert.Equal(t, []string{"dave/user"}, h.registrar.calls)
	h.registrar.mu.Unlock()
	assert.Empty(t, h.session.emitted())
	user, _, _ := h.store.Identity(context.Background())
	assert.Empty(t, user)
}

func TestFlow_RegisterRejected(t *testing.T) {
	h := newHarness(t, Options{Mode: Register}, func(h *harness) {
		h.registrar.err = errors.New("register: Face not detected")
	})
	h.detector.set(0.96)
	h.waitStatus(t, func(s Status) bool { return s.IsConfidenceHigh && s.State == Detecting.String() })
	require.NoError(t, h.flow.Authenticate(context.Background(), "dave", "admin"))

	st := h.waitStatus(t, func(s Status) bool { return s.Rejections == 1 })
	assert.Contains(t, st.Error, "Face not detected")
	assert.Equal(t, Detecting.String(), st.State)
}

func TestFlow_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.detector.set(0.95)
	h.waitHigh(t)

	require.NoError(t, h.flow.Close())
	require.NoError(t, h.flow.Close())
	calls := h.detector.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, h.detector.calls.Load(), calls+1)
	assert.Equal(t, 1, h.session.closeCount())
	assert.Equal(t, int32(1), h.source.closes.Load())
	assert.ErrorIs(t, h.flow.Authenticate(context.Background(), "", ""), ErrTerminal)
}

func TestFlow_CloseCancelsNavigation(t *testing.T) {
	h := newHarness(t, Options{DisplayDelay: 100 * time.Millisecond}, nil)
	h.detector.set(0.95)
	h.waitHigh(t)
	require.NoError(t, h.flow.Authenticate(context.Background(), "", ""))
	h.waitEmits(t, 1)
	h.session.handler.HandleAuth(iface.AuthResponse{Kind: iface.AuthSuccess, Name: "alice", Role: "user"})
	h.waitStatus(t, func(s Status) bool { return s.HasSucceeded })

	require.NoError(t, h.flow.Close())
	select {
	case d := <-h.nav.dest:
		t.Fatalf("navigated to %s after close", d)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFlow_DeviceErrorIsFatal(t *testing.T) {
	f := New(Deps{
		OpenSource: func() (iface.VideoSource, error) { return nil, &iface.DeviceError{Device: "0"} },
	}, Options{})
	err := f.Start(context.Background())
	assert.ErrorIs(t, err, iface.ErrDevice)
	st := f.Status()
	assert.Equal(t, Failed.String(), st.State)
	assert.Contains(t, st.Error, "camera")
	assert.ErrorIs(t, f.Authenticate(context.Background(), "", ""), ErrTerminal)
	assert.NoError(t, f.Close())
	assert.NoError(t, f.Close())
}

func TestFlow_CloseWhileCameraOpens(t *testing.T) {
	src := &fakeSource{}
	sess := &fakeSession{}
	opening := make(chan struct{})
	f := New(Deps{
		OpenSource: func() (iface.VideoSource, error) {
			close(opening)
			time.Sleep(100 * time.Millisecond)
			return src, nil
		},
		Detector:   &fakeDetector{},
		Cropper:    &fakeCropper{},
		NewSession: func(SessionHandler) Session { return sess },
	}, Options{Tick: 5 * time.Millisecond})

	started := make(chan error, 1)
	go func() { started <- f.Start(context.Background()) }()
	<-opening
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.Close())

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrTerminal)
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, int32(1), src.closes.Load(), "camera opened during Close must be released")
	sess.mu.Lock()
	assert.Zero(t, sess.connects)
	sess.mu.Unlock()
	assert.ErrorIs(t, f.Authenticate(context.Background(), "", ""), ErrTerminal)
	assert.NoError(t, f.Close())
}

func TestFlow_CloseBeforeStart(t *testing.T) {
	var opened atomic.Bool
	f := New(Deps{OpenSource: func() (iface.VideoSource, error) {
		opened.Store(true)
		return &fakeSource{}, nil
	}}, Options{})
	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Start(context.Background()), ErrTerminal)
	assert.False(t, opened.Load())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": Login, "login": Login, "delete": DeleteVerify, "Register": Register} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("sudo")
	assert.Error(t, err)
}
