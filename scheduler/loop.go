package scheduler

import (
	iface "FaceAuthClient/interface"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultTick = 500 * time.Millisecond

// Tick outcomes reported to the Observer.
const (
	TickDetect          = "detect"
	TickSkippedInFlight = "skipped_inflight"
	TickSkippedNotReady = "skipped_not_ready"
	TickSkippedInactive = "skipped_inactive"
	TickSkippedNoFrame  = "skipped_no_frame"
)

var ErrRunning = errors.New("loop already started")

// Handler receives loop events. Every method is called on the loop goroutine.
type Handler interface {
	// Active reports whether ticks should still run detection.
	Active() bool
	// OnReady is called once, on the first tick the source is ready.
	OnReady()
	// OnMiss is called when the detector found nothing or failed.
	OnMiss(frame iface.Frame)
	OnDetection(frame iface.Frame, det iface.Detection)
}

// Observer is notified of tick outcomes and detector latency.
type Observer interface {
	Tick(outcome string)
	Detect(elapsed time.Duration, found bool, err error)
}

type nopObserver struct{}

func (nopObserver) Tick(string)                       {}
func (nopObserver) Detect(time.Duration, bool, error) {}

type Config struct {
	Tick     time.Duration
	Observer Observer
}

type result struct {
	frame   iface.Frame
	det     *iface.Detection
	err     error
	elapsed time.Duration
}

type Stats struct {
	Ticks           uint64
	Detections      uint64
	Misses          uint64
	SkippedInFlight uint64
}

// Loop is a single goroutine event loop. Ticks, detector results and posted
// closures are serialized on it, so handler state needs no locking.
type Loop struct {
	tick     time.Duration
	source   iface.VideoSource
	detector iface.Detector
	handler  Handler
	obs      Observer
	log      *zap.Logger

	results chan result
	posts   chan func()
	quit    chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	closed   bool
	started  atomic.Bool
	quitOnce sync.Once
	workers  sync.WaitGroup

	// loop goroutine only
	inFlight  bool
	readySeen bool

	ticks, detections, misses, skipped atomic.Uint64
}

func New(cfg Config, source iface.VideoSource, detector iface.Detector, handler Handler, log *zap.Logger) *Loop {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		tick:     cfg.Tick,
		source:   source,
		detector: detector,
		handler:  handler,
		obs:      cfg.Observer,
		log:      log.Named("scheduler"),
		results:  make(chan result, 1),
		posts:    make(chan func(), 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks until Stop, Halt or ctx cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(l.done)
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		l.drain()
		// the detector may still hold the frame; Done waits for it
		l.workers.Wait()
	}()

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	l.log.Debug("loop started", zap.Duration("tick", l.tick))

	for {
		// a callback may have halted the loop
		select {
		case <-l.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		select {
		case <-l.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.onTick(ctx)
		case r := <-l.results:
			l.onResult(r)
		case fn := <-l.posts:
			fn()
		}
	}
}

func (l *Loop) onTick(ctx context.Context) {
	l.ticks.Add(1)
	if l.inFlight {
		l.skipped.Add(1)
		l.obs.Tick(TickSkippedInFlight)
		return
	}
	if !l.source.IsReady() {
		l.obs.Tick(TickSkippedNotReady)
		return
	}
	if !l.readySeen {
		l.readySeen = true
		l.handler.OnReady()
		if l.halted() {
			return
		}
	}
	if !l.handler.Active() {
		l.obs.Tick(TickSkippedInactive)
		return
	}
	frame := l.source.Frame()
	if frame == nil {
		l.obs.Tick(TickSkippedNoFrame)
		return
	}
	l.inFlight = true
	l.obs.Tick(TickDetect)
	l.workers.Add(1)
	go l.detect(ctx, frame)
}

func (l *Loop) detect(ctx context.Context, frame iface.Frame) {
	defer l.workers.Done()
	start := time.Now()
	r := result{frame: frame}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.err = fmt.Errorf("detector panic: %v", rec)
			}
		}()
		r.det, r.err = l.detector.Detect(ctx, frame)
	}()
	r.elapsed = time.Since(start)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		_ = frame.Close()
		return
	}
	// at most one detection is in flight, so the buffer slot is free
	l.results <- r
}

func (l *Loop) onResult(r result) {
	l.inFlight = false
	defer r.frame.Close()
	l.obs.Detect(r.elapsed, r.det != nil, r.err)

	if !l.handler.Active() {
		return
	}
	if r.err != nil {
		if !errors.Is(r.err, context.Canceled) {
			l.log.Warn("detector failed", zap.Error(r.err))
		}
		l.misses.Add(1)
		l.handler.OnMiss(r.frame)
		return
	}
	if r.det == nil || !r.det.Box.Valid() {
		l.misses.Add(1)
		l.handler.OnMiss(r.frame)
		return
	}
	l.detections.Add(1)
	l.handler.OnDetection(r.frame, *r.det)
}

// Post queues fn onto the loop goroutine. It returns false once the loop is
// stopped; fn will then never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed || l.halted() {
		return false
	}
	select {
	case l.posts <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Halt stops the loop without waiting. Handler callbacks use it; no further
// callback runs after the current one returns.
func (l *Loop) Halt() {
	l.quitOnce.Do(func() {
		close(l.quit)
	})
}

// Stop halts the loop and waits for it and any in-flight Detect call to
// return. It must not be called from a Handler callback or a posted
// closure; use Halt there.
func (l *Loop) Stop() {
	l.Halt()
	if l.started.Load() {
		<-l.done
	}
}

func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:           l.ticks.Load(),
		Detections:      l.detections.Load(),
		Misses:          l.misses.Load(),
		SkippedInFlight: l.skipped.Load(),
	}
}

func (l *Loop) halted() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

func (l *Loop) drain() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	select {
	case r := <-l.results:
		_ = r.frame.Close()
	default:
	}
	l.log.Debug("loop stopped")
}
