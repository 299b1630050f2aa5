package flow

import (
	"FaceAuthClient/capture"
	iface "FaceAuthClient/interface"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const storeTimeout = 5 * time.Second

// loopHandler adapts the flow to scheduler callbacks.
type loopHandler struct{ f *Flow }

func (h loopHandler) Active() bool {
	return h.f.state != Succeeded && h.f.state != Failed
}

func (h loopHandler) OnReady() {
	f := h.f
	if f.state == Idle {
		f.state = Detecting
		f.log.Debug("camera ready")
		f.publish()
	}
}

func (h loopHandler) OnMiss(frame iface.Frame) {
	f := h.f
	f.high = false
	f.confidence = 0
	f.box = nil
	f.deps.Overlay.NoFace(frame)
	f.publish()
}

func (h loopHandler) OnDetection(frame iface.Frame, det iface.Detection) {
	f := h.f
	fw, fh := frame.Size()
	vbox := det.Box.ToViewport(fw, fh, f.opts.ViewWidth, f.opts.ViewHeight)
	f.box = &vbox
	f.confidence = det.Percent()
	f.high = det.IsHigh()

	f.deps.Overlay.Draw(frame, det.Box, f.currentLabel(), f.currentTone())

	if f.loading && f.high && !f.hasSucceeded && !f.emitted && f.state == AwaitingResponse {
		f.capture(frame, det)
	}
	f.publish()
}

// currentLabel is the identity once known, the rejection marker after a
// failed attempt, or the plain confidence.
func (f *Flow) currentLabel() string {
	switch {
	case f.hasSucceeded && f.identity != "":
		return f.identity
	case f.marker != "":
		return f.marker
	case f.box == nil:
		return ""
	}
	return fmt.Sprintf("%.2f%%", f.confidence)
}

func (f *Flow) currentTone() iface.Tone {
	switch {
	case f.hasSucceeded:
		return iface.TonePositive
	case f.marker != "":
		return iface.ToneNegative
	}
	return iface.ToneNeutral
}

// arm handles the user action on the loop goroutine.
func (f *Flow) arm(name, role string) error {
	switch {
	case f.hasSucceeded || f.state == Succeeded || f.state == Failed:
		return ErrTerminal
	case f.state == Idle:
		return ErrNotReady
	case f.loading:
		return ErrBusy
	case !f.high:
		return ErrLowConfidence
	}
	if f.opts.Mode == Register {
		if name == "" {
			return ErrMissingName
		}
		if role == "" {
			role = iface.DefaultRole
		}
		f.regName, f.regRole = name, role
	}

	f.seq++
	seq := f.seq
	f.loading = true
	f.emitted = false
	f.marker = ""
	f.lastErr = ""
	f.state = AwaitingResponse

	if f.opts.AuthTimeout > 0 {
		loop := f.loop
		f.authTimer = time.AfterFunc(f.opts.AuthTimeout, func() {
			loop.Post(func() { f.onTimeout(seq) })
		})
	}
	if f.session != nil {
		switch st := f.session.State(); st {
		case iface.SessionOpen, iface.SessionConnecting:
		default:
			f.log.Info("session not open, reconnecting", zap.String("session", st.String()))
			go f.connect()
		}
	}
	f.log.Info("authentication armed", zap.Int("attempt", seq))
	f.publish()
	return nil
}

// capture crops the face and hands it to the backend. Failures leave the
// attempt armed for the next tick.
func (f *Flow) capture(frame iface.Frame, det iface.Detection) {
	if f.opts.Mode != Register && (f.session == nil || f.session.State() != iface.SessionOpen) {
		return
	}
	img, err := f.deps.Cropper.Crop(frame, det.Box)
	if err != nil {
		if errors.Is(err, capture.ErrCropGeometry) {
			f.log.Debug("crop skipped", zap.Error(err))
		} else {
			f.log.Warn("crop failed", zap.Error(err))
		}
		return
	}

	seq := f.seq
	switch f.opts.Mode {
	case Register:
		f.emitted = true
		name, role, loop := f.regName, f.regRole, f.loop
		go func() {
			err := f.deps.Registrar.Register(f.ctx, name, role, img)
			loop.Post(func() { f.onRegistered(seq, err) })
		}()
	default:
		req := iface.AuthenticateRequest{Image: img.DataURL()}
		if f.opts.Mode == DeleteVerify {
			req.Action = iface.ActionDelete
			req.Username = f.opts.TargetUsername
		}
		if err := f.session.Emit(f.ctx, req); err != nil {
			f.log.Warn("emit failed", zap.Error(err))
			f.lastErr = err.Error()
			return
		}
		f.emitted = true
	}
	f.attempts++
	f.deps.Observer.Attempt(f.opts.Mode.String())
	f.log.Info("face sent", zap.Int("attempt", seq), zap.Float64("confidence", det.Percent()), zap.Int("bytes", len(img.Data)))
}

func (f *Flow) awaiting() bool {
	return f.state == AwaitingResponse && f.loading && f.emitted
}

// stale reports whether a response answers an emission that already timed
// out. The server answers every emission once, in order, on one socket.
func (f *Flow) stale() bool {
	if f.unanswered == 0 {
		return false
	}
	f.unanswered--
	f.log.Debug("dropping response for a timed out attempt", zap.Int("pending", f.unanswered))
	return true
}

func (f *Flow) onAuth(res iface.AuthResponse) {
	if f.stale() {
		return
	}
	if !f.awaiting() {
		f.log.Debug("ignoring auth response outside an attempt", zap.String("name", res.Name))
		return
	}
	switch {
	case res.Kind == iface.AuthSuccess && f.opts.Mode == Login:
		f.succeed(res.Name, res.Role)
	case res.Kind == iface.AuthSuccess:
		f.log.Debug("ignoring auth success during delete verification", zap.String("name", res.Name))
	case res.Kind == iface.AuthUnknown:
		f.reject("unknown identity", LabelUnknown)
	default:
		f.reject(res.Reason, LabelFailed)
	}
}

func (f *Flow) onDelete(res iface.DeleteResponse) {
	if f.stale() {
		return
	}
	if f.opts.Mode != DeleteVerify || !f.awaiting() {
		f.log.Debug("ignoring delete response outside an attempt")
		return
	}
	if res.Kind == iface.DeleteDeleted {
		f.succeed(res.Name, "")
		return
	}
	f.reject(res.Reason, LabelFailed)
}

func (f *Flow) onRegistered(seq int, err error) {
	if seq != f.seq || !f.awaiting() {
		return
	}
	if err != nil {
		f.reject(err.Error(), LabelFailed)
		return
	}
	f.succeed(f.regName, f.regRole)
}

func (f *Flow) onTimeout(seq int) {
	if seq != f.seq || f.state != AwaitingResponse {
		return
	}
	f.log.Warn("attempt timed out", zap.Duration("timeout", f.opts.AuthTimeout))
	if f.emitted && f.opts.Mode != Register {
		f.unanswered++
	}
	f.reject(TimeoutReason, LabelTimedOut)
}

// onConnectFailed clears any armed attempt that has not been sent yet.
func (f *Flow) onConnectFailed(err error) {
	f.lastErr = err.Error()
	if f.loading && !f.emitted {
		f.stopAuthTimer()
		f.loading = false
		f.state = Detecting
	}
	f.log.Error("session unavailable", zap.Error(err))
	f.publish()
}

func (f *Flow) onDisconnect(err error) {
	if f.state == Succeeded || f.state == Failed {
		return
	}
	f.lastErr = fmt.Sprintf("connection lost: %v", err)
	// a new socket never answers emissions sent on the old one
	f.unanswered = 0
	switch {
	case f.awaiting() && f.opts.Mode != Register:
		f.reject("connection lost", LabelFailed)
		return
	case f.loading:
		go f.connect()
	}
	f.publish()
}

func (f *Flow) succeed(name, role string) {
	f.stopAuthTimer()
	f.hasSucceeded = true
	f.loading = false
	f.state = Succeeded
	f.identity = name
	f.role = role
	f.marker = ""

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	switch f.opts.Mode {
	case Login:
		if f.role == "" {
			f.role = iface.DefaultRole
		}
		if f.deps.Store != nil {
			if err := f.deps.Store.SaveIdentity(ctx, f.identity, f.role); err != nil {
				f.log.Error("persisting identity failed", zap.Error(err))
			}
		}
		f.logLogin(f.identity, time.Now())
		f.destination = f.destinationFor(f.role)
	case DeleteVerify:
		if f.deps.Store != nil {
			if err := f.deps.Store.ClearIdentity(ctx); err != nil {
				f.log.Error("clearing identity failed", zap.Error(err))
			}
		}
		f.destination = f.opts.Home
	case Register:
		f.destination = f.opts.Home
	}

	f.deps.Overlay.Mark(f.currentLabel(), iface.TonePositive)
	f.deps.Observer.Outcome(f.opts.Mode.String(), "success")
	f.log.Info("flow succeeded", zap.String("name", f.identity), zap.String("role", f.role),
		zap.String("destination", f.destination))
	f.publish()

	f.loop.Halt()
	if err := f.release(); err != nil {
		f.log.Warn("teardown after success", zap.Error(err))
	}
	f.navigateAfterDelay(f.destination)
}

func (f *Flow) reject(reason, marker string) {
	f.stopAuthTimer()
	f.loading = false
	f.emitted = false
	f.rejections++
	f.marker = marker
	f.lastErr = reason
	f.state = Detecting
	f.deps.Overlay.Mark(marker, iface.ToneNegative)
	f.deps.Observer.Outcome(f.opts.Mode.String(), "rejected")
	f.log.Info("attempt rejected", zap.String("reason", reason), zap.Int("rejections", f.rejections))

	if f.opts.MaxAttempts > 0 && f.rejections >= f.opts.MaxAttempts {
		f.state = Failed
		f.deps.Observer.Outcome(f.opts.Mode.String(), "gave_up")
		f.log.Warn("giving up", zap.Int("maxAttempts", f.opts.MaxAttempts))
		f.publish()
		f.loop.Halt()
		if err := f.release(); err != nil {
			f.log.Warn("teardown after give-up", zap.Error(err))
		}
		return
	}
	f.publish()
}

func (f *Flow) destinationFor(role string) string {
	if d, ok := f.opts.Destinations[role]; ok && d != "" {
		return d
	}
	if d, ok := f.opts.Destinations[iface.DefaultRole]; ok && d != "" {
		return d
	}
	return DefaultDestinations[iface.DefaultRole]
}

// logLogin is best effort and never blocks the loop.
func (f *Flow) logLogin(user string, at time.Time) {
	if f.deps.Logins == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := f.deps.Logins.LogLogin(ctx, user, at); err != nil {
			f.log.Warn("login log failed", zap.Error(err))
		}
	}()
}

// sessionHandler forwards server events onto the loop.
type sessionHandler struct{ f *Flow }

func (h sessionHandler) HandleAuth(res iface.AuthResponse) {
	h.f.loop.Post(func() { h.f.onAuth(res) })
}

func (h sessionHandler) HandleDelete(res iface.DeleteResponse) {
	h.f.loop.Post(func() { h.f.onDelete(res) })
}

func (h sessionHandler) HandleDisconnect(err error) {
	h.f.loop.Post(func() { h.f.onDisconnect(err) })
}
