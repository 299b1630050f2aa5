package control

import (
	"FaceAuthClient/flow"
	iface "FaceAuthClient/interface"
	"FaceAuthClient/overlay"
	"FaceAuthClient/store"
	"context"
	"errors"
	"net/http"
	"reflect"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const statusPushInterval = 250 * time.Millisecond

// Previewer exposes the latest rendered overlay.
type Previewer interface {
	Last() overlay.Preview
}

type Server struct {
	manager *Manager
	preview Previewer
	metrics http.Handler
	log     *zap.Logger
	engine  *gin.Engine
}

type mountRequest struct {
	Mode     string `json:"mode"`
	Username string `json:"username"`
}

type authenticateRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewServer wires the kiosk control routes. preview and metrics may be nil.
func NewServer(m *Manager, preview Previewer, metrics http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{manager: m, preview: preview, metrics: metrics, log: log.Named("http")}
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(s.log))

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.POST("/api/flow", s.mount)
	r.GET("/api/flow", s.status)
	r.DELETE("/api/flow", s.unmount)
	r.POST("/api/flow/authenticate", s.authenticate)
	r.GET("/api/flow/preview", s.previewImage)
	r.GET("/api/navigation", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.manager.Navigation()})
	})
	r.GET("/api/identity", s.identity)
	r.POST("/api/logout", s.logout)
	r.GET("/ws/flow", s.stream)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) mount(c *gin.Context) {
	var req mountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := flow.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := s.manager.Mount(c.Request.Context(), mode, req.Username)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "data": st})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": st})
}

func (s *Server) status(c *gin.Context) {
	st, err := s.manager.Status()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Flow not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": st})
}

func (s *Server) unmount(c *gin.Context) {
	if !s.manager.Unmount() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Flow not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "Flow released"})
}

func (s *Server) authenticate(c *gin.Context) {
	var req authenticateRequest
	// an empty body is the plain button press
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	st, err := s.manager.Authenticate(c.Request.Context(), req.Name, req.Role)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "data": st})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": st})
}

func (s *Server) previewImage(c *gin.Context) {
	if s.preview == nil {
		c.Status(http.StatusNoContent)
		return
	}
	p := s.preview.Last()
	if len(p.JPEG) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Overlay-Label", p.Label)
	c.Data(http.StatusOK, "image/jpeg", p.JPEG)
}

func (s *Server) identity(c *gin.Context) {
	user, role, err := s.manager.Identity(c.Request.Context())
	switch {
	case errors.Is(err, store.ErrNoIdentity):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not signed in"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"authenticatedUser": user, "userRole": role}})
	}
}

func (s *Server) logout(c *gin.Context) {
	if err := s.manager.Logout(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "Signed out"})
}

// stream pushes the flow status over a websocket until the client leaves.
// A page that still listens keeps its flow from going idle.
func (s *Server) stream(c *gin.Context) {
	if _, err := s.manager.Status(); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Flow not found"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()
	var last flow.Status
	for {
		st, err := s.manager.Status()
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "flow released"))
			return
		}
		if !reflect.DeepEqual(st, last) {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(st); err != nil {
				s.log.Debug("status stream closed", zap.Error(err))
				return
			}
			last = st
		}
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func statusFor(err error) int {
	var devErr *iface.DeviceError
	switch {
	case errors.Is(err, ErrNoFlow):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrMissingTarget), errors.Is(err, flow.ErrMissingName):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrLowConfidence), errors.Is(err, flow.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, flow.ErrNotReady):
		return http.StatusTooEarly
	case errors.Is(err, flow.ErrTerminal), errors.Is(err, flow.ErrNotStarted):
		return http.StatusGone
	case errors.As(err, &devErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
