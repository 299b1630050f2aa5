package Adhoc

import (
	iface "FaceAuthClient/interface"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	TimeOutSeconds   = 5
	LogLoginPath     = "/api/log-login"
	RegisterPath     = "/register"
	CapturedFileName = "captured_face.jpg"
)

// LoginLogRequest is the body of the login-time log.
type LoginLogRequest struct {
	Username string `json:"username"`
	Date     string `json:"date"`
	Time     string `json:"time"`
}

type APIResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Client talks to the recognizer's REST side.
type Client struct {
	base string
	http *resty.Client
	log  *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = TimeOutSeconds * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: resty.New().SetTimeout(timeout),
		log:  log.Named("rest"),
	}
}

// LogLogin records a successful sign-in. Callers treat failures as non-fatal.
func (c *Client) LogLogin(ctx context.Context, username string, at time.Time) error {
	if username == "" {
		return errors.New("username is required")
	}
	reqBody := LoginLogRequest{
		Username: username,
		Date:     at.Format("2006-01-02"),
		Time:     at.Format("15:04:05"),
	}
	var apiErr APIResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetError(&apiErr).
		Post(c.base + LogLoginPath)
	if err != nil {
		return fmt.Errorf("log login: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("log login: %s: %s", resp.Status(), apiErr.Error)
	}
	c.log.Debug("login logged", zap.String("user", username))
	return nil
}

// Register uploads a face crop as a new account.
func (c *Client) Register(ctx context.Context, name, role string, img *iface.CapturedImage) error {
	if name == "" || img == nil || len(img.Data) == 0 {
		return errors.New("name and image are required")
	}
	form := map[string]string{"name": name}
	if role != "" {
		form["role"] = role
	}
	var result, apiErr APIResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField("image", CapturedFileName, img.MimeType, bytes.NewReader(img.Data)).
		SetFormData(form).
		SetResult(&result).
		SetError(&apiErr).
		Post(c.base + RegisterPath)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if resp.IsError() {
		reason := apiErr.Error
		if reason == "" {
			reason = resp.Status()
		}
		return fmt.Errorf("register: %s", reason)
	}
	c.log.Info("registration accepted", zap.String("name", name), zap.String("message", result.Message))
	return nil
}

// Ping reports whether the backend answers HTTP at all.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.http.R().SetContext(ctx).Get(c.base + "/")
	return err == nil
}

// Heartbeat checks the backend every interval until ctx is done and reports
// each result.
func (c *Client) Heartbeat(ctx context.Context, interval time.Duration, report func(up bool)) {
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := -1
	check := func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error(fmt.Sprintf("heartbeat panic recovered: %v", r))
			}
		}()
		up := c.Ping(ctx)
		state := 0
		if up {
			state = 1
		}
		if state != last {
			c.log.Info("backend reachability changed", zap.Bool("up", up), zap.String("url", c.base))
			last = state
		}
		report(up)
	}
	check()
	for {
		select {
		case <-ctx.Done():
			c.log.Debug("heartbeat stopped")
			return
		case <-ticker.C:
			check()
		}
	}
}
