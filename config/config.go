package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Detector  DetectorConfig  `yaml:"detector"`
	Capture   CaptureConfig   `yaml:"capture"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Session   SessionConfig   `yaml:"session"`
	Rest      RestConfig      `yaml:"rest"`
	Store     StoreConfig     `yaml:"store"`
	Flow      FlowConfig      `yaml:"flow"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

type CameraConfig struct {
	Device        string `yaml:"device"`
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	FPS           int    `yaml:"fps"`
	StaticImage   string `yaml:"staticImage"` // replaces the device with a still image when set
	ViewWidth     int    `yaml:"viewWidth"`
	ViewHeight    int    `yaml:"viewHeight"`
	ReadyTimeoutS int    `yaml:"readyTimeoutSeconds"`
}

type DetectorConfig struct {
	ModelPath  string  `yaml:"modelPath"`
	ConfigPath string  `yaml:"configPath"`
	InputSize  int     `yaml:"inputSize"`
	MinScore   float64 `yaml:"minScore"`
	Backend    string  `yaml:"backend"` // default, cuda, openvino, grpc

	// GRPCAddr is the detect-server a grpc backend calls. ListenAddr is
	// where detect-server itself binds.
	GRPCAddr      string `yaml:"grpcAddr"`
	GRPCTimeoutMs int    `yaml:"grpcTimeoutMs"`
	ListenAddr    string `yaml:"listenAddr"`
}

type CaptureConfig struct {
	Padding float64 `yaml:"padding"`
	Quality int     `yaml:"quality"`
}

type SchedulerConfig struct {
	TickMs int `yaml:"tickMs"`
}

type SessionConfig struct {
	URL               string `yaml:"url"`
	Namespace         string `yaml:"namespace"`
	MaxRetries        int    `yaml:"maxRetries"`
	RetryDelayMs      int    `yaml:"retryDelayMs"`
	HandshakeTimeoutS int    `yaml:"handshakeTimeoutSeconds"`
	WriteTimeoutS     int    `yaml:"writeTimeoutSeconds"`
}

type RestConfig struct {
	URL      string `yaml:"url"`
	TimeoutS int    `yaml:"timeoutSeconds"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"` // file or redis
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	KeyPrefix     string `yaml:"keyPrefix"`
}

type FlowConfig struct {
	DisplayDelayMs int               `yaml:"displayDelayMs"`
	AuthTimeoutMs  int               `yaml:"authTimeoutMs"` // 0 waits until a response or user action
	MaxAttempts    int               `yaml:"maxAttempts"`   // 0 retries forever
	Destinations   map[string]string `yaml:"destinations"`
	Home           string            `yaml:"home"`
}

type ControlConfig struct {
	Addr          string `yaml:"addr"`
	Mode          string `yaml:"mode"`          // gin mode
	IdleTimeoutMs int    `yaml:"idleTimeoutMs"` // unmount a flow nobody polls; 0 keeps it
	MetricsAddr   string `yaml:"metricsAddr"`   // used by the one-shot commands
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"maxSizeMB"`
	MaxBackups  int    `yaml:"maxBackups"`
	MaxAgeDays  int    `yaml:"maxAgeDays"`
}

type MonitorConfig struct {
	Enabled         bool `yaml:"enabled"`
	ProcessSampleMs int  `yaml:"processSampleMs"`
}

func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

func (c DetectorConfig) GRPCTimeout() time.Duration {
	return time.Duration(c.GRPCTimeoutMs) * time.Millisecond
}

func (c SessionConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c SessionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutS) * time.Second
}

func (c SessionConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutS) * time.Second
}

func (c RestConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

func (c FlowConfig) DisplayDelay() time.Duration {
	return time.Duration(c.DisplayDelayMs) * time.Millisecond
}

func (c FlowConfig) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutMs) * time.Millisecond
}

func (c ControlConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

func (c CameraConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutS) * time.Second
}

// Default returns the configuration used when config.yaml omits a field.
func Default() Config {
	return Config{
		Camera: CameraConfig{
			Device:        "0",
			Width:         640,
			Height:        480,
			FPS:           30,
			ViewWidth:     326,
			ViewHeight:    434,
			ReadyTimeoutS: 10,
		},
		Detector: DetectorConfig{
			ModelPath:     "models/res10_300x300_ssd_iter_140000.caffemodel",
			ConfigPath:    "models/deploy.prototxt",
			InputSize:     300,
			MinScore:      0.5,
			Backend:       "default",
			GRPCTimeoutMs: 2000,
			ListenAddr:    ":50051",
		},
		Capture: CaptureConfig{
			Padding: 0.2,
			Quality: 92,
		},
		Scheduler: SchedulerConfig{TickMs: 500},
		Session: SessionConfig{
			URL:               "ws://127.0.0.1:5000/socket.io/",
			Namespace:         "/",
			MaxRetries:        5,
			RetryDelayMs:      1000,
			HandshakeTimeoutS: 20,
			WriteTimeoutS:     5,
		},
		Rest: RestConfig{
			URL:      "http://127.0.0.1:5000",
			TimeoutS: 5,
		},
		Store: StoreConfig{
			Driver:    "file",
			Path:      "storage/identity.yaml",
			RedisAddr: "127.0.0.1:6379",
			KeyPrefix: "faceauth:",
		},
		Flow: FlowConfig{
			DisplayDelayMs: 2000,
			Destinations: map[string]string{
				"admin": "/admin-dashboard",
				"user":  "/user-dashboard",
			},
			Home: "/",
		},
		Control: ControlConfig{
			Addr:          ":8080",
			Mode:          "release",
			IdleTimeoutMs: 30000,
		},
		Logging: LoggingConfig{Level: "info"},
		Monitor: MonitorConfig{Enabled: true, ProcessSampleMs: 500},
	}
}

// Load reads path on top of Default, then applies .env and FACEAUTH_*
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// .env is optional; variables already set in the environment win.
	_ = godotenv.Load()
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	envString("FACEAUTH_CAMERA_DEVICE", &cfg.Camera.Device)
	envString("FACEAUTH_CAMERA_STATIC_IMAGE", &cfg.Camera.StaticImage)
	envString("FACEAUTH_DETECTOR_MODEL", &cfg.Detector.ModelPath)
	envString("FACEAUTH_DETECTOR_CONFIG", &cfg.Detector.ConfigPath)
	envString("FACEAUTH_DETECTOR_BACKEND", &cfg.Detector.Backend)
	envString("FACEAUTH_DETECTOR_GRPC_ADDR", &cfg.Detector.GRPCAddr)
	envString("FACEAUTH_SESSION_URL", &cfg.Session.URL)
	envString("FACEAUTH_REST_URL", &cfg.Rest.URL)
	envString("FACEAUTH_STORE_DRIVER", &cfg.Store.Driver)
	envString("FACEAUTH_REDIS_ADDR", &cfg.Store.RedisAddr)
	envString("FACEAUTH_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	envString("FACEAUTH_CONTROL_ADDR", &cfg.Control.Addr)
	envString("FACEAUTH_LOG_LEVEL", &cfg.Logging.Level)
	envInt("FACEAUTH_SESSION_MAX_RETRIES", &cfg.Session.MaxRetries)
	envInt("FACEAUTH_AUTH_TIMEOUT_MS", &cfg.Flow.AuthTimeoutMs)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		*dst = n
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.TickMs <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.tickMs must be positive, got %d", c.Scheduler.TickMs))
	}
	if c.Capture.Padding < 0 {
		errs = append(errs, fmt.Errorf("capture.padding must not be negative, got %f", c.Capture.Padding))
	}
	if c.Capture.Quality < 1 || c.Capture.Quality > 100 {
		errs = append(errs, fmt.Errorf("capture.quality must be between 1 and 100, got %d", c.Capture.Quality))
	}
	if c.Session.URL == "" {
		errs = append(errs, errors.New("session.url cannot be empty"))
	}
	if c.Session.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("session.maxRetries must not be negative, got %d", c.Session.MaxRetries))
	}
	if c.Detector.MinScore < 0 || c.Detector.MinScore > 1 {
		errs = append(errs, fmt.Errorf("detector.minScore must be between 0.0 and 1.0, got %f", c.Detector.MinScore))
	}
	if c.Detector.Backend == "grpc" && c.Detector.GRPCAddr == "" {
		errs = append(errs, errors.New("detector.grpcAddr is required for the grpc backend"))
	}
	switch c.Store.Driver {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be file or redis, got %q", c.Store.Driver))
	}
	if c.Flow.AuthTimeoutMs < 0 || c.Flow.MaxAttempts < 0 {
		errs = append(errs, errors.New("flow.authTimeoutMs and flow.maxAttempts must not be negative"))
	}
	return errors.Join(errs...)
}
