package store

import (
	"FaceAuthClient/config"
	iface "FaceAuthClient/interface"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Keys of the persisted client state.
const (
	KeyUser = "authenticatedUser"
	KeyRole = "userRole"
)

var ErrNoIdentity = errors.New("no identity stored")

// Open builds the store selected by cfg.Driver.
func Open(cfg config.StoreConfig, log *zap.Logger) (iface.Store, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileStore(cfg.Path), nil
	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix, log)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
