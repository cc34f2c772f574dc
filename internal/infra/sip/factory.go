package sip

import (
	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"
)

// NewSession creates a Session of the given backend type. Settings are
// backend specific and decoded into the backend's config struct.
func NewSession(backend string, settings map[string]any) (Session, error) {
	zlog.Debug().Msgf("sip: creating session: backend=%s settings=%+v", backend, settings)

	switch backend {
	case "memory":
		var cfg MemoryConfig
		if err := mapstructure.Decode(settings, &cfg); err != nil {
			return nil, errors.Wrap(err, "sip: decode memory settings")
		}
		return NewMemory(cfg), nil

	case "diago":
		var cfg DiagoConfig
		if err := mapstructure.Decode(settings, &cfg); err != nil {
			return nil, errors.Wrap(err, "sip: decode diago settings")
		}
		return NewDiago(cfg)

	default:
		return nil, errors.Newf("sip: unsupported backend: %s", backend)
	}
}
