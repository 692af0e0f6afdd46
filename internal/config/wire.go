package config

import (
	"fmt"
	"log/slog"

	"github.com/seantiz/validator/internal/callback"
	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/runner"
	"github.com/seantiz/validator/internal/runner/energyplus"
	"github.com/seantiz/validator/internal/runner/fmi"
	"github.com/seantiz/validator/internal/storage"
)

// jwtIssuer is the iss/sub claim of self-signed callback assertions.
const jwtIssuer = "validator"

// StorageOptions returns the storage client settings.
func (c Config) StorageOptions() storage.Options {
	return storage.Options{
		MaxAttempts: c.StorageAttempts,
		S3Region:    c.S3Region,
		S3Endpoint:  c.S3Endpoint,
	}
}

// NotifierOptions returns the callback delivery settings.
func (c Config) NotifierOptions() callback.Options {
	return callback.Options{
		Timeout:        c.CallbackTimeout,
		MaxAttempts:    c.CallbackAttempts,
		InitialBackoff: c.CallbackRetryDelay,
		MaxBackoff:     4 * c.CallbackRetryDelay,
	}
}

// Minter returns the credential minter for the configured callback auth
// mode. A nil minter sends callbacks without an Authorization header.
func (c Config) Minter() (callback.CredentialMinter, error) {
	switch c.CallbackAuth {
	case CallbackAuthGoogle, "":
		return callback.GoogleIDTokenMinter{}, nil
	case CallbackAuthJWT:
		if c.CallbackSigningKey == "" {
			return nil, fmt.Errorf("%s=%s requires %s", envCallbackAuth, CallbackAuthJWT, envCallbackSigningKey)
		}
		return &callback.SignedJWTMinter{Key: []byte(c.CallbackSigningKey), Issuer: jwtIssuer}, nil
	case CallbackAuthNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown %s %q (want %s, %s or %s)",
			envCallbackAuth, c.CallbackAuth, CallbackAuthGoogle, CallbackAuthJWT, CallbackAuthNone)
	}
}

// NewNotifier builds the callback notifier for the configured auth mode.
func (c Config) NewNotifier(logger *slog.Logger) (*callback.Notifier, error) {
	minter, err := c.Minter()
	if err != nil {
		return nil, err
	}
	return callback.NewNotifier(minter, c.NotifierOptions(), logger), nil
}

// Runners returns a registry holding every built-in domain runner.
func (c Config) Runners(logger *slog.Logger) *runner.Registry {
	reg := runner.NewRegistry()
	reg.Register(energyplus.New(c.EnergyPlusBin, logger))
	reg.Register(fmi.New(c.FMISimulator, logger))
	return reg
}

// NewCodec builds an envelope codec that knows the shape of every runner in
// runners.
func NewCodec(runners *runner.Registry) (*envelope.Codec, error) {
	shapes := envelope.NewRegistry()
	if err := runners.RegisterShapes(shapes); err != nil {
		return nil, err
	}
	return envelope.NewCodec(shapes)
}
