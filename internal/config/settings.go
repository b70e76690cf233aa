package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"trafficguard/internal/support"
)

const (
	defaultAdminURL       = "http://localhost:9180/apisix/admin"
	defaultTimeoutSeconds = 10
	defaultBackendPort    = 5000
	defaultLogLevel       = "info"
)

var ErrMissingAdminKey = errors.New("APISIX_ADMIN_KEY must be set")

type Settings struct {
	AdminURL string        `validate:"required,url"`
	AdminKey string        `validate:"required"`
	Timeout  time.Duration `validate:"gt=0"`
	Port     int           `validate:"min=1,max=65535"`
	RedisURL string        `validate:"omitempty,url"`
	LogLevel string        `validate:"oneof=debug info warn error"`

	// JWTSecret enables bearer-token auth on the API when non-empty.
	JWTSecret string `validate:"omitempty,min=16"`
}

var validate = validator.New()

// Load reads settings from the environment. There is no fallback admin key:
// the service refuses to start without one.
func Load() (Settings, error) {
	adminKey, ok := support.GetEnvRequired("APISIX_ADMIN_KEY")
	if !ok {
		return Settings{}, ErrMissingAdminKey
	}

	settings := Settings{
		AdminURL: strings.TrimRight(strings.TrimSpace(support.GetEnv("APISIX_ADMIN_URL", "")), "/"),
		AdminKey: adminKey,
		Timeout:  time.Duration(support.GetEnvInt("APISIX_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second,
		Port:     support.GetEnvInt("BACKEND_PORT", defaultBackendPort),
		RedisURL: strings.TrimSpace(support.GetEnv("REDIS_URL", "")),
		LogLevel: strings.ToLower(strings.TrimSpace(support.GetEnv("LOG_LEVEL", ""))),

		JWTSecret: strings.TrimSpace(support.GetEnv("AUTH_JWT_SECRET", "")),
	}
	if settings.AdminURL == "" {
		settings.AdminURL = defaultAdminURL
	}
	if settings.LogLevel == "" {
		settings.LogLevel = defaultLogLevel
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (s Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid settings: %w", err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), getValidationMessage(fe)))
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "url":
		return "must be a valid URL"
	case "gt":
		return fmt.Sprintf("must be > %s", e.Param())
	case "min":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "max":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}
