package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("env", validateEnvironment)
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs tag and cross-field validation and returns
// ValidationErrors describing every problem found.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors

	if err := validate.Struct(cfg); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			return err
		}
		for _, fe := range fieldErrors {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}

	details = append(details, crossFieldErrors(cfg)...)
	if len(details) > 0 {
		return details
	}
	return nil
}

// crossFieldErrors checks rules that span several fields.
func crossFieldErrors(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]bool, len(cfg.Services))
	for i, svc := range cfg.Services {
		field := fmt.Sprintf("Config.Services[%d].Name", i)
		if seen[svc.Name] {
			errs = append(errs, ConfigError{Field: field, Message: "duplicate service", Value: svc.Name})
		}
		seen[svc.Name] = true

		base, ok := lookupEndpoint(cfg.Downstream.Endpoints, svc.Name)
		if !ok {
			errs = append(errs, ConfigError{
				Field:   "Config.Downstream.Endpoints",
				Message: "missing base URL for service " + svc.Name,
				Value:   nil,
			})
			continue
		}
		if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ConfigError{
				Field:   "Config.Downstream.Endpoints." + svc.Name,
				Message: "must be an absolute URL",
				Value:   base,
			})
		}
	}

	if cfg.Saga.RollbackMaxBackoff > 0 && cfg.Saga.RollbackInitialBackoff > cfg.Saga.RollbackMaxBackoff {
		errs = append(errs, ConfigError{
			Field:   "Config.Saga.RollbackInitialBackoff",
			Message: "must not exceed rollback_max_backoff",
			Value:   cfg.Saga.RollbackInitialBackoff,
		})
	}
	if cfg.Outbox.Interval <= 0 {
		errs = append(errs, ConfigError{Field: "Config.Outbox.Interval", Message: "must be positive", Value: cfg.Outbox.Interval})
	}
	switch {
	case cfg.Saga.StartupRecoveryOnly && cfg.Outbox.Dispatch == "bus":
		errs = append(errs, ConfigError{
			Field:   "Config.Saga.StartupRecoveryOnly",
			Message: "not allowed with outbox.dispatch=bus",
			Value:   true,
		})
	case cfg.Saga.StartupRecoveryOnly:
		if cfg.Saga.RecoveryInterval < 0 {
			errs = append(errs, ConfigError{Field: "Config.Saga.RecoveryInterval", Message: "must not be negative", Value: cfg.Saga.RecoveryInterval})
		}
	case cfg.Saga.RecoveryInterval <= 0:
		errs = append(errs, ConfigError{
			Field:   "Config.Saga.RecoveryInterval",
			Message: "must be positive unless startup_recovery_only is set",
			Value:   cfg.Saga.RecoveryInterval,
		})
	}

	switch cfg.Storage.Type {
	case "badger":
		if strings.TrimSpace(cfg.Storage.Badger.Path) == "" {
			errs = append(errs, ConfigError{Field: "Config.Storage.Badger.Path", Message: "this field is required", Value: ""})
		}
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.SQLite.Path) == "" {
			errs = append(errs, ConfigError{Field: "Config.Storage.SQLite.Path", Message: "this field is required", Value: ""})
		}
	}

	if cfg.Outbox.Dispatch == "bus" && cfg.EventBus.Type == "redis" && strings.TrimSpace(cfg.EventBus.Redis.Address) == "" {
		errs = append(errs, ConfigError{Field: "Config.EventBus.Redis.Address", Message: "this field is required", Value: ""})
	}

	if cfg.Tracing.Enabled {
		if strings.TrimSpace(cfg.Tracing.Endpoint) == "" {
			errs = append(errs, ConfigError{Field: "Config.Tracing.Endpoint", Message: "this field is required", Value: ""})
		}
		if cfg.Tracing.Timeout <= 0 {
			errs = append(errs, ConfigError{Field: "Config.Tracing.Timeout", Message: "must be positive", Value: cfg.Tracing.Timeout})
		}
	}

	return errs
}

// lookupEndpoint matches service names case-insensitively since environment
// overrides arrive lower-cased.
func lookupEndpoint(endpoints map[string]string, name string) (string, bool) {
	if base, ok := endpoints[name]; ok {
		return base, true
	}
	for key, base := range endpoints {
		if strings.EqualFold(key, name) {
			return base, true
		}
	}
	return "", false
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "url":
		return "must be a valid URL"
	case "env":
		return "must be one of [development staging production]"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	validEnvs := []string{"development", "staging", "production"}
	for _, valid := range validEnvs {
		if env == valid {
			return true
		}
	}
	return false
}
