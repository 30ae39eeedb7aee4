package registry

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidationError describes a rejected service list.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid service configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid service configuration: %s: %s", e.Field, e.Reason)
}

// Validate checks that services is non-empty, holds only known kinds,
// has no duplicates and only positive timeouts.
func Validate(services []ServiceConfig) error {
	if len(services) == 0 {
		return &ValidationError{Reason: "service list must not be empty"}
	}

	seen := make(map[ServiceKind]struct{}, len(services))
	for i, svc := range services {
		field := fmt.Sprintf("services[%d]", i)
		if svc.TimeoutSeconds <= 0 {
			return &ValidationError{Field: field + ".timeout_seconds", Reason: "must be positive"}
		}
		if err := validate.Struct(svc); err != nil {
			return &ValidationError{Field: field, Reason: describe(err)}
		}
		kind, err := ParseKind(svc.Name)
		if err != nil {
			return &ValidationError{Field: field + ".name", Reason: err.Error()}
		}
		if _, dup := seen[kind]; dup {
			return &ValidationError{Field: field + ".name", Reason: fmt.Sprintf("duplicate service %s", kind)}
		}
		seen[kind] = struct{}{}
	}
	return nil
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
