package config

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers the urlpath and urlprefix rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("urlpath", validateURLPath); err != nil {
		return fmt.Errorf("failed to register urlpath validator: %w", err)
	}
	if err := v.RegisterValidation("urlprefix", validateURLPrefix); err != nil {
		return fmt.Errorf("failed to register urlprefix validator: %w", err)
	}
	return nil
}

// isCleanPath reports whether p is an absolute, clean URL path without a
// query or fragment.
func isCleanPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.ContainsAny(p, "?# {}") {
		return false
	}
	return path.Clean(p) == p
}

// validateURLPath accepts a clean absolute path such as "/rpc". The root
// path is rejected.
func validateURLPath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	return p != "/" && isCleanPath(p)
}

// validateURLPrefix accepts a clean absolute path ending in "/", such as
// "/rpc/responses/".
func validateURLPrefix(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "/" {
		return false
	}
	return strings.HasSuffix(p, "/") && isCleanPath(strings.TrimSuffix(p, "/"))
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return c.validateRoutes()
}

// HealthPath is served by every server and cannot be reassigned.
const HealthPath = "/healthz"

// validateRoutes rejects route layouts that would shadow one another.
func (c *Config) validateRoutes() error {
	if c.Bridge.RPCPath == HealthPath {
		return fmt.Errorf("bridge.rpc_path %q is reserved", HealthPath)
	}
	if strings.HasPrefix(c.Bridge.RPCPath+"/", c.Bridge.ResponsePrefix) {
		return fmt.Errorf("bridge.rpc_path %q must not lie under bridge.response_prefix %q", c.Bridge.RPCPath, c.Bridge.ResponsePrefix)
	}
	if c.Metrics.Enabled {
		switch {
		case c.Metrics.Path == HealthPath:
			return fmt.Errorf("metrics.path %q is reserved", HealthPath)
		case c.Metrics.Path == c.Bridge.RPCPath:
			return fmt.Errorf("metrics.path %q collides with bridge.rpc_path", c.Metrics.Path)
		case strings.HasPrefix(c.Metrics.Path, c.Bridge.ResponsePrefix):
			return fmt.Errorf("metrics.path %q must not lie under bridge.response_prefix %q", c.Metrics.Path, c.Bridge.ResponsePrefix)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to readable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "hexadecimal", "len":
		return fmt.Sprintf("%s must be 64 hex digits", field)
	case "urlpath":
		return fmt.Sprintf("%s must be a clean absolute path like /rpc", field)
	case "urlprefix":
		return fmt.Sprintf("%s must be a clean absolute path ending in /", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
