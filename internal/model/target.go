package model

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	walerrors "github.com/walwatch/walwatch/internal/errors"
)

// TLSMode mirrors libpq's sslmode.
type TLSMode string

const (
	TLSDisable    TLSMode = "disable"
	TLSAllow      TLSMode = "allow"
	TLSPrefer     TLSMode = "prefer"
	TLSRequire    TLSMode = "require"
	TLSVerifyCA   TLSMode = "verify-ca"
	TLSVerifyFull TLSMode = "verify-full"
)

// Target is one monitored PostgreSQL server.
type Target struct {
	ID                string  `json:"id" yaml:"id" validate:"required,max=64,target_id"`
	Name              string  `json:"name,omitempty" yaml:"name" validate:"max=128"`
	Host              string  `json:"host" yaml:"host" validate:"required,hostname_rfc1123|ip|startswith=/"`
	Port              int     `json:"port" yaml:"port" validate:"required,min=1,max=65535"`
	Database          string  `json:"database" yaml:"database" validate:"required,max=63"`
	Username          string  `json:"username" yaml:"username" validate:"required,max=63"`
	CredentialRef     string  `json:"credential_ref,omitempty" yaml:"credential_ref" validate:"omitempty,credential_ref"`
	TLSMode           TLSMode `json:"tls_mode,omitempty" yaml:"tls_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	PollingIntervalMS int64   `json:"polling_interval_ms,omitempty" yaml:"polling_interval_ms" validate:"omitempty,min=1000,max=86400000"`
}

// DisplayName returns Name, falling back to ID.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// PollingInterval returns the per-target override, or def when unset.
func (t Target) PollingInterval(def time.Duration) time.Duration {
	if t.PollingIntervalMS <= 0 {
		return def
	}
	return time.Duration(t.PollingIntervalMS) * time.Millisecond
}

// ConnectionFingerprint identifies the fields that require a reconnect when changed.
func (t Target) ConnectionFingerprint() string {
	return fmt.Sprintf("%s|%d|%s|%s|%s|%s", t.Host, t.Port, t.Database, t.Username, t.CredentialRef, t.TLSMode)
}

var (
	validate      = newValidator()
	targetIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return toSnakeCase(fld.Name)
		}
		return name
	})

	_ = v.RegisterValidation("target_id", func(fl validator.FieldLevel) bool {
		return targetIDRegex.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("credential_ref", func(fl validator.FieldLevel) bool {
		scheme, rest, ok := strings.Cut(fl.Field().String(), ":")
		return ok && rest != "" && (scheme == "env" || scheme == "file")
	})
	return v
}

// ValidateTarget checks t and returns a *errors.ConfigError listing every
// invalid field.
func ValidateTarget(t Target) error {
	err := validate.Struct(t)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return walerrors.NewConfigError("_target", err.Error())
	}

	cfgErr := &walerrors.ConfigError{}
	for _, e := range fieldErrs {
		cfgErr.Violations = append(cfgErr.Violations, walerrors.FieldViolation{
			Field:   e.Field(),
			Message: formatValidationMessage(e),
		})
	}
	return cfgErr
}

// formatValidationMessage creates human-readable error messages
func formatValidationMessage(e validator.FieldError) string {
	field := e.Field()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "target_id":
		return fmt.Sprintf("%s may only contain letters, digits, '_', '.' and '-'", field)
	case "credential_ref":
		return fmt.Sprintf("%s must look like env:NAME or file:/path", field)
	case "hostname_rfc1123|ip|startswith=/":
		return fmt.Sprintf("%s must be a hostname, an IP address or a socket directory", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}

// toSnakeCase converts PascalCase/camelCase to snake_case
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				result.WriteByte('_')
			}
			result.WriteByte(byte(r + 'a' - 'A'))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
