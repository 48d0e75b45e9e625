package lifecycle

import (
	"fmt"

	"grimm.is/tunnelboard/internal/validation"
)

// Validate checks spec for kind. Client specs ignore Host and Secure.
func Validate(kind Kind, spec Spec) error {
	if err := validation.ValidatePort(spec.Port); err != nil {
		return invalid("port", err)
	}

	switch kind {
	case Server:
		if err := validation.ValidateHost(spec.Host); err != nil {
			return invalid("host", err)
		}
		if err := validation.ValidateServerKey(spec.Key); err != nil {
			return invalid("key", err)
		}
	case Client:
		if err := validation.ValidateClientKey(spec.Key); err != nil {
			return invalid("key", err)
		}
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}

	if spec.Enabled {
		if spec.Key == "" {
			return &ValidationError{Field: "key", Reason: "required when enabled"}
		}
		if spec.Port == 0 {
			return &ValidationError{Field: "port", Reason: "required when enabled"}
		}
		if kind == Server && spec.Host == "" {
			return &ValidationError{Field: "host", Reason: "required when enabled"}
		}
	}
	return nil
}
