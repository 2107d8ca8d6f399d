package security

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ValidationError reports a manifest that declared permissions outside the
// fixed vocabulary. No plugin code has executed when this is returned.
type ValidationError struct {
	Plugin             string
	InvalidPermissions []Permission
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.InvalidPermissions))
	for i, p := range e.InvalidPermissions {
		parts[i] = string(p)
	}
	return fmt.Sprintf("plugin %q declares unknown permissions: %s",
		e.Plugin, strings.Join(parts, ", "))
}

// SignatureVerifier checks a plugin package's signature.
// Implementations are supplied as strategies; the default accepts everything.
type SignatureVerifier interface {
	VerifySignature(pluginPath string) error
}

// PatternScanner scans a plugin package for malicious patterns.
// Implementations are supplied as strategies; the default accepts everything.
type PatternScanner interface {
	Scan(pluginPath string) error
}

// noopVerifier accepts every plugin. Placeholder stage.
type noopVerifier struct{}

func (noopVerifier) VerifySignature(string) error { return nil }

// noopScanner accepts every plugin. Placeholder stage.
type noopScanner struct{}

func (noopScanner) Scan(string) error { return nil }

// Validator runs the pre-sandbox validation pipeline:
// permission vocabulary check, signature verification, pattern scan.
type Validator struct {
	verifier SignatureVerifier
	scanner  PatternScanner
	logger   zerolog.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithSignatureVerifier replaces the signature verification stage.
func WithSignatureVerifier(v SignatureVerifier) ValidatorOption {
	return func(val *Validator) {
		val.verifier = v
	}
}

// WithPatternScanner replaces the malicious-pattern scanning stage.
func WithPatternScanner(s PatternScanner) ValidatorOption {
	return func(val *Validator) {
		val.scanner = s
	}
}

// WithLogger sets the validator's logger.
func WithLogger(logger zerolog.Logger) ValidatorOption {
	return func(val *Validator) {
		val.logger = logger
	}
}

// NewValidator creates a validator with no-op signature and scan stages.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		verifier: noopVerifier{},
		scanner:  noopScanner{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate approves or rejects a plugin before any of its code runs.
// The permission check runs first and fails closed; the signature and
// pattern stages run afterwards in that order.
func (v *Validator) Validate(pluginName, pluginPath string, perms []Permission) error {
	if invalid := invalidPermissions(perms); len(invalid) > 0 {
		v.logger.Warn().
			Str("plugin", pluginName).
			Strs("permissions", permissionStrings(invalid)).
			Msg("rejected plugin with unknown permissions")
		return &ValidationError{Plugin: pluginName, InvalidPermissions: invalid}
	}

	if err := v.verifier.VerifySignature(pluginPath); err != nil {
		return fmt.Errorf("signature verification failed for %q: %w", pluginName, err)
	}

	if err := v.scanner.Scan(pluginPath); err != nil {
		return fmt.Errorf("security scan failed for %q: %w", pluginName, err)
	}

	v.logger.Debug().Str("plugin", pluginName).Msg("plugin validated")
	return nil
}

// invalidPermissions returns the declared permissions that fall outside the
// vocabulary, sorted and de-duplicated.
func invalidPermissions(perms []Permission) []Permission {
	seen := make(map[Permission]bool)
	var invalid []Permission
	for _, p := range perms {
		if !p.IsValid() && !seen[p] {
			seen[p] = true
			invalid = append(invalid, p)
		}
	}
	sort.Slice(invalid, func(i, j int) bool { return invalid[i] < invalid[j] })
	return invalid
}

func permissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
