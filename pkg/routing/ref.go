// Package routing maps request types to the services that handle them.
//
// A service is named by a reference of the form app.name@version. Request
// types are registered under a wire name in Types, and each wire name is
// routed to one or more service versions in a Table. The gateway transports
// use both to pick a subject for an outgoing request and to rebuild the Go
// value of an incoming one.
package routing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "routing:ref"

// ErrInvalidRef is returned for malformed service references.
var ErrInvalidRef = errors.New("invalid service reference")

// ServiceRef holds the parsed components of a service reference string.
type ServiceRef struct {
	// Application namespace (e.g., "acme")
	App string
	// Service name within app, may contain dots (e.g., "doc.ingest")
	Name string
	// Version or range after the @; empty when absent
	Range string
	// Raw input string
	Raw string
}

var (
	serviceNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
	appNameRegex     = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	majorOnlyRegex   = regexp.MustCompile(`^\d+$`)
)

// ParseServiceRef parses a service reference.
//
// Supported formats:
//   - acme.greeter           (no version)
//   - acme.greeter@1         (major only)
//   - acme.greeter@1.2.0     (exact version)
//   - acme.greeter@^1.2.0    (caret range)
//   - acme.greeter@>=1.0.0   (comparison range)
func ParseServiceRef(input string) (ServiceRef, error) {
	raw := strings.TrimSpace(input)

	svcPart, rangeStr, _ := strings.Cut(raw, "@")

	app, name, ok := strings.Cut(svcPart, ".")
	if !ok {
		return ServiceRef{}, fmt.Errorf("%s - %w, missing app: %q", logPrefix, ErrInvalidRef, raw)
	}
	if !ValidateAppName(app) || !ValidateServiceName(name) {
		return ServiceRef{}, fmt.Errorf("%s - %w: %q", logPrefix, ErrInvalidRef, raw)
	}
	if strings.Contains(raw, "@") && rangeStr == "" {
		return ServiceRef{}, fmt.Errorf("%s - %w, empty version: %q", logPrefix, ErrInvalidRef, raw)
	}

	return ServiceRef{App: app, Name: name, Range: rangeStr, Raw: raw}, nil
}

// Service returns the reference without its version, e.g. acme.greeter.
func (r ServiceRef) Service() string {
	return r.App + "." + r.Name
}

func (r ServiceRef) String() string {
	if r.Range == "" {
		return r.Service()
	}
	return r.Service() + "@" + r.Range
}

// Version parses Range as an exact version.
func (r ServiceRef) Version() (*masterminds.Version, error) {
	if r.Range == "" {
		return nil, fmt.Errorf("%s - %w, %s has no version", logPrefix, ErrInvalidRef, r.Service())
	}
	v, err := masterminds.StrictNewVersion(r.Range)
	if err != nil {
		return nil, fmt.Errorf("%s - %w, %q is not an exact version: %v", logPrefix, ErrInvalidRef, r.Range, err)
	}
	return v, nil
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// ValidateServiceName validates a service name (letters, digits, dots, hyphens, underscores).
func ValidateServiceName(name string) bool {
	return serviceNameRegex.MatchString(name)
}

// ValidateAppName validates an app name (lowercase, alphanumeric, hyphens).
func ValidateAppName(app string) bool {
	return appNameRegex.MatchString(app)
}
