package routing

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/service-gateway/pkg/commsutil"
)

const tableLogPrefix = "routing:table"

// ErrNoRoute is returned when no registered service version handles a type.
var ErrNoRoute = errors.New("no route")

// Route binds a request type to one version of a service.
type Route struct {
	Type    string
	Ref     ServiceRef
	Version *masterminds.Version
	Subject string
}

// Table routes request wire names to service versions. It is safe for
// concurrent use.
type Table struct {
	prefix string

	mu     sync.RWMutex
	routes map[string][]Route
}

// NewTable creates an empty table whose subjects start with prefix.
func NewTable(prefix string) *Table {
	return &Table{prefix: prefix, routes: make(map[string][]Route)}
}

// Add routes typeName to ref, which must carry an exact version
// (acme.greeter@1.2.0). Adding the same type and version again replaces the
// earlier route.
func (t *Table) Add(typeName, ref string) (Route, error) {
	if typeName == "" {
		return Route{}, fmt.Errorf("%s - type name is required", tableLogPrefix)
	}
	parsed, err := ParseServiceRef(ref)
	if err != nil {
		return Route{}, err
	}
	v, err := parsed.Version()
	if err != nil {
		return Route{}, err
	}
	r := Route{
		Type:    typeName,
		Ref:     parsed,
		Version: v,
		Subject: commsutil.BuildServiceSubject(t.prefix, parsed.App, parsed.Name, v.Major()),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	existing := t.routes[typeName]
	for i := range existing {
		if existing[i].Ref.Service() == parsed.Service() && existing[i].Version.Equal(v) {
			existing[i] = r
			return r, nil
		}
	}
	t.routes[typeName] = append(existing, r)
	return r, nil
}

// Resolve picks the route for typeName matching rangeStr.
//
// An empty range selects the highest major; a major-only range ("2") selects
// that major. In both cases the latest stable version wins, falling back to
// prereleases when the major has no stable release. Any other range is a
// SemVer constraint and the highest matching version wins; a range that is
// not a valid constraint must match a version exactly.
func (t *Table) Resolve(typeName, rangeStr string) (Route, error) {
	t.mu.RLock()
	candidates := append([]Route(nil), t.routes[typeName]...)
	t.mu.RUnlock()

	if len(candidates) == 0 {
		return Route{}, fmt.Errorf("%s - %w for type %q", tableLogPrefix, ErrNoRoute, typeName)
	}
	sortRoutesDesc(candidates)

	var found *Route
	switch {
	case rangeStr == "":
		found = latestInMajor(candidates, candidates[0].Version.Major())
	case IsMajorOnly(rangeStr):
		major, err := strconv.ParseUint(rangeStr, 10, 64)
		if err != nil {
			return Route{}, fmt.Errorf("%s - %w: major %q: %v", tableLogPrefix, ErrInvalidRef, rangeStr, err)
		}
		found = latestInMajor(candidates, major)
	default:
		found = matchConstraint(candidates, rangeStr)
	}
	if found == nil {
		return Route{}, fmt.Errorf("%s - %w for type %q matching %q", tableLogPrefix, ErrNoRoute, typeName, rangeStr)
	}
	return *found, nil
}

// Routes returns every route, ordered by type name then version descending.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.routes))
	for name := range t.routes {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Route
	for _, name := range names {
		rs := append([]Route(nil), t.routes[name]...)
		sortRoutesDesc(rs)
		out = append(out, rs...)
	}
	return out
}

// Subjects returns the distinct subjects of all routes, sorted.
func (t *Table) Subjects() []string {
	seen := make(map[string]bool)
	var subjects []string
	for _, r := range t.Routes() {
		if !seen[r.Subject] {
			seen[r.Subject] = true
			subjects = append(subjects, r.Subject)
		}
	}
	sort.Strings(subjects)
	return subjects
}

// --- internal helpers ---

func latestInMajor(sorted []Route, major uint64) *Route {
	var fallback *Route
	for i := range sorted {
		if sorted[i].Version.Major() != major {
			continue
		}
		if sorted[i].Version.Prerelease() == "" {
			return &sorted[i]
		}
		if fallback == nil {
			fallback = &sorted[i]
		}
	}
	return fallback
}

func matchConstraint(sorted []Route, rangeStr string) *Route {
	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		for i := range sorted {
			if sorted[i].Version.Original() == rangeStr || sorted[i].Version.String() == rangeStr {
				return &sorted[i]
			}
		}
		return nil
	}
	for i := range sorted {
		if constraint.Check(sorted[i].Version) {
			return &sorted[i]
		}
	}
	return nil
}

func sortRoutesDesc(routes []Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Version.GreaterThan(routes[j].Version)
	})
}
