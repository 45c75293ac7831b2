package commsutil

import (
	"fmt"
	"strings"
)

// DefaultSubjectPrefix is the root of every service subject.
const DefaultSubjectPrefix = "svc"

// BuildServiceSubject builds the COMMS subject a service major listens on,
// e.g. svc.acme.greeter.v1. Dots inside the service name become underscores
// so the name stays a single subject token.
func BuildServiceSubject(prefix, app, name string, major uint64) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	safe := strings.ReplaceAll(name, ".", "_")
	return fmt.Sprintf("%s.%s.%s.v%d", prefix, app, safe, major)
}

