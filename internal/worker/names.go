package worker

import (
	"regexp"
	"strings"
)

const namePrefix = "anywork-worker-"

// maxNameLength is the DNS-1123 label limit shared by container names,
// pod names, and service names.
const maxNameLength = 63

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// WorkerName derives the container or pod name for a session. Session IDs
// are free-form (webhook channels mint IDs like "gh-octo/infra-42"), so the
// result is lowercased, restricted to [a-z0-9-], truncated to the DNS label
// limit, and never ends in a dash.
func WorkerName(sessionID string) string {
	s := strings.ToLower(sessionID)
	s = invalidNameChars.ReplaceAllString(s, "-")
	name := namePrefix + s
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	name = strings.TrimRight(name, "-")
	return name
}

// sessionLabel sanitizes a session ID for use as a Kubernetes label value,
// which follows the same character rules as names.
func sessionLabel(sessionID string) string {
	s := strings.ToLower(sessionID)
	s = invalidNameChars.ReplaceAllString(s, "-")
	if len(s) > maxNameLength {
		s = s[:maxNameLength]
	}
	return strings.Trim(s, "-")
}
