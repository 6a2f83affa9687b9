package observability

import "strings"

const sessionsPrefix = "/v1/sessions/"

// classifyPath replaces the session id in a request path so the per-route
// counter stays bounded, and returns the id it removed.
func classifyPath(path string) (route, sessionID string) {
	rest, ok := strings.CutPrefix(path, sessionsPrefix)
	if !ok || rest == "" {
		return path, ""
	}
	id, action, hasAction := strings.Cut(rest, "/")
	if hasAction {
		return sessionsPrefix + "{id}/" + action, id
	}
	return sessionsPrefix + "{id}", id
}
