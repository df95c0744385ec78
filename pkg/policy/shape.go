package policy

import (
	"regexp"
	"strings"

	"github.com/jelilat/sentinel/pkg/config"
)

var absoluteURLRe = regexp.MustCompile(`(?i)^[a-z][a-z0-9+.-]*://`)

// ValidateShape checks that the caller's method and path conform to the
// service's declared policy. It returns the upper-cased method on success.
func ValidateShape(svc *config.Service, method, path string) (string, *Denial) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return "", deny(400, "BAD_METHOD", "method required")
	}
	if len(svc.AllowedMethods) > 0 && !containsString(svc.AllowedMethods, method) {
		return "", deny(400, "BAD_METHOD",
			"method %s not allowed for service %q, allowed: %s", method, svc.Name, strings.Join(svc.AllowedMethods, ", "))
	}
	if strings.TrimSpace(path) == "" {
		return "", deny(400, "BAD_PATH", "path required")
	}
	// Absolute URLs would turn the gateway into an open relay.
	if absoluteURLRe.MatchString(path) || !strings.HasPrefix(path, "/") {
		return "", deny(400, "BAD_PATH", "path must be a relative path starting with /")
	}
	if len(svc.AllowedPaths) > 0 {
		bare := path
		if i := strings.Index(bare, "?"); i >= 0 {
			bare = bare[:i]
		}
		allowed := false
		for _, prefix := range svc.AllowedPaths {
			if strings.HasPrefix(bare, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", deny(400, "BAD_PATH",
				"path %s not allowed for service %q, allowed prefixes: %s", bare, svc.Name, strings.Join(svc.AllowedPaths, ", "))
		}
	}
	return method, nil
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
