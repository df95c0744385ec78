// Package secret resolves real upstream credentials and renders them into
// outgoing requests. Rendered values must never reach a log, metric or
// error message; errors carry only the environment variable's name.
package secret

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/jelilat/sentinel/pkg/config"
)

// Source abstracts credential lookup so tests do not mutate the process
// environment.
type Source interface {
	Lookup(name string) (string, bool)
}

// EnvSource reads credentials from the process environment.
type EnvSource struct{}

func (EnvSource) Lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// MissingError reports an absent credential. Server-side misconfiguration,
// not a client error.
type MissingError struct {
	EnvVar string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("secret environment variable %s is not set", e.EnvVar)
}

// Render resolves the service's credential and substitutes it into the
// auth template. Single substitution, plain substring replace.
func Render(svc *config.Service, src Source) (string, error) {
	value, ok := src.Lookup(svc.SecretEnv)
	if !ok || strings.TrimSpace(value) == "" {
		return "", &MissingError{EnvVar: svc.SecretEnv}
	}
	return strings.Replace(svc.Auth.Template, config.SecretPlaceholder, value, 1), nil
}

// Inject writes the rendered credential onto the outgoing request per the
// service's injection mode. In header mode any caller-supplied value under
// the same name is overwritten; callers cannot pre-empt credential headers.
func Inject(req *http.Request, svc *config.Service, rendered string) {
	switch svc.Auth.Type {
	case "header":
		req.Header.Set(svc.Auth.Name, rendered)
	case "query":
		q := req.URL.Query()
		q.Set(svc.Auth.Name, rendered)
		req.URL.RawQuery = q.Encode()
	}
}
