package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jelilat/sentinel/pkg/config"
	"github.com/jelilat/sentinel/pkg/secret"
)

// nowFn is replaceable in tests.
var nowFn = time.Now

// strippedHeaders are removed from every outgoing request regardless of
// service configuration: callers must not be able to impersonate, leak
// sessions, or pre-empt the injected credential.
var strippedHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"host":                {},
}

// Forwarder issues the upstream call under the service's deadline and
// relays the response transparently.
type Forwarder struct {
	Client *http.Client
	Logf   func(format string, args ...interface{})
}

func (f *Forwarder) logf(format string, args ...interface{}) {
	if f.Logf != nil {
		f.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Forward builds the outgoing request, applies the rendered credential and
// executes the call with a hard deadline. The deadline actively cancels
// the in-flight call; it does not merely abandon it.
func (f *Forwarder) Forward(ctx context.Context, svc *config.Service, identityName, method string, req Request, rendered string) Outcome {
	timeout := svc.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outURL := strings.TrimRight(svc.BaseURL, "/") + req.Path
	out, err := http.NewRequestWithContext(ctx, method, outURL, requestBody(method, req.Body))
	if err != nil {
		return terminal(502, "UPSTREAM_ERROR", fmt.Sprintf("failed to build upstream request: %v", err))
	}
	for name, value := range req.Headers {
		if _, stripped := strippedHeaders[strings.ToLower(name)]; stripped {
			continue
		}
		out.Header.Set(name, value)
	}
	if out.Body != nil && out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}
	// Credential goes on last so nothing the caller sent can shadow it.
	secret.Inject(out, svc, rendered)

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := nowFn()
	resp, err := client.Do(out)
	latency := nowFn().Sub(start)
	if err != nil {
		outcome := classifyFailure(err, timeout)
		f.logf("proxy identity=%s service=%s method=%s path=%s error=%q latency_ms=%d",
			identityName, svc.Name, method, req.Path, outcome.Reason, latency.Milliseconds())
		outcome.Latency = latency
		return outcome
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.logf("proxy identity=%s service=%s method=%s path=%s error=%q latency_ms=%d",
			identityName, svc.Name, method, req.Path, "UPSTREAM_BODY_READ", latency.Milliseconds())
		return terminal(502, "UPSTREAM_ERROR", "failed to read upstream response")
	}
	f.logf("proxy identity=%s service=%s method=%s path=%s status=%d latency_ms=%d",
		identityName, svc.Name, method, req.Path, resp.StatusCode, latency.Milliseconds())
	return Outcome{
		Status:      resp.StatusCode,
		Forwarded:   true,
		Reason:      "FORWARDED",
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Latency:     latency,
	}
}

// requestBody attaches a body only for methods other than GET/HEAD. A JSON
// string body is sent as its raw string value; anything else is already
// JSON text and passes through unmodified.
func requestBody(method string, body json.RawMessage) io.Reader {
	if method == http.MethodGet || method == http.MethodHead || len(body) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(body, &asString); err == nil {
		return strings.NewReader(asString)
	}
	return bytes.NewReader(body)
}

// classifyFailure maps transport errors to the 504/502 taxonomy. The
// underlying error is unwrapped from url.Error so the outgoing URL, which
// may carry an injected query credential, never reaches the caller.
func classifyFailure(err error, timeout time.Duration) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return terminal(504, "UPSTREAM_TIMEOUT",
			fmt.Sprintf("upstream request timed out after %dms", timeout.Milliseconds()))
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return terminal(504, "UPSTREAM_TIMEOUT",
				fmt.Sprintf("upstream request timed out after %dms", timeout.Milliseconds()))
		}
		err = urlErr.Err
	}
	return terminal(502, "UPSTREAM_ERROR", fmt.Sprintf("upstream request failed: %v", err))
}

func terminal(status int, reason, msg string) Outcome {
	return Outcome{Status: status, Reason: reason, Error: msg}
}
