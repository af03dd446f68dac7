package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// Passthrough transparently reverse-proxies the provider routes that are not
// completion endpoints: the gateway route prefix is stripped and the rest of
// the request forwards to the upstream origin untouched.
type Passthrough struct {
	rp *httputil.ReverseProxy
}

// NewPassthrough creates a transparent reverse proxy for one provider.
// prefix is the gateway route prefix to strip, baseURL the provider origin,
// and errorBody the provider-shaped payload returned when the upstream is
// unreachable.
func NewPassthrough(prefix, baseURL string, errorBody []byte) (*Passthrough, error) {
	target, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL %q: %w", baseURL, err)
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			path := strings.TrimPrefix(pr.In.URL.Path, prefix)
			if path == "" {
				path = "/"
			}
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Error("Passthrough upstream request failed", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write(errorBody)
		},
	}

	return &Passthrough{rp: rp}, nil
}

// Handle serves one proxied request.
func (p *Passthrough) Handle(c *echo.Context) error {
	p.rp.ServeHTTP(c.Response(), c.Request())
	return nil
}

// AnthropicUnreachableBody is the Anthropic-shaped payload a passthrough
// serves when its upstream cannot be reached.
func AnthropicUnreachableBody() []byte {
	return anthropicErrorBody(anthropicErrAPI, "upstream request failed")
}

// OpenAIUnreachableBody is the OpenAI-shaped payload a passthrough serves
// when its upstream cannot be reached.
func OpenAIUnreachableBody() []byte {
	return openaiErrorBody(openaiErrServer, "upstream request failed")
}
