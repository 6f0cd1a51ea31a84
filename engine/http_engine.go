package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/html"

	"github.com/use-agent/harvester/fingerprint"
	"github.com/use-agent/harvester/models"
)

// maxBody caps how much of a response is read.
const maxBody = 10 << 20

// HTTPEngine is the cheapest engine: one request over net/http with a
// Chrome-like TLS ClientHello. It never runs scripts.
type HTTPEngine struct {
	mu      sync.Mutex
	clients map[string]*http.Client // keyed by proxy URL
	gen     *fingerprint.Generator
}

// HTTPOption configures an HTTPEngine.
type HTTPOption func(*HTTPEngine)

// WithIdentity sends the header set of a fresh desktop Chrome fingerprint
// on every attempt instead of the static defaults.
func WithIdentity(gen *fingerprint.Generator) HTTPOption {
	return func(e *HTTPEngine) { e.gen = gen }
}

// chromeH1Spec is a Chrome-like TLS ClientHello with ALPN forced to http/1.1
// only. Computed once at init time and reused for every connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return
	}
	// http.Transport cannot speak h2 over a utls conn, so never offer it.
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

// NewHTTPEngine creates an HTTPEngine.
func NewHTTPEngine(opts ...HTTPOption) *HTTPEngine {
	e := &HTTPEngine{clients: make(map[string]*http.Client)}
	for _, o := range opts {
		o(e)
	}
	return e
}

var defaultHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
}

// identity returns the browser-like headers for one attempt. The TLS
// ClientHello is Chrome's, so the identity is always desktop Chrome.
func (e *HTTPEngine) identity(req *Request) (map[string]string, string) {
	if e.gen == nil {
		return defaultHeaders, ""
	}
	fp, err := e.gen.Generate(fingerprint.Options{Platform: fingerprint.PlatformWindows, Country: req.Options.Country})
	if err != nil {
		slog.Debug("http identity unavailable, using defaults", "job_id", req.JobID, "error", err)
		return defaultHeaders, ""
	}
	return fp.Headers, fp.ID
}

func (e *HTTPEngine) Type() models.EngineType { return models.EngineHTTP }

// client returns the pooled client for proxy, creating it on first use.
func (e *HTTPEngine) client(proxy string) *http.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[proxy]; ok {
		return c
	}

	transport := &http.Transport{
		DialTLSContext:      dialChromeTLS,
		ForceAttemptHTTP2:   false,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != "" {
		if u, err := url.Parse(proxy); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	c := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
	e.clients[proxy] = c
	return c
}

func dialChromeTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
	if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http_engine: apply tls spec: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// Execute performs the request. Non-2xx responses are outcomes, not errors;
// the classifier decides what they mean.
func (e *HTTPEngine) Execute(ctx context.Context, req *Request) *models.EngineOutcome {
	start := time.Now()
	out := &models.EngineOutcome{}
	defer out.Elapsed(start)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		out.TransportError = fmt.Errorf("http_engine: build request: %w", err)
		out.TransportErrorKind = models.TransportOther
		return out
	}

	ident, fpID := e.identity(req)
	for k, v := range ident {
		httpReq.Header.Set(k, v)
	}
	// The body is read raw; never advertise encodings we would not decode.
	httpReq.Header.Set("Accept-Encoding", "identity")
	out.FingerprintID = fpID
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for _, c := range req.Options.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	resp, err := e.client(req.ProxyURL).Do(httpReq)
	if err != nil {
		out.TransportError = fmt.Errorf("http_engine: do request: %w", err)
		return out
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		out.TransportError = fmt.Errorf("http_engine: read body: %w", err)
		return out
	}

	out.StatusCode = resp.StatusCode
	out.FinalURL = resp.Request.URL.String()
	out.ContentType = resp.Header.Get("Content-Type")
	out.Content = string(raw)
	out.Headers = flattenHeaders(resp.Header)
	for _, c := range resp.Cookies() {
		out.Cookies = append(out.Cookies, models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		})
	}
	if isHTMLContentType(out.ContentType) {
		out.Title = extractTitle(out.Content)
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// isHTMLContentType returns true if the content-type header looks like HTML.
func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

// extractTitle uses the Go HTML tokenizer to find the first <title> element.
func extractTitle(htmlStr string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlStr))
	inTitle := false
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tokenizer.Text()))
			}
		case html.EndTagToken:
			if inTitle {
				return ""
			}
		}
	}
}
