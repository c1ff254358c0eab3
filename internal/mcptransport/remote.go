package mcptransport

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/errdefs"
	"github.com/triage-ai/bulwark/internal/netguard"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxRedirects     = 5
)

// RemoteTransport reaches a tool server over SSE or streamable HTTP. The
// URL guard runs on every Connect, and the HTTP client dials only the
// addresses that passed that validation, so a DNS answer cannot change
// between check and connection.
type RemoteTransport struct {
	kind    Kind
	rawURL  string
	headers map[string]string
	guard   *netguard.Guard
	opts    netguard.Options
	logger  *zap.Logger

	session *mcp.ClientSession
}

func NewRemote(kind Kind, rawURL string, headers map[string]string, guard *netguard.Guard, opts netguard.Options, logger *zap.Logger) (*RemoteTransport, error) {
	if kind != KindSSE && kind != KindStreamable {
		return nil, errdefs.Newf(errdefs.KindValidation, "not a remote transport kind: %s", kind)
	}
	if rawURL == "" {
		return nil, errdefs.New(errdefs.KindValidation, "remote transport requires a url")
	}
	if guard == nil {
		return nil, errdefs.New(errdefs.KindValidation, "remote transport requires a url guard")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteTransport{
		kind:    kind,
		rawURL:  rawURL,
		headers: headers,
		guard:   guard,
		opts:    opts,
		logger:  logger,
	}, nil
}

func (t *RemoteTransport) Connect(ctx context.Context) (*mcp.ClientSession, error) {
	canon, addrs, err := t.guard.ValidateResolved(ctx, t.rawURL, t.opts)
	if err != nil {
		return nil, err
	}

	hc := t.httpClient(canon, addrs)
	var inner mcp.Transport
	switch t.kind {
	case KindSSE:
		inner = &mcp.SSEClientTransport{Endpoint: canon, HTTPClient: hc}
	default:
		inner = &mcp.StreamableClientTransport{Endpoint: canon, HTTPClient: hc}
	}

	session, err := newClient().Connect(ctx, inner, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransport, "connect "+canon, err)
	}
	t.logger.Debug("remote server connected",
		zap.String("endpoint", canon),
		zap.String("kind", t.kind.String()))
	t.session = session
	return session, nil
}

func (t *RemoteTransport) Disconnect() error {
	if t.session == nil {
		return nil
	}
	err := t.session.Close()
	t.session = nil
	return err
}

func (t *RemoteTransport) Type() Kind {
	return t.kind
}

// httpClient pins every dial to the vetted address set. Cross-host
// redirects are refused; same-host redirects pass through the guard
// again.
func (t *RemoteTransport) httpClient(canon string, addrs []netip.Addr) *http.Client {
	pinnedHost := hostOf(canon)
	dialer := &net.Dialer{Timeout: dialTimeout}

	transport := &http.Transport{
		TLSHandshakeTimeout: handshakeTimeout,
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			if !strings.EqualFold(host, pinnedHost) {
				return nil, errdefs.Newf(errdefs.KindPolicyViolation, "dial to unvetted host %s", host)
			}
			var firstErr error
			for _, a := range addrs {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
				if err == nil {
					return conn, nil
				}
				if firstErr == nil {
					firstErr = err
				}
			}
			if firstErr == nil {
				firstErr = errdefs.Newf(errdefs.KindTransport, "no vetted address for %s", host)
			}
			return nil, firstErr
		},
	}

	rt := http.RoundTripper(transport)
	if len(t.headers) > 0 {
		rt = &headerRoundTripper{next: transport, headers: t.headers}
	}

	return &http.Client{
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errdefs.New(errdefs.KindTransport, "too many redirects")
			}
			if !strings.EqualFold(req.URL.Hostname(), pinnedHost) {
				return errdefs.Newf(errdefs.KindPolicyViolation, "cross-host redirect to %s", req.URL.Hostname())
			}
			_, err := t.guard.Validate(req.Context(), req.URL.String(), t.opts)
			return err
		},
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

type headerRoundTripper struct {
	next    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return h.next.RoundTrip(req)
}
