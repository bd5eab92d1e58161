package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"NetDispatch/internal/shared/constants"
	shared "NetDispatch/internal/shared/models"
)

var (
	errTooManyRedirects = errors.New("too many redirects")
	errNoFamilyAddress  = errors.New("no resolved address matches the bound source family")
)

type Request struct {
	SourceIP string
	Method   string
	URL      string
	Headers  map[string]string
	Body     json.RawMessage
	Timeout  time.Duration
}

type Result struct {
	Status  int
	Headers map[string]string
	Body    []byte
	Elapsed time.Duration
}

// Executor performs one outbound HTTP request with the TCP socket bound to a
// caller-supplied local source IP. Every redirect hop reuses the same
// binding; a redirect target that only resolves in the other address family
// fails with BindError rather than silently switching source.
type Executor struct {
	logger    *slog.Logger
	userAgent string
}

func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger:    logger,
		userAgent: "NetDispatch-Agent/1.0",
	}
}

func (e *Executor) Execute(ctx context.Context, req Request) (*Result, *shared.DispatchError) {
	source, derr := parseSource(req.SourceIP)
	if derr != nil {
		return nil, derr
	}

	if req.Timeout <= 0 {
		req.Timeout = constants.DefaultRequestTimeout
	}

	// The job timeout bounds the whole request; the client timeout below only
	// adds teardown slack.
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	body, contentType, derr := decodeBody(req.Body)
	if derr != nil {
		return nil, derr
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL, bytes.NewReader(body))
	if err != nil {
		return nil, shared.NewDispatchError(shared.KindInvalidRequest, "failed to build request: %v", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", e.userAgent)
	}

	client := e.buildClient(source, req.Timeout)
	defer client.CloseIdleConnections()

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		if isTimeout(err) {
			return nil, shared.NewDispatchError(shared.KindTimeout, "reading response body: %v", err)
		}
		return nil, shared.NewDispatchError(shared.KindReadError, "reading response body: %v", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	e.logger.Debug("request executed",
		"url", req.URL,
		"source_ip", source.String(),
		"status", resp.StatusCode,
		"elapsed", elapsed,
	)

	return &Result{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    respBody,
		Elapsed: elapsed,
	}, nil
}

// buildClient constructs a client whose dialer binds to source. Keep-alives
// are off so no pooled connection with a different binding can be reused.
func (e *Executor) buildClient(source netip.Addr, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   timeout,
		LocalAddr: &net.TCPAddr{IP: source.AsSlice()},
		// No dual-stack fallback: the source binding fixes the family.
		FallbackDelay: -1,
	}

	transport := &http.Transport{
		DialContext:         e.dialBound(dialer, source),
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DisableKeepAlives: true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout + constants.RequestGrace,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= constants.RedirectCap {
				return errTooManyRedirects
			}
			return nil
		},
	}
}

func (e *Executor) dialBound(dialer *net.Dialer, source netip.Addr) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}

		var candidates []netip.Addr
		for _, ip := range ips {
			ip = ip.Unmap()
			if ip.Is4() == source.Is4() {
				candidates = append(candidates, ip)
			}
		}
		if len(candidates) == 0 {
			return nil, errNoFamilyAddress
		}

		var lastErr error
		for _, ip := range candidates {
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

// parseSource unwraps bracketed IPv6 literals and strips any zone.
func parseSource(raw string) (netip.Addr, *shared.DispatchError) {
	s := strings.TrimPrefix(strings.TrimSuffix(raw, "]"), "[")
	if s == "" {
		return netip.Addr{}, shared.NewDispatchError(shared.KindBindError, "empty source ip")
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, shared.NewDispatchError(shared.KindBindError, "invalid source ip %q: %v", raw, err)
	}
	return addr.Unmap().WithZone(""), nil
}

// decodeBody turns the wire body into raw bytes. A JSON string becomes its
// literal text; any other JSON value is sent verbatim as application/json.
func decodeBody(raw json.RawMessage) ([]byte, string, *shared.DispatchError) {
	if len(raw) == 0 {
		return nil, "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s), "", nil
	}

	if !json.Valid(raw) {
		return nil, "", shared.NewDispatchError(shared.KindInvalidRequest, "body is not valid JSON")
	}
	return []byte(raw), "application/json", nil
}

// classify maps a transport error onto the taxonomy surfaced to the
// coordinator.
func classify(err error) *shared.DispatchError {
	if errors.Is(err, errTooManyRedirects) {
		return shared.NewDispatchError(shared.KindTooManyRedirects, "redirect limit of %d exceeded", constants.RedirectCap)
	}
	if errors.Is(err, errNoFamilyAddress) {
		return shared.NewDispatchError(shared.KindBindError, "%v", errNoFamilyAddress)
	}
	if isTimeout(err) {
		return shared.NewDispatchError(shared.KindTimeout, "%v", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return shared.NewDispatchError(shared.KindDNSError, "%v", dnsErr)
	}

	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Syscall == "bind" {
		return shared.NewDispatchError(shared.KindBindError, "%v", err)
	}

	if isTLSError(err) {
		return shared.NewDispatchError(shared.KindTLSError, "%v", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return shared.NewDispatchError(shared.KindConnectError, "%v", err)
	}

	return shared.NewDispatchError(shared.KindOther, "%v", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTLSError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	// Handshake alerts surface as opaque errors with a tls prefix.
	return strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:")
}
