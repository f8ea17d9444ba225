// internal/driver/relay.go
package driver

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

const relayDialTimeout = 30 * time.Second

// ErrUnsupportedProxyType is returned for upstream types the relay cannot
// speak.
var ErrUnsupportedProxyType = errors.New("unsupported proxy type")

// upstream is an immutable upstream proxy description.
type upstream struct {
	kind string
	url  *url.URL
}

// Relay is a local forward proxy the browser is pointed at once, at launch.
// Its upstream can be switched at any time, so proxy changes never need a
// browser restart.
type Relay struct {
	proxy    *goproxy.ProxyHttpServer
	tr       *http.Transport
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger

	upstream        atomic.Pointer[upstream]
	stripCookies    atomic.Bool
	responseTimeout atomic.Int64

	closeOnce     sync.Once
	serveFinished chan struct{}
}

// NewRelay starts a relay listening on a random loopback port.
func NewRelay(logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for proxy relay: %w", err)
	}

	r := &Relay{
		proxy:         goproxy.NewProxyHttpServer(),
		listener:      ln,
		logger:        logger.Named("relay"),
		serveFinished: make(chan struct{}),
	}

	r.tr = &http.Transport{
		Proxy:                 r.proxyURL,
		DialContext:           r.dialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
	r.proxy.Tr = r.tr
	r.proxy.ConnectDial = func(network, addr string) (net.Conn, error) {
		return r.connectDial(context.Background(), network, addr)
	}
	r.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		return goproxy.OkConnect, host
	}))
	r.proxy.OnRequest().DoFunc(r.handleRequest)
	r.proxy.OnResponse().DoFunc(r.handleResponse)

	r.server = &http.Server{Handler: r.proxy, ReadHeaderTimeout: relayDialTimeout}
	go func() {
		defer close(r.serveFinished)
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Warn("Proxy relay stopped unexpectedly.", zap.Error(err))
		}
	}()

	r.logger.Debug("Proxy relay listening.", zap.String("addr", ln.Addr().String()))
	return r, nil
}

// Addr is the relay's listen address (host:port).
func (r *Relay) Addr() string {
	return r.listener.Addr().String()
}

// URL is the relay address in the form browsers take as a proxy server.
func (r *Relay) URL() string {
	return "http://" + r.Addr()
}

// SetUpstream routes traffic through p. A nil p means direct connections.
func (r *Relay) SetUpstream(p *ProxySettings) error {
	if p == nil {
		r.upstream.Store(nil)
		r.tr.CloseIdleConnections()
		r.logger.Debug("Relay upstream cleared.")
		return nil
	}

	u, err := upstreamURL(p)
	if err != nil {
		return err
	}
	r.upstream.Store(&upstream{kind: p.Type, url: u})
	r.tr.CloseIdleConnections()
	r.logger.Debug("Relay upstream switched.", zap.String("type", p.Type), zap.String("host", u.Host))
	return nil
}

// SetResponseTimeout bounds the total time of every proxied resource. Zero
// disables the bound.
func (r *Relay) SetResponseTimeout(d time.Duration) {
	r.responseTimeout.Store(int64(d))
}

// SetStripCookies drops Cookie and Set-Cookie headers on plain HTTP traffic.
func (r *Relay) SetStripCookies(strip bool) {
	r.stripCookies.Store(strip)
}

// Close stops the relay.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = r.server.Shutdown(ctx)
		<-r.serveFinished
		r.tr.CloseIdleConnections()
	})
	return err
}

func (r *Relay) handleRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if r.stripCookies.Load() {
		req.Header.Del("Cookie")
	}
	ctx.RoundTripper = goproxy.RoundTripperFunc(r.roundTrip)
	return req, nil
}

// roundTrip applies the resource timeout to the request and its body.
func (r *Relay) roundTrip(req *http.Request, _ *goproxy.ProxyCtx) (*http.Response, error) {
	timeout := time.Duration(r.responseTimeout.Load())
	if timeout <= 0 {
		return r.tr.RoundTrip(req)
	}
	rctx, cancel := context.WithTimeout(req.Context(), timeout)
	resp, err := r.tr.RoundTrip(req.WithContext(rctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (r *Relay) handleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil {
		msg := "upstream connection failed"
		if ctx.Error != nil {
			msg = ctx.Error.Error()
		}
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusBadGateway, "proxy relay error: "+msg)
	}
	if r.stripCookies.Load() {
		resp.Header.Del("Set-Cookie")
	}
	return resp
}

// proxyURL feeds http upstreams to the transport. SOCKS upstreams are
// handled at the dial layer.
func (r *Relay) proxyURL(*http.Request) (*url.URL, error) {
	up := r.upstream.Load()
	if up == nil || up.kind != "http" {
		return nil, nil
	}
	return up.url, nil
}

func (r *Relay) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	up := r.upstream.Load()
	if up != nil && up.kind == "socks5" {
		return dialSOCKS5(ctx, up.url, network, addr)
	}
	d := &net.Dialer{Timeout: relayDialTimeout, KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// connectDial opens tunnels for CONNECT requests, through the upstream when
// one is set.
func (r *Relay) connectDial(ctx context.Context, network, addr string) (net.Conn, error) {
	up := r.upstream.Load()
	if up == nil {
		d := &net.Dialer{Timeout: relayDialTimeout, KeepAlive: 30 * time.Second}
		return d.DialContext(ctx, network, addr)
	}
	switch up.kind {
	case "socks5":
		return dialSOCKS5(ctx, up.url, network, addr)
	case "http":
		dctx, cancel := context.WithTimeout(ctx, relayDialTimeout)
		defer cancel()
		d := &net.Dialer{KeepAlive: 30 * time.Second}
		conn, err := d.DialContext(dctx, "tcp", up.url.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to reach upstream proxy %s: %w", up.url.Host, err)
		}
		tunnel, err := establishTunnel(dctx, conn, addr, up.url)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return tunnel, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProxyType, up.kind)
	}
}

func dialSOCKS5(ctx context.Context, u *url.URL, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: relayDialTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return dialer.Dial(network, addr)
}

// establishTunnel issues a CONNECT for target over conn.
func establishTunnel(ctx context.Context, conn net.Conn, target string, proxyURL *url.URL) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if proxyURL.User != nil {
		if password, ok := proxyURL.User.Password(); ok {
			auth := proxyURL.User.Username() + ":" + password
			req.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream proxy refused CONNECT: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		return &prefixedConn{Conn: conn, prefix: io.LimitReader(br, int64(br.Buffered()))}, nil
	}
	return conn, nil
}

// prefixedConn replays bytes buffered during the CONNECT handshake.
type prefixedConn struct {
	net.Conn
	prefix io.Reader
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if c.prefix != nil {
		n, err := c.prefix.Read(p)
		if err == io.EOF || (err == nil && n == 0) {
			c.prefix = nil
			if n > 0 {
				return n, nil
			}
			return c.Conn.Read(p)
		}
		return n, err
	}
	return c.Conn.Read(p)
}

func upstreamURL(p *ProxySettings) (*url.URL, error) {
	var scheme string
	switch p.Type {
	case "http":
		scheme = "http"
	case "socks5":
		scheme = "socks5"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProxyType, p.Type)
	}
	if p.Host == "" || p.Port == "" {
		return nil, errors.New("proxy host and port are required")
	}
	u := &url.URL{Scheme: scheme, Host: net.JoinHostPort(p.Host, p.Port)}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Passwd)
	}
	return u, nil
}
