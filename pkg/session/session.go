// Package session keeps one reusable HTTP client per session key and closes
// it after it has stayed unused for its idle timeout.
package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"

	"github.com/shaneisley/simplerest/pkg/scheduler"
)

// ErrClosed is returned when closing a session twice
var ErrClosed = errors.New("session already closed")

// TLSConfig points at client certificate material
type TLSConfig struct {
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool
}

// Options describes what a borrower needs from a session
type Options struct {
	// IdleTimeout is how long the session must stay unused before it closes.
	// Applied when the session is created.
	IdleTimeout time.Duration
	// Headers are merged into the session defaults without overwriting
	Headers map[string]string
	// Cookies are stored in the session jar for URL
	Cookies map[string]string
	URL     *url.URL
	// TLS and Timeout are applied when the session is created
	TLS     *TLSConfig
	Timeout time.Duration
}

// Session is a pooled HTTP client. All fields below client are owned by the
// pool's loop.
type Session struct {
	key       string
	client    *http.Client
	transport *http.Transport
	jar       http.CookieJar

	headers    http.Header
	users      int
	empty      bool
	idle       time.Duration
	watcher    *scheduler.Timer
	generation uint64
	closed     bool
}

func newSession(key string, opts Options) (*Session, error) {
	tlsConfig, err := buildTLS(opts.TLS)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", key, err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("session %s: configure http2: %w", key, err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("session %s: cookie jar: %w", key, err)
	}

	return &Session{
		key:       key,
		transport: transport,
		jar:       jar,
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   opts.Timeout,
		},
		headers: make(http.Header),
		empty:   true,
		idle:    opts.IdleTimeout,
	}, nil
}

func buildTLS(cfg *TLSConfig) (*tls.Config, error) {
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg == nil {
		return out, nil
	}

	out.InsecureSkipVerify = cfg.InsecureSkipVerify

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		out.RootCAs = pool
	}

	return out, nil
}

// Key returns the session key
func (s *Session) Key() string {
	return s.key
}

// merge adds headers and cookies the session does not carry yet
func (s *Session) merge(opts Options) {
	for name, value := range opts.Headers {
		if s.headers.Get(name) == "" {
			s.headers.Set(name, value)
		}
	}

	if opts.URL == nil || len(opts.Cookies) == 0 {
		return
	}
	present := make(map[string]bool)
	for _, c := range s.jar.Cookies(opts.URL) {
		present[c.Name] = true
	}
	var add []*http.Cookie
	for name, value := range opts.Cookies {
		if !present[name] {
			add = append(add, &http.Cookie{Name: name, Value: value})
		}
	}
	if len(add) > 0 {
		s.jar.SetCookies(opts.URL, add)
	}
}

func (s *Session) close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
	s.transport.CloseIdleConnections()
	return nil
}
