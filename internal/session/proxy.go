// internal/session/proxy.go
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const localhost = "localhost"

var (
	proxyURLPattern  = regexp.MustCompile(`(?i)^(?:(http|http_tunnel|socks4|socks5)://)?(?:(\w+):(\w+)@)?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{2,5})/?$`)
	proxyTypePattern = regexp.MustCompile(`(?i)^(http|http_tunnel|socks4|socks5)$`)
	ipv4Pattern      = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	portPattern      = regexp.MustCompile(`^\d{2,5}$`)
)

// Proxy is a normalized upstream proxy.
type Proxy struct {
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user,omitempty"`
	Password string `json:"passwd,omitempty"`
}

// String renders p as a proxy URL without credentials.
func (p *Proxy) String() string {
	return fmt.Sprintf("%s://%s:%s", p.Type, p.Host, p.Port)
}

// ParseProxy parses a proxy given as a URL string or as a structured map.
// A nil spec or an empty string yields a nil proxy.
func ParseProxy(spec any) (*Proxy, error) {
	var p *Proxy
	switch v := spec.(type) {
	case nil:
		return nil, nil
	case *Proxy:
		if v == nil {
			return nil, nil
		}
		return ParseProxy(map[string]any{
			"type": v.Type, "host": v.Host, "port": v.Port,
			"user": v.User, "passwd": v.Password,
		})
	case string:
		if v == "" {
			return nil, nil
		}
		m := proxyURLPattern.FindStringSubmatch(v)
		if m == nil {
			return nil, &ProxyConfigError{Input: v, Err: errors.New("unsupported proxy URL")}
		}
		p = &Proxy{Type: m[1], User: m[2], Password: m[3], Host: m[4], Port: m[5]}
		if p.Type == "" {
			p.Type = "http"
		}
	case map[string]any:
		var err error
		if p, err = proxyFromMap(v); err != nil {
			return nil, err
		}
	default:
		return nil, &ProxyConfigError{Err: fmt.Errorf("proxy must be a URL or a map, got %T", spec)}
	}
	p.Type = normalizeProxyType(p.Type)
	return p, nil
}

func proxyFromMap(m map[string]any) (*Proxy, error) {
	// str returns the first non-empty string among keys.
	str := func(keys ...string) (string, error) {
		for _, k := range keys {
			v, ok := m[k]
			if !ok || v == nil {
				continue
			}
			s, ok := v.(string)
			if !ok {
				return "", &ProxyConfigError{Err: fmt.Errorf("proxy %s must be a string, got %T", k, v)}
			}
			if s != "" {
				return s, nil
			}
		}
		return "", nil
	}

	p := &Proxy{}
	typ, err := str("type", "proxy_type")
	if err != nil {
		return nil, err
	}
	if typ == "" {
		typ = "http"
	} else if !proxyTypePattern.MatchString(typ) {
		return nil, &ProxyConfigError{Input: typ, Err: errors.New("unsupported proxy type")}
	}
	p.Type = typ

	host, err := str("host", "ip", "server")
	if err != nil {
		return nil, err
	}
	if host != localhost && !ipv4Pattern.MatchString(host) {
		return nil, &ProxyConfigError{Input: host, Err: errors.New("proxy host must be localhost or an IPv4 address")}
	}
	p.Host = host

	switch port := m["port"].(type) {
	case int:
		p.Port = strconv.Itoa(port)
	case int64:
		p.Port = strconv.FormatInt(port, 10)
	case float64:
		if port != float64(int64(port)) {
			return nil, &ProxyConfigError{Err: fmt.Errorf("proxy port must be an integer, got %v", port)}
		}
		p.Port = strconv.FormatInt(int64(port), 10)
	case string:
		p.Port = port
	default:
		return nil, &ProxyConfigError{Err: fmt.Errorf("proxy port must be a string or an int, got %T", port)}
	}
	if !portPattern.MatchString(p.Port) {
		return nil, &ProxyConfigError{Input: p.Port, Err: errors.New("unsupported proxy port")}
	}

	user, err := str("user", "login")
	if err != nil {
		return nil, err
	}
	passwd, err := str("passwd", "password")
	if err != nil {
		return nil, err
	}
	// Credentials count only as a pair.
	if user != "" && passwd != "" {
		p.User, p.Password = user, passwd
	}
	return p, nil
}

func normalizeProxyType(t string) string {
	t = strings.ToLower(t)
	switch {
	case strings.HasPrefix(t, "http"):
		return "http"
	case t == "socks":
		return "socks5"
	default:
		return t
	}
}

// Proxy returns the active proxy, nil for direct connections.
func (s *Session) Proxy() *Proxy {
	if s.proxy == nil {
		return nil
	}
	p := *s.proxy
	return &p
}

// TimezoneOffset returns the emulated UTC offset in minutes, nil when unset.
func (s *Session) TimezoneOffset() *int {
	if s.timezoneOffset == nil {
		return nil
	}
	v := *s.timezoneOffset
	return &v
}

// SetProxy routes the session through spec, a URL string or a map. A nil
// spec goes direct and drops the emulated timezone. Changing to a non-local
// proxy also re-resolves the timezone from the proxy address.
func (s *Session) SetProxy(ctx context.Context, spec any) error {
	p, err := ParseProxy(spec)
	if err != nil {
		return err
	}
	if p == nil {
		return s.resetProxy(ctx, true)
	}
	return s.setProxy(ctx, p, true)
}

func (s *Session) setProxy(ctx context.Context, p *Proxy, withTimezone bool) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return &SessionError{Op: "set_proxy", Err: err}
	}
	if _, err := s.exec(ctx, "page._setProxy("+string(payload)+")"); err != nil {
		return &SessionError{Op: "set_proxy", Err: err}
	}
	s.proxy = p
	s.logger.Debug("Proxy set.", zap.Stringer("proxy", p))

	if !withTimezone || p.Host == localhost {
		return nil
	}
	offset := s.lookupTimezone(p.Host)
	if offset == nil {
		return nil
	}
	if _, err := s.exec(ctx, fmt.Sprintf("page.setTimezone(%d)", *offset)); err != nil {
		return &SessionError{Op: "set_timezone", Err: err}
	}
	s.timezoneOffset = offset
	return nil
}

func (s *Session) resetProxy(ctx context.Context, withTimezone bool) error {
	if _, err := s.exec(ctx, "page._resetProxy()"); err != nil {
		return &SessionError{Op: "reset_proxy", Err: err}
	}
	s.proxy = nil
	s.logger.Debug("Proxy cleared.")

	if !withTimezone {
		return nil
	}
	if _, err := s.exec(ctx, "page.resetTimezone()"); err != nil {
		return &SessionError{Op: "reset_timezone", Err: err}
	}
	s.timezoneOffset = nil
	return nil
}

// lookupTimezone resolves the UTC offset of host. Failures are logged and
// yield nil.
func (s *Session) lookupTimezone(host string) *int {
	if s.timezones == nil || host == localhost {
		return nil
	}
	offset, err := s.timezones.TimezoneOffset(host)
	if err != nil {
		s.logger.Debug("Timezone lookup failed, leaving timezone unset.", zap.String("host", host), zap.Error(err))
		return nil
	}
	return &offset
}
