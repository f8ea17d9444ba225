// internal/geoip/geoip.go
package geoip

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"
)

var ipv4Pattern = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)

// ErrInvalidIP is returned for hosts that are not dotted-quad IPv4 addresses.
var ErrInvalidIP = errors.New("invalid IPv4 address")

// Location is what the database knows about an address.
type Location struct {
	IP          string `json:"ip"`
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`
	City        string `json:"city"`
	PostalCode  string `json:"postal_code"`
	TimeZone    string `json:"time_zone"`
}

// cityReader is the subset of *geoip2.Reader the resolver needs.
type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// Resolver maps IPv4 addresses to locations and UTC offsets using a MaxMind
// City database.
type Resolver struct {
	mu     sync.Mutex
	db     cityReader
	logger *zap.Logger
	now    func() time.Time
}

// Open loads the database at path.
func Open(path string, logger *zap.Logger) (*Resolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	return newResolver(db, logger), nil
}

func newResolver(db cityReader, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: db, logger: logger.Named("geoip"), now: time.Now}
}

// Lookup returns the database record for ip.
func (r *Resolver) Lookup(ip string) (*Location, error) {
	if !ipv4Pattern.MatchString(ip) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil, errors.New("geoip database is closed")
	}
	city, err := r.db.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("geoip lookup for %s failed: %w", ip, err)
	}
	return &Location{
		IP:          ip,
		CountryCode: city.Country.IsoCode,
		CountryName: city.Country.Names["en"],
		City:        city.City.Names["en"],
		PostalCode:  city.Postal.Code,
		TimeZone:    city.Location.TimeZone,
	}, nil
}

// TimezoneOffset returns the current UTC offset, in minutes east of UTC, of
// the time zone ip is located in.
func (r *Resolver) TimezoneOffset(ip string) (int, error) {
	loc, err := r.Lookup(ip)
	if err != nil {
		return 0, err
	}
	if loc.TimeZone == "" {
		return 0, fmt.Errorf("no time zone recorded for %s", ip)
	}
	offset, err := OffsetMinutes(loc.TimeZone, r.now())
	if err != nil {
		return 0, err
	}
	r.logger.Debug("Resolved timezone offset.", zap.String("ip", ip), zap.String("time_zone", loc.TimeZone), zap.Int("offset_minutes", offset))
	return offset, nil
}

// Close releases the database.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// OffsetMinutes returns the offset of the IANA zone name at instant t.
func OffsetMinutes(zone string, t time.Time) (int, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return 0, fmt.Errorf("unknown time zone %q: %w", zone, err)
	}
	_, seconds := t.In(loc).Zone()
	return seconds / 60, nil
}
