// Package geo resolves source addresses to locations and threat-intel verdicts.
package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/fortexa/loginguard/internal/models"
	"github.com/oschwald/maxminddb-golang"
)

// Resolver looks up location and anonymizer flags for an address.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*models.GeoLocation, error)
}

type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		IsoCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Location struct {
		Latitude       float64 `maxminddb:"latitude"`
		Longitude      float64 `maxminddb:"longitude"`
		AccuracyRadius uint16  `maxminddb:"accuracy_radius"`
	} `maxminddb:"location"`
	Traits struct {
		IsAnonymousProxy bool   `maxminddb:"is_anonymous_proxy"`
		ISP              string `maxminddb:"isp"`
	} `maxminddb:"traits"`
}

type anonymousRecord struct {
	IsAnonymousVPN     bool `maxminddb:"is_anonymous_vpn"`
	IsHostingProvider  bool `maxminddb:"is_hosting_provider"`
	IsPublicProxy      bool `maxminddb:"is_public_proxy"`
	IsResidentialProxy bool `maxminddb:"is_residential_proxy"`
	IsTorExitNode      bool `maxminddb:"is_tor_exit_node"`
}

// MaxMindResolver reads GeoIP2/GeoLite2 City and, optionally, Anonymous-IP databases.
type MaxMindResolver struct {
	city      *maxminddb.Reader
	anonymous *maxminddb.Reader
}

// OpenMaxMind opens the databases at the given paths. anonymousPath may be empty.
func OpenMaxMind(cityPath, anonymousPath string) (*MaxMindResolver, error) {
	city, err := maxminddb.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open city database: %w", err)
	}

	r := &MaxMindResolver{city: city}
	if anonymousPath != "" {
		anon, err := maxminddb.Open(anonymousPath)
		if err != nil {
			city.Close()
			return nil, fmt.Errorf("failed to open anonymous-ip database: %w", err)
		}
		r.anonymous = anon
	}
	return r, nil
}

// Resolve returns the location for ip. Addresses absent from the database
// resolve to an empty location rather than an error.
func (r *MaxMindResolver) Resolve(_ context.Context, ip string) (*models.GeoLocation, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("%w: invalid address %q", models.ErrLookupFailed, ip)
	}

	var rec cityRecord
	_, found, err := r.city.LookupNetwork(addr, &rec)
	if err != nil {
		return nil, fmt.Errorf("%w: city lookup: %v", models.ErrLookupFailed, err)
	}

	loc := &models.GeoLocation{}
	if found {
		loc.Country = rec.Country.IsoCode
		loc.City = rec.City.Names["en"]
		loc.ISP = rec.Traits.ISP
		loc.IsProxy = rec.Traits.IsAnonymousProxy
		if rec.Location.Latitude != 0 || rec.Location.Longitude != 0 {
			loc.Latitude = rec.Location.Latitude
			loc.Longitude = rec.Location.Longitude
			loc.HasCoords = true
		}
	}

	if r.anonymous != nil {
		var anon anonymousRecord
		if err := r.anonymous.Lookup(addr, &anon); err != nil {
			return nil, fmt.Errorf("%w: anonymous-ip lookup: %v", models.ErrLookupFailed, err)
		}
		loc.IsVPN = anon.IsAnonymousVPN || anon.IsHostingProvider
		loc.IsProxy = loc.IsProxy || anon.IsPublicProxy || anon.IsResidentialProxy
		loc.IsTor = anon.IsTorExitNode
	}

	return loc, nil
}

func (r *MaxMindResolver) Close() error {
	if r.anonymous != nil {
		r.anonymous.Close()
	}
	return r.city.Close()
}
