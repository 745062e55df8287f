package models

import (
	"math/bits"
	"time"
)

// GeoLocation is what a geo/threat-intel lookup knows about an address.
type GeoLocation struct {
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	HasCoords bool    `json:"has_coords"`
	ISP       string  `json:"isp,omitempty"`
	IsVPN     bool    `json:"is_vpn"`
	IsProxy   bool    `json:"is_proxy"`
	IsTor     bool    `json:"is_tor"`
}

// IPAddressRecord is the reputation state kept per source address.
type IPAddressRecord struct {
	IPAddress       string       `json:"ip_address"`
	Geo             *GeoLocation `json:"geo,omitempty"`
	GeoUpdatedAt    *time.Time   `json:"geo_updated_at,omitempty"`
	IsBlacklisted   bool         `json:"is_blacklisted"`
	BlacklistReason *string      `json:"blacklist_reason,omitempty"`
	IsWhitelisted   bool         `json:"is_whitelisted"`
	Reputation      Reputation   `json:"reputation"`
	RiskScore       float64      `json:"risk_score"`
	LoginAttempts   int          `json:"login_attempts"`
	FailedLogins    int          `json:"failed_logins"`
	// RecentOutcomes holds the last RecentCount outcomes, newest in bit 0,
	// a set bit for a failure. Classification reads only this window.
	RecentOutcomes  int64        `json:"-"`
	RecentCount     int          `json:"recent_attempts"`
	ThreatIntelHit  bool         `json:"threat_intel_hit"`
	FirstSeen       time.Time    `json:"first_seen"`
	LastSeen        time.Time    `json:"last_seen"`
}

// NewIPAddressRecord returns the default record for an address seen for the first time.
func NewIPAddressRecord(ip string, now time.Time) *IPAddressRecord {
	return &IPAddressRecord{
		IPAddress:  ip,
		Reputation: ReputationUnknown,
		FirstSeen:  now,
		LastSeen:   now,
	}
}

// FreshGeo returns the cached geolocation if it is younger than ttl, otherwise nil.
func (r *IPAddressRecord) FreshGeo(now time.Time, ttl time.Duration) *GeoLocation {
	if r == nil || r.Geo == nil || r.GeoUpdatedAt == nil {
		return nil
	}
	if now.Sub(*r.GeoUpdatedAt) > ttl {
		return nil
	}
	return r.Geo
}

// MaxTrailingOutcomes is how many outcomes RecentOutcomes can hold.
const MaxTrailingOutcomes = 63

// PushOutcome shifts one outcome into the trailing window of size n.
func (r *IPAddressRecord) PushOutcome(failed bool, n int) {
	n = max(1, min(n, MaxTrailingOutcomes))
	r.RecentOutcomes <<= 1
	if failed {
		r.RecentOutcomes |= 1
	}
	r.RecentOutcomes &= int64(1)<<n - 1
	r.RecentCount = min(r.RecentCount+1, n)
}

// ResetRecent forgets the trailing window.
func (r *IPAddressRecord) ResetRecent() {
	r.RecentOutcomes = 0
	r.RecentCount = 0
}

// RecentFailures counts failures inside the trailing window.
func (r *IPAddressRecord) RecentFailures() int {
	if r == nil {
		return 0
	}
	return bits.OnesCount64(uint64(r.RecentOutcomes))
}

// FailureRatio is failures over attempts inside the trailing window, 0 when it is empty.
func (r *IPAddressRecord) FailureRatio() float64 {
	if r.RecentCount == 0 {
		return 0
	}
	return float64(r.RecentFailures()) / float64(r.RecentCount)
}

// IPStats is the admin view of one address with its recent attempt history.
type IPStats struct {
	Record         *IPAddressRecord `json:"record"`
	RecentAttempts []LoginAttempt   `json:"recent_attempts"`
	DistinctEmails int              `json:"distinct_emails"`
}
