package rules

import (
	"encoding/json"
	"net/netip"
	"strings"
	"time"

	"github.com/fortexa/loginguard/internal/models"
)

// IPMatch inspects the source address and its reputation record.
// Every constraint that is set must hold.
type IPMatch struct {
	Prefixes    []netip.Prefix
	Reputations []models.Reputation
	Anonymizer  *bool // VPN or proxy
	Tor         *bool
	ThreatIntel *bool
}

func (IPMatch) Kind() Kind { return KindIP }

func (c IPMatch) Match(attempt *models.AttemptContext, _ *models.RiskAssessment) bool {
	if len(c.Prefixes) > 0 {
		addr, err := netip.ParseAddr(attempt.IPAddress)
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		found := false
		for _, p := range c.Prefixes {
			if p.Contains(addr) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(c.Reputations) > 0 {
		rep := attempt.Reputation()
		found := false
		for _, r := range c.Reputations {
			if r == rep {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	geo := attempt.Geo
	if geo == nil {
		geo = &models.GeoLocation{}
	}
	if c.Anonymizer != nil && (geo.IsVPN || geo.IsProxy) != *c.Anonymizer {
		return false
	}
	if c.Tor != nil && geo.IsTor != *c.Tor {
		return false
	}
	if c.ThreatIntel != nil && attempt.ThreatIntelMatch != *c.ThreatIntel {
		return false
	}
	return true
}

func parseIP(raw json.RawMessage) (Condition, error) {
	var params struct {
		CIDRs       []string            `json:"cidrs"`
		Reputations []models.Reputation `json:"reputations"`
		Anonymizer  *bool               `json:"anonymizer"`
		Tor         *bool               `json:"tor"`
		ThreatIntel *bool               `json:"threat_intel"`
	}
	if err := decodeStrict(raw, &params); err != nil {
		return nil, invalid(KindIP, "%v", err)
	}

	c := IPMatch{
		Anonymizer:  params.Anonymizer,
		Tor:         params.Tor,
		ThreatIntel: params.ThreatIntel,
	}
	for _, s := range params.CIDRs {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, invalid(KindIP, "bad cidr %q", s)
		}
		c.Prefixes = append(c.Prefixes, p)
	}
	for _, r := range params.Reputations {
		if !r.Valid() {
			return nil, invalid(KindIP, "unknown reputation %q", r)
		}
		c.Reputations = append(c.Reputations, r)
	}

	if len(c.Prefixes) == 0 && len(c.Reputations) == 0 && c.Anonymizer == nil && c.Tor == nil && c.ThreatIntel == nil {
		return nil, invalid(KindIP, "no constraint set")
	}
	return c, nil
}

// parsePrefix accepts a CIDR or a bare address.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// GeoMatch inspects the resolved location and the geographic risk factors.
// Country constraints never match when the location is unknown.
type GeoMatch struct {
	Countries        map[string]struct{}
	ExcludeCountries map[string]struct{}
	ImpossibleTravel *bool
	NewCountry       *bool
}

func (GeoMatch) Kind() Kind { return KindGeo }

func (c GeoMatch) Match(attempt *models.AttemptContext, assessment *models.RiskAssessment) bool {
	country := strings.ToUpper(attempt.Country())
	if len(c.Countries) > 0 {
		if _, ok := c.Countries[country]; country == "" || !ok {
			return false
		}
	}
	if len(c.ExcludeCountries) > 0 {
		if _, ok := c.ExcludeCountries[country]; country == "" || ok {
			return false
		}
	}
	if c.ImpossibleTravel != nil && assessment.HasFactor(models.FactorImpossibleTravel) != *c.ImpossibleTravel {
		return false
	}
	if c.NewCountry != nil && assessment.HasFactor(models.FactorNewCountry) != *c.NewCountry {
		return false
	}
	return true
}

func parseGeo(raw json.RawMessage) (Condition, error) {
	var params struct {
		Countries        []string `json:"countries"`
		ExcludeCountries []string `json:"exclude_countries"`
		ImpossibleTravel *bool    `json:"impossible_travel"`
		NewCountry       *bool    `json:"new_country"`
	}
	if err := decodeStrict(raw, &params); err != nil {
		return nil, invalid(KindGeo, "%v", err)
	}

	c := GeoMatch{
		ImpossibleTravel: params.ImpossibleTravel,
		NewCountry:       params.NewCountry,
	}
	var err error
	if c.Countries, err = countrySet(params.Countries); err != nil {
		return nil, err
	}
	if c.ExcludeCountries, err = countrySet(params.ExcludeCountries); err != nil {
		return nil, err
	}

	if len(c.Countries) == 0 && len(c.ExcludeCountries) == 0 && c.ImpossibleTravel == nil && c.NewCountry == nil {
		return nil, invalid(KindGeo, "no constraint set")
	}
	return c, nil
}

func countrySet(codes []string) (map[string]struct{}, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	set := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if len(code) != 2 {
			return nil, invalid(KindGeo, "country %q is not an ISO 3166 alpha-2 code", code)
		}
		set[code] = struct{}{}
	}
	return set, nil
}

// TimeWindow matches attempts inside an hour range and/or on given weekdays.
// A range whose start is after its end wraps past midnight.
type TimeWindow struct {
	StartHour int
	EndHour   int
	HasHours  bool
	Weekdays  map[time.Weekday]struct{}
	Location  *time.Location
}

func (TimeWindow) Kind() Kind { return KindTime }

func (c TimeWindow) Match(attempt *models.AttemptContext, _ *models.RiskAssessment) bool {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	t := attempt.Timestamp.In(loc)

	if c.HasHours {
		h := t.Hour()
		var in bool
		if c.StartHour < c.EndHour {
			in = h >= c.StartHour && h < c.EndHour
		} else {
			in = h >= c.StartHour || h < c.EndHour
		}
		if !in {
			return false
		}
	}
	if len(c.Weekdays) > 0 {
		if _, ok := c.Weekdays[t.Weekday()]; !ok {
			return false
		}
	}
	return true
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseTime(raw json.RawMessage) (Condition, error) {
	var params struct {
		StartHour *int     `json:"start_hour"`
		EndHour   *int     `json:"end_hour"`
		Weekdays  []string `json:"weekdays"`
		Timezone  string   `json:"timezone"`
	}
	if err := decodeStrict(raw, &params); err != nil {
		return nil, invalid(KindTime, "%v", err)
	}

	var c TimeWindow
	if (params.StartHour == nil) != (params.EndHour == nil) {
		return nil, invalid(KindTime, "start_hour and end_hour must be set together")
	}
	if params.StartHour != nil {
		s, e := *params.StartHour, *params.EndHour
		if s < 0 || s > 23 || e < 0 || e > 23 {
			return nil, invalid(KindTime, "hours must be within 0-23")
		}
		if s == e {
			return nil, invalid(KindTime, "empty hour range")
		}
		c.StartHour, c.EndHour, c.HasHours = s, e, true
	}

	if len(params.Weekdays) > 0 {
		c.Weekdays = make(map[time.Weekday]struct{}, len(params.Weekdays))
		for _, name := range params.Weekdays {
			d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return nil, invalid(KindTime, "unknown weekday %q", name)
			}
			c.Weekdays[d] = struct{}{}
		}
	}

	if params.Timezone != "" {
		loc, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return nil, invalid(KindTime, "unknown timezone %q", params.Timezone)
		}
		c.Location = loc
	}

	if !c.HasHours && len(c.Weekdays) == 0 {
		return nil, invalid(KindTime, "no constraint set")
	}
	return c, nil
}

// BehaviorMatch inspects the attempt history around the account and address.
type BehaviorMatch struct {
	MinRecentFailures  *int
	MinIPFailedLogins  *int
	NewDevice          *bool
	RateLimitNearLimit *bool
	ExcessiveSessions  *bool
}

func (BehaviorMatch) Kind() Kind { return KindBehavior }

func (c BehaviorMatch) Match(attempt *models.AttemptContext, assessment *models.RiskAssessment) bool {
	if c.MinRecentFailures != nil && attempt.RecentFailures < *c.MinRecentFailures {
		return false
	}
	if c.MinIPFailedLogins != nil && (attempt.IP == nil || attempt.IP.RecentFailures() < *c.MinIPFailedLogins) {
		return false
	}
	if c.NewDevice != nil && !attempt.Device.Trusted != *c.NewDevice {
		return false
	}
	if c.RateLimitNearLimit != nil && attempt.RateLimitNearExhaustion() != *c.RateLimitNearLimit {
		return false
	}
	if c.ExcessiveSessions != nil && assessment.HasFactor(models.FactorExcessiveSessions) != *c.ExcessiveSessions {
		return false
	}
	return true
}

func parseBehavior(raw json.RawMessage) (Condition, error) {
	var params struct {
		MinRecentFailures  *int  `json:"min_recent_failures"`
		MinIPFailedLogins  *int  `json:"min_ip_failed_logins"`
		NewDevice          *bool `json:"new_device"`
		RateLimitNearLimit *bool `json:"rate_limit_near_exhaustion"`
		ExcessiveSessions  *bool `json:"excessive_sessions"`
	}
	if err := decodeStrict(raw, &params); err != nil {
		return nil, invalid(KindBehavior, "%v", err)
	}
	if params.MinRecentFailures != nil && *params.MinRecentFailures < 1 {
		return nil, invalid(KindBehavior, "min_recent_failures must be positive")
	}
	if params.MinIPFailedLogins != nil && *params.MinIPFailedLogins < 1 {
		return nil, invalid(KindBehavior, "min_ip_failed_logins must be positive")
	}

	c := BehaviorMatch(params)
	if c.MinRecentFailures == nil && c.MinIPFailedLogins == nil && c.NewDevice == nil &&
		c.RateLimitNearLimit == nil && c.ExcessiveSessions == nil {
		return nil, invalid(KindBehavior, "no constraint set")
	}
	return c, nil
}

// PatternMatch inspects client-supplied strings.
type PatternMatch struct {
	UserAgentContains   []string // lower-cased
	EmailDomains        []string // lower-cased
	SuspiciousUserAgent *bool
}

func (PatternMatch) Kind() Kind { return KindPattern }

func (c PatternMatch) Match(attempt *models.AttemptContext, assessment *models.RiskAssessment) bool {
	if len(c.UserAgentContains) > 0 {
		ua := strings.ToLower(attempt.UserAgent)
		found := false
		for _, s := range c.UserAgentContains {
			if strings.Contains(ua, s) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(c.EmailDomains) > 0 {
		at := strings.LastIndexByte(attempt.Email, '@')
		if at < 0 {
			return false
		}
		domain := strings.ToLower(attempt.Email[at+1:])
		found := false
		for _, d := range c.EmailDomains {
			if domain == d || strings.HasSuffix(domain, "."+d) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if c.SuspiciousUserAgent != nil && assessment.HasFactor(models.FactorSuspiciousUserAgent) != *c.SuspiciousUserAgent {
		return false
	}
	return true
}

func parsePattern(raw json.RawMessage) (Condition, error) {
	var params struct {
		UserAgentContains   []string `json:"user_agent_contains"`
		EmailDomains        []string `json:"email_domains"`
		SuspiciousUserAgent *bool    `json:"suspicious_user_agent"`
	}
	if err := decodeStrict(raw, &params); err != nil {
		return nil, invalid(KindPattern, "%v", err)
	}

	c := PatternMatch{SuspiciousUserAgent: params.SuspiciousUserAgent}
	for _, s := range params.UserAgentContains {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return nil, invalid(KindPattern, "empty user agent pattern")
		}
		c.UserAgentContains = append(c.UserAgentContains, s)
	}
	for _, d := range params.EmailDomains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@"))
		if d == "" {
			return nil, invalid(KindPattern, "empty email domain")
		}
		c.EmailDomains = append(c.EmailDomains, d)
	}

	if len(c.UserAgentContains) == 0 && len(c.EmailDomains) == 0 && c.SuspiciousUserAgent == nil {
		return nil, invalid(KindPattern, "no constraint set")
	}
	return c, nil
}

// RiskMatch inspects the computed assessment.
type RiskMatch struct {
	MinScore    *float64
	MinSeverity models.Severity
	Factors     []string // all must be present
}

func (RiskMatch) Kind() Kind { return KindRisk }

func (c RiskMatch) Match(_ *models.AttemptContext, assessment *models.RiskAssessment) bool {
	if assessment == nil {
		return false
	}
	if c.MinScore != nil && assessment.Score < *c.MinScore {
		return false
	}
	if c.MinSeverity != "" && !assessment.Severity.AtLeast(c.MinSeverity) {
		return false
	}
	for _, f := range c.Factors {
		if !assessment.HasFactor(f) {
			return false
		}
	}
	return true
}

var knownFactors = map[string]struct{}{
	models.FactorIPReputation:        {},
	models.FactorVPN:                 {},
	models.FactorProxy:               {},
	models.FactorTor:                 {},
	models.FactorThreatIntel:         {},
	models.FactorImpossibleTravel:    {},
	models.FactorNewCountry:          {},
	models.FactorNewDevice:           {},
	models.FactorFirstDevice:         {},
	models.FactorRecentFailures:      {},
	models.FactorRateLimitNearLimit:  {},
	models.FactorSuspiciousUserAgent: {},
	models.FactorUnusualLoginTime:    {},
}

func parseRisk(raw json.RawMessage) (Condition, error) {
	var params struct {
		MinScore    *float64 `json:"min_score"`
		MinSeverity string   `json:"min_severity"`
		Factors     []string `json:"factors"`
	}
	if err := decodeStrict(raw, &params); err != nil {
		return nil, invalid(KindRisk, "%v", err)
	}

	c := RiskMatch{MinScore: params.MinScore}
	if c.MinScore != nil && (*c.MinScore < 0 || *c.MinScore > 1) {
		return nil, invalid(KindRisk, "min_score must be within [0,1]")
	}
	if params.MinSeverity != "" {
		sev, ok := models.ParseSeverity(params.MinSeverity)
		if !ok {
			return nil, invalid(KindRisk, "unknown severity %q", params.MinSeverity)
		}
		c.MinSeverity = sev
	}
	for _, f := range params.Factors {
		if _, ok := knownFactors[f]; !ok {
			return nil, invalid(KindRisk, "unknown factor %q", f)
		}
		c.Factors = append(c.Factors, f)
	}

	if c.MinScore == nil && c.MinSeverity == "" && len(c.Factors) == 0 {
		return nil, invalid(KindRisk, "no constraint set")
	}
	return c, nil
}
