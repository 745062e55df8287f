package services

import (
	"math"
	"slices"
	"strings"

	"github.com/fortexa/loginguard/internal/config"
	"github.com/fortexa/loginguard/internal/models"
)

const earthRadiusKM = 6371.0

// Signal names used in RiskAssessment.Signals
const (
	SignalIPReputation = "ip_reputation"
	SignalGeo          = "geo"
	SignalDevice       = "device"
	SignalBehavior     = "behavior"
	SignalRateLimit    = "rate_limit"
	SignalUserAgent    = "user_agent"
	SignalLoginTime    = "login_time"
	SignalSessions     = "sessions"
)

// RiskEvaluator scores an attempt. It holds configuration only; Evaluate
// reads nothing but its argument and mutates nothing.
type RiskEvaluator struct {
	cfg config.RiskConfig
}

// NewRiskEvaluator creates a RiskEvaluator
func NewRiskEvaluator(cfg config.RiskConfig) *RiskEvaluator {
	return &RiskEvaluator{cfg: cfg}
}

// Evaluate computes the weighted risk score of one attempt.
func (e *RiskEvaluator) Evaluate(ac *models.AttemptContext) models.RiskAssessment {
	w := e.cfg.Weights
	var factors []string
	add := func(f ...string) { factors = append(factors, f...) }

	ip, ipFactors := e.ipSignal(ac)
	add(ipFactors...)

	geoSig, geoFactors, speed := e.geoSignal(ac)
	add(geoFactors...)

	device, deviceFactors := e.deviceSignal(ac)
	add(deviceFactors...)

	behavior := e.behaviorSignal(ac.RecentFailures)
	if behavior > 0 {
		add(models.FactorRecentFailures)
	}

	var rate float64
	if ac.RateLimitNearExhaustion() {
		rate = 1
		add(models.FactorRateLimitNearLimit)
	}

	var ua float64
	if IsSuspiciousUserAgent(ac.UserAgent) {
		ua = 1
		add(models.FactorSuspiciousUserAgent)
	}

	var hour float64
	if e.unusualHour(ac) {
		hour = 1
		add(models.FactorUnusualLoginTime)
	}

	var sessions float64
	if ac.UserID != "" && ac.ActiveSessions > e.cfg.MaxActiveSessions {
		sessions = 1
		add(models.FactorExcessiveSessions)
	}

	signals := map[string]float64{
		SignalIPReputation: w.IPReputation * ip,
		SignalGeo:          w.Geo * geoSig,
		SignalDevice:       w.Device * device,
		SignalBehavior:     w.Behavior * behavior,
		SignalRateLimit:    w.RateLimit * rate,
		SignalUserAgent:    w.UserAgent * ua,
		SignalLoginTime:    w.LoginTime * hour,
		SignalSessions:     w.Sessions * sessions,
	}

	// Fixed summation order keeps the float result reproducible.
	var score float64
	for _, name := range []string{
		SignalIPReputation, SignalGeo, SignalDevice, SignalBehavior,
		SignalRateLimit, SignalUserAgent, SignalLoginTime, SignalSessions,
	} {
		score += signals[name]
	}
	score = clamp01(score)

	if factors == nil {
		factors = []string{}
	}
	return models.RiskAssessment{
		Score:          score,
		Severity:       e.Severity(score),
		Factors:        factors,
		Signals:        signals,
		TravelSpeedKMH: speed,
	}
}

// Severity maps a score onto the configured breakpoints.
func (e *RiskEvaluator) Severity(score float64) models.Severity {
	switch {
	case score < e.cfg.MediumThreshold:
		return models.SeverityLow
	case score < e.cfg.HighThreshold:
		return models.SeverityMedium
	case score < e.cfg.CriticalThreshold:
		return models.SeverityHigh
	default:
		return models.SeverityCritical
	}
}

func (e *RiskEvaluator) ipSignal(ac *models.AttemptContext) (float64, []string) {
	var factors []string
	var s float64

	switch ac.Reputation() {
	case models.ReputationTrusted:
		return 0, nil
	case models.ReputationSuspicious:
		s = e.cfg.SuspiciousReputation
		factors = append(factors, models.FactorIPReputation)
	case models.ReputationMalicious:
		s = e.cfg.MaliciousReputation
		factors = append(factors, models.FactorIPReputation)
	default:
		s = e.cfg.UnknownReputation
	}

	if ac.ThreatIntelMatch {
		s = 1
		factors = append(factors, models.FactorThreatIntel)
	}

	if g := ac.Geo; g != nil {
		if g.IsVPN {
			s += e.cfg.VPNIncrement
			factors = append(factors, models.FactorVPN)
		}
		if g.IsProxy {
			s += e.cfg.ProxyIncrement
			factors = append(factors, models.FactorProxy)
		}
		if g.IsTor {
			s += e.cfg.TorIncrement
			factors = append(factors, models.FactorTor)
		}
	}
	return clamp01(s), factors
}

func (e *RiskEvaluator) geoSignal(ac *models.AttemptContext) (float64, []string, *float64) {
	g := ac.Geo
	if g == nil {
		return 0, nil, nil
	}

	if last := ac.LastLogin; last != nil && last.HasCoords && g.HasCoords {
		distance := HaversineKM(last.Latitude, last.Longitude, g.Latitude, g.Longitude)
		if distance >= e.cfg.MinTravelDistanceKM {
			hours := ac.Timestamp.Sub(last.At).Hours()
			speed := math.Inf(1)
			if hours > 0 {
				speed = distance / hours
			}
			if speed > e.cfg.MaxTravelSpeedKMH {
				reported := speed
				if math.IsInf(reported, 1) {
					reported = math.MaxFloat64
				}
				return 1, []string{models.FactorImpossibleTravel}, &reported
			}
			return e.newCountry(ac), e.newCountryFactor(ac), &speed
		}
	}

	return e.newCountry(ac), e.newCountryFactor(ac), nil
}

func (e *RiskEvaluator) newCountry(ac *models.AttemptContext) float64 {
	if isNewCountry(ac) {
		return e.cfg.NewCountrySignal
	}
	return 0
}

func (e *RiskEvaluator) newCountryFactor(ac *models.AttemptContext) []string {
	if isNewCountry(ac) {
		return []string{models.FactorNewCountry}
	}
	return nil
}

// isNewCountry needs both a resolved country and some history to compare against.
func isNewCountry(ac *models.AttemptContext) bool {
	country := ac.Country()
	if country == "" || len(ac.RecentCountries) == 0 {
		return false
	}
	return !slices.Contains(ac.RecentCountries, country)
}

func (e *RiskEvaluator) deviceSignal(ac *models.AttemptContext) (float64, []string) {
	if ac.UserID == "" {
		return 0, nil
	}
	d := ac.Device
	switch {
	case d.Trusted:
		return 0, nil
	case d.HasTrustedDevices:
		return 1, []string{models.FactorNewDevice}
	case !d.Known:
		return e.cfg.FirstDeviceSignal, []string{models.FactorFirstDevice}
	}
	return 0, nil
}

// behaviorSignal grows linearly with failures and saturates at the ceiling.
func (e *RiskEvaluator) behaviorSignal(failures int) float64 {
	if failures <= 0 || e.cfg.FailureCeiling <= 0 {
		return 0
	}
	if failures >= e.cfg.FailureCeiling {
		return 1
	}
	return float64(failures) / float64(e.cfg.FailureCeiling)
}

func (e *RiskEvaluator) unusualHour(ac *models.AttemptContext) bool {
	if ac.Timestamp.IsZero() || len(ac.TypicalHours) == 0 {
		return false
	}

	distinct := make(map[int]struct{}, len(ac.TypicalHours))
	for _, h := range ac.TypicalHours {
		distinct[h] = struct{}{}
	}
	if len(distinct) < e.cfg.MinTypicalHours {
		return false
	}

	current := ac.Timestamp.UTC().Hour()
	nearest := 24
	for h := range distinct {
		d := current - h
		if d < 0 {
			d = -d
		}
		if d > 12 {
			d = 24 - d
		}
		nearest = min(nearest, d)
	}
	return nearest > e.cfg.UnusualHourDistance
}

var suspiciousAgentPatterns = []string{
	"bot", "crawler", "spider", "scraper", "python", "curl", "wget",
	"automated", "script", "headless", "phantom", "selenium", "mechanize",
	"libwww", "urllib", "httpie", "postman", "insomnia", "go-http-client",
}

var browserIndicators = []string{"mozilla", "webkit", "chrome", "firefox", "safari", "edge"}

// IsSuspiciousUserAgent flags automation tools and agents that do not look like a browser.
// An empty agent is not flagged; it carries no information either way.
func IsSuspiciousUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	if len(ua) < 20 || len(ua) > 500 {
		return true
	}

	lower := strings.ToLower(ua)
	for _, p := range suspiciousAgentPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, b := range browserIndicators {
		if strings.Contains(lower, b) {
			return false
		}
	}
	return true
}

// HaversineKM is the great-circle distance between two coordinates.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
