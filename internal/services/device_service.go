package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fortexa/loginguard/internal/models"
)

// TrustedDeviceStore persists the (user, fingerprint) trust registry
type TrustedDeviceStore interface {
	Status(ctx context.Context, userID, fingerprint string, now time.Time) (models.DeviceStatus, error)
	Trust(ctx context.Context, d *models.TrustedDevice) (*models.TrustedDevice, error)
	Touch(ctx context.Context, userID, fingerprint, ip string, now time.Time) error
	ListByUser(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	Revoke(ctx context.Context, userID, deviceID string, now time.Time) error
	RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error)
}

// DeviceService tracks which device fingerprints vouch for which users
type DeviceService struct {
	repo       TrustedDeviceStore
	trustedFor time.Duration
}

// NewDeviceService creates a new DeviceService. trustedFor is how long a verified device stays trusted.
func NewDeviceService(repo TrustedDeviceStore, trustedFor time.Duration) *DeviceService {
	return &DeviceService{repo: repo, trustedFor: trustedFor}
}

// Status reports how fingerprint relates to the user's devices. An empty
// fingerprint is never known.
func (s *DeviceService) Status(ctx context.Context, userID, fingerprint string, now time.Time) (models.DeviceStatus, error) {
	if userID == "" {
		return models.DeviceStatus{}, nil
	}
	st, err := s.repo.Status(ctx, userID, fingerprint, now)
	if err != nil {
		return models.DeviceStatus{}, fmt.Errorf("device status: %w", err)
	}
	if fingerprint == "" {
		st.Known, st.Trusted, st.DeviceID = false, false, ""
	}
	return st, nil
}

// Trust records a device verified by a second factor.
func (s *DeviceService) Trust(ctx context.Context, userID, fingerprint, userAgent, ip string, now time.Time) (*models.TrustedDevice, error) {
	if fingerprint == "" {
		return nil, models.ErrBadRequest
	}
	return s.repo.Trust(ctx, &models.TrustedDevice{
		UserID:       userID,
		Fingerprint:  fingerprint,
		DeviceName:   DescribeDevice(userAgent),
		UserAgent:    userAgent,
		IPAddress:    ip,
		TrustedUntil: now.Add(s.trustedFor),
		LastUsedAt:   now,
	})
}

// Touch updates last-seen for a trusted device.
func (s *DeviceService) Touch(ctx context.Context, userID, fingerprint, ip string, now time.Time) error {
	if userID == "" || fingerprint == "" {
		return nil
	}
	return s.repo.Touch(ctx, userID, fingerprint, ip, now)
}

func (s *DeviceService) List(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *DeviceService) Revoke(ctx context.Context, userID, deviceID string, now time.Time) error {
	return s.repo.Revoke(ctx, userID, deviceID, now)
}

func (s *DeviceService) RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error) {
	return s.repo.RevokeAll(ctx, userID, now)
}

// DeviceFingerprint derives a fingerprint from request headers when the
// client supplied none: the first 32 hex chars of a SHA-256 digest.
func DeviceFingerprint(userAgent, acceptLanguage, acceptEncoding, accept string) string {
	if userAgent == "" && acceptLanguage == "" && acceptEncoding == "" && accept == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{userAgent, acceptLanguage, acceptEncoding, accept}, "|")))
	return hex.EncodeToString(sum[:])[:32]
}

// DescribeDevice turns a user agent into a short label such as "Chrome on Windows".
func DescribeDevice(userAgent string) string {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return "Unknown device"
	}

	var browser string
	switch {
	case strings.Contains(ua, "edg"):
		browser = "Edge"
	case strings.Contains(ua, "opr") || strings.Contains(ua, "opera"):
		browser = "Opera"
	case strings.Contains(ua, "chrome"):
		browser = "Chrome"
	case strings.Contains(ua, "firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "safari"):
		browser = "Safari"
	default:
		browser = "Browser"
	}

	var platform string
	switch {
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		platform = "iOS"
	case strings.Contains(ua, "android"):
		platform = "Android"
	case strings.Contains(ua, "macintosh") || strings.Contains(ua, "mac os"):
		platform = "macOS"
	case strings.Contains(ua, "windows"):
		platform = "Windows"
	case strings.Contains(ua, "linux"):
		platform = "Linux"
	default:
		return browser
	}
	return browser + " on " + platform
}
