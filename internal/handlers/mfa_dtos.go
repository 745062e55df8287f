package handlers

import "time"

// MFA Setup DTOs

// InitiateMFASetupRequest is the request for starting MFA setup
type InitiateMFASetupRequest struct {
	DeviceName string `json:"device_name" validate:"required,max=255"`
}

// InitiateMFASetupResponse contains the QR code and secret for setup
type InitiateMFASetupResponse struct {
	QRCode   string `json:"qr_code"`   // Data URL for QR code
	Secret   string `json:"secret"`    // Base32-encoded secret (for manual entry)
	DeviceID string `json:"device_id"` // Device UUID for verification
}

// VerifyMFASetupRequest is the request to verify and enable MFA
type VerifyMFASetupRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	Code     string `json:"code" validate:"required,len=6,numeric"`
}

// VerifyMFASetupResponse confirms successful MFA enablement
type VerifyMFASetupResponse struct {
	Success    bool      `json:"success"`
	MFAEnabled bool      `json:"mfa_enabled"`
	EnrolledAt time.Time `json:"enrolled_at"`
	Message    string    `json:"message"`
}

// MFAStatusResponse shows current MFA configuration
type MFAStatusResponse struct {
	MFAEnabled bool `json:"mfa_enabled"`
}

// Trusted device DTOs

// TrustedDeviceDTO is a trusted device as shown to its owner
type TrustedDeviceDTO struct {
	ID           string    `json:"id"`
	DeviceName   string    `json:"device_name"`
	IPAddress    string    `json:"ip_address"`
	TrustedUntil time.Time `json:"trusted_until"`
	LastUsedAt   time.Time `json:"last_used_at"`
	CreatedAt    time.Time `json:"created_at"`
	Active       bool      `json:"active"`
}

// ListTrustedDevicesResponse wraps the caller's devices
type ListTrustedDevicesResponse struct {
	Devices []TrustedDeviceDTO `json:"devices"`
}
