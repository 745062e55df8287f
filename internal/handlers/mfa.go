package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fortexa/loginguard/internal/auth"
	"github.com/fortexa/loginguard/internal/models"
	pkghttp "github.com/fortexa/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// MFAServiceInterface defines authenticator enrollment operations
type MFAServiceInterface interface {
	InitiateSetup(ctx context.Context, userID, email, deviceName string) (*models.MFASetupResponse, error)
	VerifySetup(ctx context.Context, userID, deviceID, code string) error
	RemoveDevice(ctx context.Context, userID, deviceID string) error
	Enabled(ctx context.Context, userID string) (bool, error)
}

// MFAHandler handles MFA-related HTTP requests
type MFAHandler struct {
	mfaService MFAServiceInterface
	logger     *slog.Logger
}

// NewMFAHandler creates a new MFA handler
func NewMFAHandler(mfaService MFAServiceInterface, logger *slog.Logger) *MFAHandler {
	return &MFAHandler{
		mfaService: mfaService,
		logger:     logger,
	}
}

// InitiateSetup handles POST /mfa/setup to begin MFA setup
func (h *MFAHandler) InitiateSetup(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req InitiateMFASetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	setup, err := h.mfaService.InitiateSetup(r.Context(), user.UserID, user.Email, req.DeviceName)
	if err != nil {
		h.logger.Error("failed to initiate MFA setup", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Setup failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(InitiateMFASetupResponse{
		QRCode:   setup.QRCode,
		Secret:   setup.Secret,
		DeviceID: setup.DeviceID,
	})
}

// VerifySetup handles POST /mfa/setup/verify to confirm MFA setup
func (h *MFAHandler) VerifySetup(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req VerifyMFASetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.mfaService.VerifySetup(r.Context(), user.UserID, req.DeviceID, req.Code); err != nil {
		statusCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, models.ErrInvalidMFACode):
			statusCode = http.StatusUnauthorized
		case errors.Is(err, models.ErrMFADeviceNotFound):
			statusCode = http.StatusNotFound
		case errors.Is(err, models.ErrConflict):
			statusCode = http.StatusConflict
		}

		h.logger.Warn("failed to verify MFA setup", slog.String("user_id", user.UserID), slog.Any("error", err))
		pkghttp.WriteError(w, statusCode, "mfa_verification_failed", "Verification failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(VerifyMFASetupResponse{
		Success:    true,
		MFAEnabled: true,
		EnrolledAt: time.Now().UTC(),
		Message:    "MFA has been successfully enabled",
	})
}

// RemoveDevice handles DELETE /mfa/devices/{deviceID}
func (h *MFAHandler) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	deviceID := chi.URLParam(r, "deviceID")
	if deviceID == "" {
		pkghttp.WriteBadRequest(w, "device id is required")
		return
	}

	if err := h.mfaService.RemoveDevice(r.Context(), user.UserID, deviceID); err != nil {
		if errors.Is(err, models.ErrMFADeviceNotFound) {
			pkghttp.WriteNotFound(w, "MFA device not found")
			return
		}
		pkghttp.WriteInternalError(w, "Failed to remove MFA device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /mfa/status to check MFA configuration
func (h *MFAHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	enabled, err := h.mfaService.Enabled(r.Context(), user.UserID)
	if err != nil {
		h.logger.Error("failed to get MFA status", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Failed to retrieve MFA status")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(MFAStatusResponse{MFAEnabled: enabled})
}
