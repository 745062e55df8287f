package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fortexa/loginguard/internal/auth"
	"github.com/fortexa/loginguard/internal/models"
	pkghttp "github.com/fortexa/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// DeviceServiceInterface lists and revokes a user's trusted devices
type DeviceServiceInterface interface {
	List(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	Revoke(ctx context.Context, userID, deviceID string, now time.Time) error
}

// DeviceHandler lets users manage the devices that skip step-up checks
type DeviceHandler struct {
	service DeviceServiceInterface
	now     func() time.Time
}

func NewDeviceHandler(service DeviceServiceInterface) *DeviceHandler {
	return &DeviceHandler{service: service, now: time.Now}
}

// List handles GET /auth/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	devices, err := h.service.List(r.Context(), claims.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to list devices")
		return
	}

	now := h.now()
	resp := ListTrustedDevicesResponse{Devices: make([]TrustedDeviceDTO, 0, len(devices))}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, TrustedDeviceDTO{
			ID:           d.ID,
			DeviceName:   d.DeviceName,
			IPAddress:    d.IPAddress,
			TrustedUntil: d.TrustedUntil,
			LastUsedAt:   d.LastUsedAt,
			CreatedAt:    d.CreatedAt,
			Active:       d.IsTrusted(now),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// Revoke handles DELETE /auth/devices/{deviceID}
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	deviceID := chi.URLParam(r, "deviceID")
	if deviceID == "" {
		pkghttp.WriteBadRequest(w, "device id is required")
		return
	}

	if err := h.service.Revoke(r.Context(), claims.UserID, deviceID, h.now()); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Device not found")
			return
		}
		pkghttp.WriteInternalError(w, "Failed to revoke device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
