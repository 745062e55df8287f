package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fortexa/loginguard/internal/auth"
	"github.com/fortexa/loginguard/internal/models"
)

// MFAService handles authenticator enrollment and removal
type MFAService struct {
	deviceRepo MFADeviceStore
	totpMgr    *auth.TOTPManager
	logger     *slog.Logger
	now        func() time.Time
}

// NewMFAService creates a new MFA service
func NewMFAService(deviceRepo MFADeviceStore, totpMgr *auth.TOTPManager, logger *slog.Logger) *MFAService {
	return &MFAService{
		deviceRepo: deviceRepo,
		totpMgr:    totpMgr,
		logger:     logger,
		now:        time.Now,
	}
}

// InitiateSetup creates an unverified authenticator and returns its secret and QR code
func (s *MFAService) InitiateSetup(ctx context.Context, userID, email, deviceName string) (*models.MFASetupResponse, error) {
	enrollment, err := s.totpMgr.Enroll(email)
	if err != nil {
		s.logger.Error("failed to generate TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	device := &models.MFADevice{
		UserID:              userID,
		DeviceName:          deviceName,
		TOTPSecretEncrypted: enrollment.EncryptedSecret,
		TOTPSecretNonce:     enrollment.Nonce,
	}
	if err := s.deviceRepo.Create(ctx, device); err != nil {
		s.logger.Error("failed to create MFA device", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("MFA setup initiated",
		slog.String("user_id", userID),
		slog.String("device_id", device.ID),
		slog.String("device_name", deviceName))

	return &models.MFASetupResponse{
		DeviceID: device.ID,
		Secret:   enrollment.Secret,
		QRCode:   enrollment.QRCodeDataURL,
	}, nil
}

// VerifySetup checks the first code from a new authenticator and enables it
func (s *MFAService) VerifySetup(ctx context.Context, userID, deviceID, code string) error {
	device, err := s.deviceRepo.GetForUser(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, models.ErrMFADeviceNotFound) || errors.Is(err, models.ErrNotFound) {
			return models.ErrMFADeviceNotFound
		}
		s.logger.Error("failed to load MFA device", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if device.IsVerified() {
		return models.ErrConflict
	}

	secret, err := s.totpMgr.DecryptSecret(device.TOTPSecretEncrypted, device.TOTPSecretNonce)
	if err != nil {
		s.logger.Error("failed to decrypt TOTP secret", slog.Any("error", err))
		return models.ErrInternalServer
	}

	now := s.now()
	valid, err := s.totpMgr.ValidateCode(secret, code, nil, now)
	if err != nil || !valid {
		s.logger.Warn("invalid TOTP code during setup", slog.String("user_id", userID))
		return models.ErrInvalidMFACode
	}

	if err := s.deviceRepo.MarkVerified(ctx, deviceID, now); err != nil {
		s.logger.Error("failed to mark device as verified", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("MFA device verified",
		slog.String("user_id", userID),
		slog.String("device_id", deviceID))
	return nil
}

// RemoveDevice deletes one of the user's authenticators
func (s *MFAService) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.deviceRepo.Delete(ctx, userID, deviceID); err != nil {
		if errors.Is(err, models.ErrMFADeviceNotFound) {
			return err
		}
		s.logger.Error("failed to delete MFA device", slog.Any("error", err))
		return models.ErrInternalServer
	}
	s.logger.Info("MFA device removed", slog.String("user_id", userID), slog.String("device_id", deviceID))
	return nil
}

// Enabled reports whether the user has a verified authenticator
func (s *MFAService) Enabled(ctx context.Context, userID string) (bool, error) {
	return s.deviceRepo.HasVerified(ctx, userID)
}
