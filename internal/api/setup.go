package api

import (
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-tuya/internal/audit"
	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
	"github.com/nerrad567/gray-logic-tuya/internal/device"
)

// handleScan lists the devices of the cloud account.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	devices, err := s.bridge.Scan(r.Context())
	if err != nil {
		s.logger.Warn("device scan failed", "error", err)
		writeBridgeError(w, err)
		return
	}
	if devices == nil {
		devices = []tuya.DeviceSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleCreateDevice persists and starts a new device.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil {
		writeError(w, http.StatusConflict, ErrCodeConflict, "runtime devices are not enabled")
		return
	}

	var cfg tuya.DeviceConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if cfg.Version == "" {
		cfg.Version = tuya.DefaultProtocolVersion
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if _, exists := s.bridge.Device(cfg.ID); exists {
		writeError(w, http.StatusConflict, ErrCodeConflict, "device already exists")
		return
	}

	d, err := s.createDevice(r.Context(), cfg)
	switch {
	case errors.Is(err, device.ErrDeviceExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device already exists")
		return
	case errors.Is(err, device.ErrInvalidDevice):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	case err != nil:
		writeBridgeError(w, err)
		return
	}

	claims := claimsFromContext(r.Context())
	by := ""
	if claims != nil {
		by = claims.Subject
	}
	s.logger.Info("device created via API", "device_id", cfg.ID, "product_id", cfg.ProductID, "by", by)
	s.auditLog(r, audit.ActionCreateDevice, cfg.ID, map[string]any{
		"product_id": cfg.ProductID,
		"address":    cfg.Address,
	})
	writeJSON(w, http.StatusCreated, d.Info())
}
