package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-tuya/internal/audit"
	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
	"github.com/nerrad567/gray-logic-tuya/internal/device"
)

// fieldView is the JSON form of a specification field.
type fieldView struct {
	DP          int       `json:"dp,omitempty"`
	SuggestedDP int       `json:"suggested_dp,omitempty"`
	Code        string    `json:"code"`
	Kind        tuya.Kind `json:"kind"`
	Writable    bool      `json:"writable"`
	Description string    `json:"description,omitempty"`
}

type deviceDetail struct {
	tuya.DeviceInfo
	Readings map[string]any           `json:"readings"`
	Commands []tuya.CommandDescriptor `json:"commands"`
	Status   []fieldView              `json:"status,omitempty"`
	Pending  []fieldView              `json:"pending,omitempty"`
}

type executeRequest struct {
	Value any `json:"value"`
}

type resolveRequest struct {
	Code string `json:"code"`
}

func (s *Server) deviceFromRequest(w http.ResponseWriter, r *http.Request) (*tuya.Device, bool) {
	id := chi.URLParam(r, "id")
	d, ok := s.bridge.Device(id)
	if !ok {
		writeNotFound(w, "device not found")
		return nil, false
	}
	return d, true
}

// handleListDevices returns a summary of every managed device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.bridge.Devices()
	infos := make([]tuya.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, d.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": infos,
		"count":   len(infos),
	})
}

// handleGetDevice returns the device summary, latest readings, command
// table and the resolved and pending status fields.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}

	detail := deviceDetail{
		DeviceInfo: d.Info(),
		Readings:   s.bridge.Readings(d.ID()),
		Commands:   d.Commands(),
	}
	if detail.Readings == nil {
		detail.Readings = map[string]any{}
	}
	if snap := d.Snapshot(); snap != nil {
		for _, f := range snap.Status {
			v := toFieldView(f)
			if f.Resolved() {
				detail.Status = append(detail.Status, v)
			} else {
				detail.Pending = append(detail.Pending, v)
			}
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func toFieldView(f tuya.FieldSpec) fieldView {
	return fieldView{
		DP:          f.DP,
		SuggestedDP: f.SuggestedDP,
		Code:        f.Code,
		Kind:        f.Kind,
		Writable:    f.Writable,
		Description: f.Description,
	}
}

// handleGetReadings returns the latest published readings of a device.
func (s *Server) handleGetReadings(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}
	readings := s.bridge.Readings(d.ID())
	if readings == nil {
		readings = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": d.ID(),
		"readings":  readings,
	})
}

// handleListCommands returns the device's command table.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": d.ID(),
		"commands":  d.Commands(),
	})
}

// handleExecuteCommand runs a named command. An empty body runs the
// command without an argument.
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	var req executeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	if err := d.Execute(r.Context(), name, req.Value); err != nil {
		s.logger.Debug("command rejected", "device_id", d.ID(), "command", name, "error", err)
		writeBridgeError(w, err)
		return
	}

	s.auditLog(r, audit.ActionCommand, d.ID(), map[string]any{"command": name, "value": req.Value})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id": d.ID(),
		"command":   name,
		"status":    "sent",
	})
}

// handleResolveSlot binds a pending slot ("7" or "dp_07") to a code.
func (s *Server) handleResolveSlot(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}
	slot, err := parseSlot(chi.URLParam(r, "slot"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := d.Resolve(r.Context(), slot, req.Code); err != nil {
		writeBridgeError(w, err)
		return
	}

	s.auditLog(r, audit.ActionResolveSlot, d.ID(), map[string]any{"slot": slot, "code": req.Code})
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": d.ID(),
		"slot":      tuya.SlotAttribute(slot),
		"code":      req.Code,
		"commands":  d.Commands(),
	})
}

func parseSlot(s string) (int, error) {
	if slot, ok := tuya.ParseSlotAttribute(s); ok {
		return slot, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n, nil
	}
	return 0, fmt.Errorf("invalid slot %q", s)
}

// handleRefetch re-downloads the device specification.
func (s *Server) handleRefetch(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}
	if err := d.Refetch(r.Context()); err != nil {
		writeBridgeError(w, err)
		return
	}
	s.auditLog(r, audit.ActionRefetch, d.ID(), nil)
	writeJSON(w, http.StatusOK, d.Info())
}

// handleDeleteDevice removes a device created through the API. Devices
// from the configuration file cannot be removed.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.runtime == nil {
		writeError(w, http.StatusConflict, ErrCodeConflict, "runtime devices are not enabled")
		return
	}

	if _, err := s.runtime.Get(r.Context(), id); err != nil {
		if !errors.Is(err, device.ErrDeviceNotFound) {
			s.logger.Error("loading runtime device", "device_id", id, "error", err)
			writeInternalError(w, "failed to load device")
			return
		}
		if _, managed := s.bridge.Device(id); managed {
			writeError(w, http.StatusConflict, ErrCodeConflict, "configured devices cannot be removed")
			return
		}
		writeNotFound(w, "device not found")
		return
	}

	if err := s.bridge.RemoveDevice(id); err != nil && !errors.Is(err, tuya.ErrUnknownDevice) {
		writeBridgeError(w, err)
		return
	}
	if err := s.runtime.Delete(r.Context(), id); err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
		s.logger.Error("deleting runtime device", "device_id", id, "error", err)
		writeInternalError(w, "failed to delete device")
		return
	}

	s.logger.Info("runtime device deleted", "device_id", id)
	s.auditLog(r, audit.ActionDeleteDevice, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// createDevice persists cfg and starts it on the bridge. The row is
// removed again when the bridge rejects the device.
func (s *Server) createDevice(ctx context.Context, cfg tuya.DeviceConfig) (*tuya.Device, error) {
	if err := s.runtime.Create(ctx, cfg); err != nil {
		return nil, err
	}
	d, err := s.bridge.CreateDevice(ctx, cfg)
	if err != nil {
		if delErr := s.runtime.Delete(ctx, cfg.ID); delErr != nil {
			s.logger.Warn("rolling back runtime device", "device_id", cfg.ID, "error", delErr)
		}
		return nil, err
	}
	return d, nil
}
