package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sessionmint/sessionkernelxyz/device"
)

type deviceCommandResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// deviceGate handles the availability and rate-limit preamble shared by
// every device route. Returns false when a response was already written.
func (s *Server) deviceGate(w http.ResponseWriter, r *http.Request, scope string) bool {
	if s.deps.Device == nil || !s.deps.Device.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "Device integration not enabled or device token not configured")
		return false
	}
	if s.deps.Limiter != nil && !s.deps.Limiter.AllowMax(r.Context(), scope, clientIP(r), limitRead) {
		rateLimitedTotal.WithLabelValues(scope).Inc()
		writeJSON(w, http.StatusTooManyRequests, deviceCommandResponse{Error: "Rate limit exceeded"})
		return false
	}
	return true
}

// handleDeviceGet reports device connectivity.
func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	if !s.deviceGate(w, r, "device-get") {
		return
	}

	conn, err := s.deps.Device.Connection(r.Context())
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, conn)
}

type oscillateRequest struct {
	Speed     *int   `json:"speed"`
	MinY      *int   `json:"minY"`
	MaxY      *int   `json:"maxY"`
	TokenMint string `json:"tokenMint"`
}

// handleDevicePost sends an oscillation command.
func (s *Server) handleDevicePost(w http.ResponseWriter, r *http.Request) {
	if !s.deviceGate(w, r, "device-post") {
		return
	}

	var req oscillateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, deviceCommandResponse{Error: "Invalid request body"})
		return
	}

	params, err := device.NormalizeOscillation(req.Speed, req.MinY, req.MaxY)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, deviceCommandResponse{Error: err.Error()})
		return
	}
	if mint := strings.TrimSpace(req.TokenMint); mint != "" && !ValidAddress(mint) {
		writeJSON(w, http.StatusBadRequest, deviceCommandResponse{Error: "Invalid token mint address"})
		return
	}

	result, err := s.deps.Device.Oscillate(r.Context(), params)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceCommandResponse{Success: true, Result: result})
}

type deviceSessionRequest struct {
	Action    string `json:"action"`
	TokenMint string `json:"tokenMint"`
}

// handleDevicePut starts or stops a synced session.
func (s *Server) handleDevicePut(w http.ResponseWriter, r *http.Request) {
	if !s.deviceGate(w, r, "device-put") {
		return
	}

	var req deviceSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, deviceCommandResponse{Error: "Invalid request body"})
		return
	}

	switch req.Action {
	case "start":
		mint := strings.TrimSpace(req.TokenMint)
		if !ValidAddress(mint) {
			writeJSON(w, http.StatusBadRequest, deviceCommandResponse{Error: "Valid token mint is required for start action"})
			return
		}
		result, err := s.deps.Device.StartSync(r.Context(), mint)
		if err != nil {
			writeDeviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deviceCommandResponse{Success: true, Result: result})
	case "stop":
		result, err := s.deps.Device.StopOscillation(r.Context())
		if err != nil {
			writeDeviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deviceCommandResponse{Success: true, Result: result})
	default:
		writeJSON(w, http.StatusBadRequest, deviceCommandResponse{Error: "Invalid action. Use: start or stop"})
	}
}

// writeDeviceError maps device client failures. Everything downstream
// of us is a gateway failure except the integration being off.
func writeDeviceError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, device.ErrDisabled) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, deviceCommandResponse{Error: err.Error()})
}
