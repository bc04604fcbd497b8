package api

import (
	"encoding/json"
	"net/http"

	"github.com/stridefusion/pdrengine/internal/collector"
)

// handleMockCollector is a reference implementation of the §6 heartbeat
// contract, for local integration testing of the reporter (C10) without a
// real attendance backend. It always accepts the post, reports the location
// valid, and never ends the session.
func handleMockCollector(w http.ResponseWriter, r *http.Request) {
	var req collector.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid heartbeat payload")
		return
	}

	resp := collector.HeartbeatResponse{
		Success:       true,
		LocationValid: true,
		SessionEnded:  false,
		StatusChanged: false,
	}
	writeJSON(w, http.StatusOK, resp)
}
