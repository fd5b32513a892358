package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/federato/identity-core/internal/oauth"
	"github.com/federato/identity-core/internal/trust"
)

type trustEvaluateRequest struct {
	Action   string               `json:"action"`
	Resource string               `json:"resource"`
	Context  trust.RequestContext `json:"context"`
}

func (s *Server) handleTrustEvaluate(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	var req trustEvaluateRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "action is required")
		return
	}

	// The network signals come from the transport, not the body. Clients
	// cannot claim a friendlier address or an older session than the one
	// their token is bound to.
	req.Context.IPAddress = clientIP(r)
	if req.Context.UserAgent == "" {
		req.Context.UserAgent = r.UserAgent()
	}
	req.Context.SessionID = p.SessionID
	if sess := s.session(r, p.SessionID); sess != nil {
		req.Context.SessionCreatedAt = sess.CreatedAt
	}

	roles, err := s.authz.RolesFor(r.Context(), p.DID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "role lookup failed")
		return
	}

	dec, err := s.trust.Evaluate(r.Context(), trust.Request{
		Subject: trust.Subject{
			DID:     p.DID,
			Service: p.Service,
			Roles:   roles,
		},
		Action:   req.Action,
		Resource: req.Resource,
		Context:  req.Context,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleRecordDevice(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	var posture trust.DevicePosture
	if !readJSON(w, r, &posture) {
		return
	}
	if posture.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "device_id is required")
		return
	}
	if err := s.signals.RecordDevicePosture(r.Context(), p.DID, posture); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "device record failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKnownDevices(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	devices, err := s.signals.KnownDevices(r.Context(), p.DID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "device lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	var ev trust.SecurityEvent
	if !readJSON(w, r, &ev) {
		return
	}
	if ev.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "type is required")
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	ev.IPAddress = clientIP(r)

	if err := s.signals.RecordSecurityEvent(r.Context(), p.DID, ev); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "event record failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrustAudit(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	n := 20
	if q := r.URL.Query().Get("n"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 {
			n = v
		}
	}

	records, err := s.trustLog.Recent(r.Context(), did, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "audit lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"did": did, "records": records})
}

type ipRequest struct {
	IP string `json:"ip"`
}

func (s *Server) handleTrustIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "ip is required")
		return
	}
	if err := s.signals.TrustIP(r.Context(), req.IP); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "ip update failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlagIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "ip is required")
		return
	}
	if err := s.signals.FlagIP(r.Context(), req.IP); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "ip update failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// session loads the caller's session record, or nil when absent.
func (s *Server) session(r *http.Request, sessionID string) *oauth.Session {
	if sessionID == "" {
		return nil
	}
	raw, err := s.store.Get(r.Context(), "session:"+sessionID)
	if err != nil {
		return nil
	}
	var sess oauth.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil
	}
	return &sess
}
