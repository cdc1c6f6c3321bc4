package portal

import (
	"encoding/json"
	"time"

	"github.com/giantswarm/portal-auth/records"
	"github.com/giantswarm/portal-auth/storage"
)

// ErrorResponse is the JSON body of every error response
type ErrorResponse struct {
	// Error is the stable error code
	Error string `json:"error"`

	// ErrorDescription is a user-safe message
	ErrorDescription string `json:"error_description,omitempty"`
}

// LoginRequest is the JSON body accepted by the login endpoint. Form posts use the
// same field names.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionResponse describes the caller's session. The session token itself travels
// only in the cookie.
type SessionResponse struct {
	UserID       *int64               `json:"user_id,omitempty"`
	Username     string               `json:"username"`
	DisplayName  string               `json:"display_name"`
	TenantID     *int64               `json:"tenant_id,omitempty"`
	Capabilities storage.Capabilities `json:"capabilities"`

	// CSRFToken must be echoed in the X-CSRF-Token header of action requests
	CSRFToken string `json:"csrf_token"`

	LoginAt   time.Time `json:"login_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResponse is returned by a successful login
type LoginResponse struct {
	SessionResponse

	// CredentialTier names the credential source that accepted the login
	CredentialTier string `json:"credential_tier"`
}

// RecordResponse is one decrypted record
type RecordResponse struct {
	ID        int64           `json:"id"`
	TenantID  int64           `json:"tenant_id"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// PayloadText carries payloads that are not JSON
	PayloadText string `json:"payload_text,omitempty"`
}

// RecordListResponse is returned by the record listing
type RecordListResponse struct {
	Records []RecordResponse `json:"records"`
}

// StatusUpdateRequest changes a record's workflow status
type StatusUpdateRequest struct {
	Status string `json:"status"`
}

// FileTokenResponse carries a freshly minted file token
type FileTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func newSessionResponse(s *storage.Session) SessionResponse {
	return SessionResponse{
		UserID:       s.UserID,
		Username:     s.Username,
		DisplayName:  s.DisplayName,
		TenantID:     s.TenantID,
		Capabilities: s.Capabilities,
		CSRFToken:    s.AntiForgeryToken,
		LoginAt:      s.LoginAt,
		ExpiresAt:    s.ExpiresAt,
	}
}

func newRecordResponse(d *records.Decrypted) RecordResponse {
	resp := RecordResponse{
		ID:        d.ID,
		TenantID:  d.TenantID,
		Status:    d.Status,
		CreatedAt: d.CreatedAt,
	}
	if json.Valid(d.Payload) {
		resp.Payload = json.RawMessage(d.Payload)
	} else {
		resp.PayloadText = string(d.Payload)
	}
	return resp
}
