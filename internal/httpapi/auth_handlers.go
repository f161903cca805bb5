package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"cytolab.org/internal/audit"
	"cytolab.org/internal/auth"
)

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FullName  string `json:"full_name"`
	ContactNo string `json:"contact_no"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	auth.TokenPair
	User *auth.Identity `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type profileRequest struct {
	FullName  *string `json:"full_name"`
	ContactNo *string `json:"contact_no"`
}

type assignHospitalRequest struct {
	HospitalID      string `json:"hospital_id"`
	IsHospitalAdmin bool   `json:"is_hospital_admin"`
}

var accepted = map[string]string{"status": "accepted"}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.auth.Register(r.Context(), auth.RegisterInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FullName:  req.FullName,
		ContactNo: req.ContactNo,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.registered", map[string]any{"user_id": id.ID})
	writeJSON(w, http.StatusCreated, id)
}

func (a *API) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.auth.VerifyEmail(r.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.verified", map[string]any{"user_id": id.ID})
	writeJSON(w, http.StatusOK, id)
}

func (a *API) resendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.ResendVerification(r.Context(), req.Email); err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	login := req.Username
	if strings.TrimSpace(login) == "" {
		login = req.Email
	}
	pair, id, err := a.auth.Login(r.Context(), login, req.Password)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{"user_id": id.ID})
	writeJSON(w, http.StatusOK, loginResponse{TokenPair: pair, User: id})
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.auth.Refresh(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// requestPasswordReset always answers 202 so the response does not reveal
// whether the address is registered.
func (a *API) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.RequestPasswordReset(r.Context(), req.Email); err != nil {
		a.log.Warn().Err(err).Msg("password reset request")
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func (a *API) confirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.ResetPassword(r.Context(), strings.TrimSpace(req.Token), req.NewPassword); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password_reset", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) profile(w http.ResponseWriter, r *http.Request) {
	id, err := a.auth.Profile(r.Context(), callerClaims(r).Subject)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (a *API) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.auth.UpdateProfile(r.Context(), callerClaims(r).Subject, auth.ProfileUpdate{
		FullName:  req.FullName,
		ContactNo: req.ContactNo,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.ChangePassword(r.Context(), callerClaims(r).Subject, req.CurrentPassword, req.NewPassword); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password_changed", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) assignHospital(w http.ResponseWriter, r *http.Request) {
	var req assignHospitalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	target := chi.URLParam(r, "userID")
	id, err := a.auth.AssignTenant(r.Context(), callerClaims(r), target, req.HospitalID, req.IsHospitalAdmin)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.tenant_assigned", map[string]any{
		"target_id":         id.ID,
		"hospital_id":       id.TenantID,
		"is_hospital_admin": id.IsTenantAdmin,
	})
	writeJSON(w, http.StatusOK, id)
}
