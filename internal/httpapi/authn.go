package httpapi

import (
	"errors"
	"net/http"

	"bonito/internal/auth"
	"bonito/internal/domain"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	*auth.TokenPair
	User *domain.User `json:"user"`
}

// handleLogin verifies a password and issues a session. A wrong password and
// an unknown email return the same error so accounts cannot be enumerated.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Email == "" || body.Password == "" {
		s.writeError(w, r, domain.ErrValidation("email and password are required", ""))
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), body.Email)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			s.writeError(w, r, domain.ErrInvalidToken("invalid email or password"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	if !auth.CheckPassword(user.HashedPassword, body.Password) {
		s.writeError(w, r, domain.ErrInvalidToken("invalid email or password"))
		return
	}

	pair, err := s.tokens.Issue(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, loginResponse{TokenPair: pair, User: user})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.RefreshToken == "" {
		s.writeError(w, r, domain.ErrValidation("refresh_token is required", "refresh_token"))
		return
	}

	pair, _, err := s.tokens.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if err := s.tokens.Revoke(r.Context(), claims.Subject); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}
