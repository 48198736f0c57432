package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bonito/internal/domain"
	"bonito/internal/features"
	"bonito/internal/routing"
)

// requireRoutingFeature gates custom routing policies behind the tier
// matrix.
func (s *Server) requireRoutingFeature(r *http.Request) error {
	claims := claimsFrom(r.Context())
	org, err := s.store.GetOrganization(r.Context(), claims.OrgID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return domain.ErrInvalidToken("organization no longer exists")
		}
		return err
	}
	return features.RequireFeature(org.Tier, features.FeatureRouting)
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRoutingFeature(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	claims := claimsFrom(r.Context())

	var p domain.RoutingPolicy
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.OrgID = claims.OrgID

	if err := routing.ValidatePolicy(&p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.CreatePolicy(r.Context(), &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, &p)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	policies, err := s.store.ListPolicies(r.Context(), claims.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, policies)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	p, err := s.store.GetPolicy(r.Context(), claims.OrgID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			s.writeError(w, r, domain.ErrNotFound("routing policy"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.requireRoutingFeature(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	claims := claimsFrom(r.Context())

	var p domain.RoutingPolicy
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.OrgID = claims.OrgID
	p.ID = chi.URLParam(r, "id")

	if err := routing.ValidatePolicy(&p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.UpdatePolicy(r.Context(), &p); err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			s.writeError(w, r, domain.ErrNotFound("routing policy"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, &p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.store.DeletePolicy(r.Context(), claims.OrgID, id); err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			s.writeError(w, r, domain.ErrNotFound("routing policy"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
