package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"bonito/internal/domain"
	"bonito/internal/features"
	"bonito/internal/provider"
)

type connectProviderRequest struct {
	ProviderType string            `json:"provider_type"`
	Credentials  map[string]string `json:"credentials"`
	Region       string            `json:"region,omitempty"`
}

type connectProviderResponse struct {
	Provider   *domain.CloudProvider `json:"provider"`
	Validation *provider.Validation  `json:"validation"`
}

// handleConnectProvider validates credentials against the upstream, seals
// them, and stores the connection. A failed validation still persists the
// provider in error state so the dashboard can surface it.
func (s *Server) handleConnectProvider(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var body connectProviderRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.ProviderType == "" {
		s.writeError(w, r, domain.ErrValidation("provider_type is required", "provider_type"))
		return
	}
	if len(body.Credentials) == 0 {
		s.writeError(w, r, domain.ErrValidation("credentials are required", "credentials"))
		return
	}
	if body.Region != "" && body.Credentials["region"] == "" {
		body.Credentials["region"] = body.Region
	}

	org, err := s.store.GetOrganization(r.Context(), claims.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	existing, err := s.store.ListProviders(r.Context(), claims.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := features.RequireWithinLimit(org.Tier, features.QuotaProviders, int64(len(existing))); err != nil {
		s.writeError(w, r, err)
		return
	}

	adapter, err := provider.NewAdapter(body.ProviderType, body.Credentials)
	if err != nil {
		s.writeError(w, r, domain.ErrValidation(err.Error(), "provider_type"))
		return
	}

	validation, err := adapter.ValidateCredentials(r.Context())
	if err != nil {
		validation = &provider.Validation{Valid: false, Message: err.Error()}
	}

	ciphertext, err := s.vault.EncryptCredentials(body.Credentials)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := domain.ProviderActive
	if !validation.Valid {
		status = domain.ProviderError
	}

	p := &domain.CloudProvider{
		OrgID:                 claims.OrgID,
		ProviderType:          body.ProviderType,
		CredentialsCiphertext: ciphertext,
		Status:                status,
		Region:                body.Region,
	}
	if err := s.store.CreateProvider(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}

	if validation.Valid {
		s.syncCatalog(r.Context(), claims.OrgID, p, adapter)
	}

	s.writeData(w, r, http.StatusCreated, connectProviderResponse{
		Provider:   p,
		Validation: validation,
	})
}

// syncCatalog pulls the upstream model list and refreshes the catalog and
// deployment rows for a freshly connected provider. The connection already
// succeeded; a sync failure is logged, not surfaced.
func (s *Server) syncCatalog(ctx context.Context, orgID string, p *domain.CloudProvider, adapter provider.Adapter) {
	infos, err := adapter.ListModels(ctx)
	if err != nil {
		slog.Warn("model sync failed",
			"provider_type", p.ProviderType, "provider_id", p.ID, "error", err)
		return
	}

	for _, info := range infos {
		m := &domain.Model{
			ProviderID:         p.ID,
			ModelID:            info.ModelID,
			DisplayName:        info.DisplayName,
			Capabilities:       info.Capabilities,
			ContextWindow:      info.ContextWindow,
			InputPricePer1M:    info.InputPricePer1M,
			OutputPricePer1M:   info.OutputPricePer1M,
			StreamingSupported: info.StreamingSupported,
		}
		if err := s.store.UpsertModel(ctx, m); err != nil {
			slog.Warn("model upsert failed",
				"provider_id", p.ID, "model", info.ModelID, "error", err)
			continue
		}
		if err := s.store.UpsertDeployment(ctx, &domain.Deployment{
			OrgID:      orgID,
			ModelID:    info.ModelID,
			ProviderID: p.ID,
			Status:     "active",
		}); err != nil {
			slog.Warn("deployment upsert failed",
				"provider_id", p.ID, "model", info.ModelID, "error", err)
		}
	}
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	deployments, err := s.store.ListDeployments(r.Context(), claims.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, deployments)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	providers, err := s.store.ListProviders(r.Context(), claims.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, providers)
}
