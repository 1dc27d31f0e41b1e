package customer

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zllovesuki/atelier/auth"
	"github.com/zllovesuki/atelier/errdefs"
	resp "github.com/zllovesuki/atelier/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	CustomerManager *Manager
	Logger          *zap.Logger
}

// Service is the customer profile API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the customer API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.CustomerManager == nil {
		return nil, fmt.Errorf("nil CustomerManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) getProfile(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	cust, err := s.CustomerManager.GetByID(r.Context(), claims.ID)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	if cust == nil {
		resp.WriteError(w, r, errdefs.NotFound("customer %s not found", claims.ID))
		return
	}
	resp.WriteResponse(w, r, cust)
}

type ProfileRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

func (s *Service) upsertProfile(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	cust, err := s.CustomerManager.EnsureProfile(r.Context(), claims.ID, claims.Email)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	if req.Name != "" {
		cust.Name = req.Name
	}
	if req.DisplayName != "" {
		cust.DisplayName = req.DisplayName
	}
	if err := s.CustomerManager.Save(r.Context(), cust); err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, cust)
}

// Provision makes sure every authenticated caller has a billing profile before reaching the routes
func (s *Service) Provision() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := auth.ClaimsFrom(r.Context())
			if claims == nil {
				resp.WriteError(w, r, resp.ErrUnauthorized())
				return
			}
			if _, err := s.CustomerManager.EnsureProfile(r.Context(), claims.ID, claims.Email); err != nil {
				s.Logger.Error("Unable to provision customer profile",
					zap.String("UserID", claims.ID),
					zap.Error(err),
				)
				resp.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type PreferencesRequest struct {
	Preferences map[string]bool `json:"preferences"`
}

func (s *Service) updatePreferences(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	var req PreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.CustomerManager.SetPreferences(r.Context(), claims.ID, req.Preferences); err != nil {
		s.Logger.Error("Unable to update notification preferences",
			zap.String("UserID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, struct{}{})
}

// Router will return the routes under customer API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/me", s.getProfile)
	r.Post("/me", s.upsertProfile)
	r.Put("/me/preferences", s.updatePreferences)

	return r
}
