package earnings

import (
	"fmt"
	"net/http"

	"github.com/zllovesuki/atelier/auth"
	resp "github.com/zllovesuki/atelier/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

type ServiceOptions struct {
	EarningsManager *Manager
	Logger          *zap.Logger
}

// Service exposes the earnings of the signed-in artist
type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.EarningsManager == nil {
		return nil, fmt.Errorf("nil EarningsManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) summary(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())

	acct, err := s.EarningsManager.GetAccount(r.Context(), claims.ID)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	txns, err := s.EarningsManager.ListTransactions(r.Context(), claims.ID)
	if err != nil {
		resp.WriteError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, map[string]interface{}{
		"account":      acct,
		"transactions": txns,
	})
}

// Router will return the routes under earnings API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.summary)

	return r
}
