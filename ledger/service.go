package ledger

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	resp "github.com/soilsync/vegbox/response"
)

// ServiceOptions describes the dependencies of the ledger Service
type ServiceOptions struct {
	LedgerManager *Manager
	Logger        *zap.Logger
}

// Service exposes the per-subscription payment trail to operators
type Service struct {
	ServiceOptions
}

// NewService returns the ledger Service
func NewService(option ServiceOptions) (*Service, error) {
	if option.LedgerManager == nil {
		return nil, fmt.Errorf("nil LedgerManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) listBySubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := chi.URLParam(r, "subscriptionId")

	entries, err := s.LedgerManager.ListBySubscription(ctx, subscriptionID, 100)
	if err != nil {
		s.Logger.Error("Unable to fetch ledger entries",
			zap.String("SubscriptionID", subscriptionID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	resp.WriteResponse(w, r, entries)
}

// Router returns the ledger routes
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/{subscriptionId}", s.listBySubscription)

	return r
}
