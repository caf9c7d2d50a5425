package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type RouterDeps struct {
	ServiceName string
	Submitter   RSVPSubmitter
	Roster      RosterReader
	Tokens      TokenVerifier
	Logger      *zap.Logger

	// AppCheck is nil when app attestation is not enforced.
	AppCheck AppCheckVerifier
}

// NewRouter wires the public routes. CORS and request logging wrap the
// returned router in main.
func NewRouter(d RouterDeps) *mux.Router {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := mux.NewRouter()
	r.NotFoundHandler = NotFoundHandler()
	r.MethodNotAllowedHandler = MethodNotAllowedHandler()
	r.Handle("/health", HealthHandler(d.ServiceName)).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(Authenticate(d.Tokens, logger))
	api.Handle("/rsvps", RequireAppCheck(d.AppCheck)(HandleSubmitRSVP(d.Submitter, logger))).Methods(http.MethodPost)
	api.Handle("/rsvps/query", HandleQueryRSVPs(d.Roster, logger)).Methods(http.MethodPost)
	api.Handle("/events/{eventId}/rsvps", HandleGetRSVPs(d.Roster, logger)).Methods(http.MethodGet)
	return r
}
