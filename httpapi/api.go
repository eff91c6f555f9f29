// Package httpapi is the REST boundary for the state-changing operations:
// booking, delivery acceptance and the escrow transitions. Everything that
// fans out in real time stays on the websocket; this surface returns the
// mutated row or a typed error envelope.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"github.com/MrJones267/aryv-coord/capacity"
	"github.com/MrJones267/aryv-coord/escrow"
	"github.com/MrJones267/aryv-coord/metrics"
	"github.com/MrJones267/aryv-coord/persistence"
	"github.com/MrJones267/aryv-coord/types"
)

// Authenticator resolves a bearer credential to a user id. Satisfied by
// *auth.Verifier.
type Authenticator interface {
	Authenticate(ctx context.Context, credential, providerName string) (string, error)
}

type API struct {
	verifier  Authenticator
	allocator *capacity.Allocator
	machine   *escrow.Machine
	store     persistence.Store
	log       hclog.Logger
	now       func() time.Time
}

func New(verifier Authenticator, allocator *capacity.Allocator, machine *escrow.Machine, store persistence.Store, logger hclog.Logger) *API {
	return &API{
		verifier:  verifier,
		allocator: allocator,
		machine:   machine,
		store:     store,
		log:       logger,
		now:       time.Now,
	}
}

// Routes registers the REST endpoints on the router.
func (a *API) Routes(router *mux.Router) {
	router.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/rides", a.authed(a.createRide)).Methods(http.MethodPost)
	router.HandleFunc("/rides/{id}/bookings", a.authed(a.createBooking)).Methods(http.MethodPost)
	router.HandleFunc("/bookings/{id}", a.authed(a.cancelBooking)).Methods(http.MethodDelete)

	router.HandleFunc("/deliveries", a.authed(a.createDelivery)).Methods(http.MethodPost)
	router.HandleFunc("/deliveries/{id}/accept", a.authed(a.acceptDelivery)).Methods(http.MethodPost)
	router.HandleFunc("/deliveries/{id}/cancel", a.authed(a.cancelAssignment)).Methods(http.MethodPost)

	router.HandleFunc("/escrows", a.authed(a.createEscrow)).Methods(http.MethodPost)
	router.HandleFunc("/escrows/{id}/fund", a.authed(a.escrowTransition(types.EscrowTransitionFund))).Methods(http.MethodPost)
	router.HandleFunc("/escrows/{id}/release", a.authed(a.escrowTransition(types.EscrowTransitionRelease))).Methods(http.MethodPost)
	router.HandleFunc("/escrows/{id}/refund", a.authed(a.escrowTransition(types.EscrowTransitionRefund))).Methods(http.MethodPost)
	router.HandleFunc("/escrows/{id}/dispute", a.authed(a.disputeEscrow)).Methods(http.MethodPost)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userId string)

// authed resolves the caller from the bearer credential. The provider is
// taken from the X-Auth-Provider header when more than one is configured.
func (a *API) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credential := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if credential == "" {
			writeError(w, types.ErrAuth)
			return
		}
		userId, err := a.verifier.Authenticate(r.Context(), credential, r.Header.Get("X-Auth-Provider"))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, userId)
	}
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRideRequest struct {
	TotalSeats  int       `json:"total_seats"`
	DepartureAt time.Time `json:"departure_at"`
}

func (a *API) createRide(w http.ResponseWriter, r *http.Request, userId string) {
	req := createRideRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed body")
		return
	}
	if req.TotalSeats < 1 {
		writeError(w, types.ErrInvalidAmount)
		return
	}
	ride := &types.Ride{
		ID:          uuid.NewString(),
		DriverID:    userId,
		TotalSeats:  req.TotalSeats,
		Status:      types.RideStatusOpen,
		DepartureAt: req.DepartureAt,
		CreatedAt:   a.now().UTC(),
	}
	if err := a.store.CreateRide(r.Context(), ride); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

type createBookingRequest struct {
	Seats int `json:"seats"`
}

func (a *API) createBooking(w http.ResponseWriter, r *http.Request, userId string) {
	req := createBookingRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed body")
		return
	}
	booking, err := a.allocator.Reserve(r.Context(), mux.Vars(r)["id"], userId, req.Seats)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (a *API) cancelBooking(w http.ResponseWriter, r *http.Request, userId string) {
	id := mux.Vars(r)["id"]
	existing, err := a.store.GetBooking(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing.PassengerID != userId {
		writeForbidden(w)
		return
	}
	booking, err := a.allocator.CancelBooking(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (a *API) createDelivery(w http.ResponseWriter, r *http.Request, userId string) {
	delivery := &types.Delivery{
		ID:        uuid.NewString(),
		SenderID:  userId,
		Status:    types.DeliveryStatusOpen,
		CreatedAt: a.now().UTC(),
		UpdatedAt: a.now().UTC(),
	}
	if err := a.store.CreateDelivery(r.Context(), delivery); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, delivery)
}

func (a *API) acceptDelivery(w http.ResponseWriter, r *http.Request, userId string) {
	delivery, err := a.allocator.AcceptDelivery(r.Context(), mux.Vars(r)["id"], userId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

// cancelAssignment hands an accepted delivery back: the courier is cleared
// and the delivery re-opens. Only the sender or the assigned courier may
// cancel.
func (a *API) cancelAssignment(w http.ResponseWriter, r *http.Request, userId string) {
	id := mux.Vars(r)["id"]
	existing, err := a.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if userId != existing.SenderID && (existing.AssignedCourierID == nil || userId != *existing.AssignedCourierID) {
		writeForbidden(w)
		return
	}
	if err := a.allocator.CancelAssignment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	delivery, err := a.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

type createEscrowRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	SubjectKind string `json:"subject_kind"`
	SubjectID   string `json:"subject_id"`
}

func (a *API) createEscrow(w http.ResponseWriter, r *http.Request, userId string) {
	req := createEscrowRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed body")
		return
	}
	esc, err := a.machine.Create(r.Context(), userId, req.Amount, req.Currency, types.RoomKind(req.SubjectKind), req.SubjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, esc)
}

func (a *API) escrowTransition(transition string) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, _ string) {
		id := mux.Vars(r)["id"]
		var (
			esc *types.Escrow
			err error
		)
		switch transition {
		case types.EscrowTransitionFund:
			esc, err = a.machine.Fund(r.Context(), id)
		case types.EscrowTransitionRelease:
			esc, err = a.machine.Release(r.Context(), id)
		case types.EscrowTransitionRefund:
			esc, err = a.machine.Refund(r.Context(), id)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, esc)
	}
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (a *API) disputeEscrow(w http.ResponseWriter, r *http.Request, _ string) {
	req := disputeRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed body")
		return
	}
	esc, err := a.machine.Dispute(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}
