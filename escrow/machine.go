// Package escrow drives a held payment through
// created → funded → {released | refunded | disputed}. Funding money
// movement is delegated to the external payment processor; the funded
// state is only committed after the processor confirms. released and
// refunded are terminal.
package escrow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/MrJones267/aryv-coord/audit"
	"github.com/MrJones267/aryv-coord/metrics"
	"github.com/MrJones267/aryv-coord/persistence"
	"github.com/MrJones267/aryv-coord/rooms"
	"github.com/MrJones267/aryv-coord/types"
)

// PaymentProcessor is the external collaborator that actually captures the
// payer's funds. A failure leaves the escrow in created; the caller may
// retry.
type PaymentProcessor interface {
	Hold(ctx context.Context, escrow *types.Escrow) error
}

// Broadcaster is the slice of the room manager the machine needs.
type Broadcaster interface {
	Broadcast(roomId types.RoomID, event rooms.Event)
}

// transitions lists, per transition, the only state it is defined from and
// the state it commits. Everything else is rejected by name.
var transitions = map[string]struct{ from, to types.EscrowStatus }{
	types.EscrowTransitionFund:    {types.EscrowStatusCreated, types.EscrowStatusFunded},
	types.EscrowTransitionRelease: {types.EscrowStatusFunded, types.EscrowStatusReleased},
	types.EscrowTransitionRefund:  {types.EscrowStatusFunded, types.EscrowStatusRefunded},
	types.EscrowTransitionDispute: {types.EscrowStatusFunded, types.EscrowStatusDisputed},
}

type Machine struct {
	store     persistence.Store
	processor PaymentProcessor
	rooms     Broadcaster
	sink      audit.Sink
	log       hclog.Logger
	grace     time.Duration
	now       func() time.Time
}

func NewMachine(store persistence.Store, processor PaymentProcessor, broadcaster Broadcaster, sink audit.Sink, grace time.Duration, logger hclog.Logger) *Machine {
	return &Machine{
		store:     store,
		processor: processor,
		rooms:     broadcaster,
		sink:      sink,
		log:       logger,
		grace:     grace,
		now:       time.Now,
	}
}

func (m *Machine) Create(ctx context.Context, payerId string, amount int64, currency string, subjectKind types.RoomKind, subjectId string) (*types.Escrow, error) {
	if amount <= 0 {
		return nil, types.ErrInvalidAmount
	}
	escrow := &types.Escrow{
		ID:          uuid.NewString(),
		PayerID:     payerId,
		Amount:      amount,
		Currency:    currency,
		Status:      types.EscrowStatusCreated,
		SubjectKind: subjectKind,
		SubjectID:   subjectId,
		CreatedAt:   m.now().UTC(),
		UpdatedAt:   m.now().UTC(),
	}
	if err := m.store.CreateEscrow(ctx, escrow); err != nil {
		return nil, err
	}
	m.publish(ctx, escrow, "escrow.created")
	return escrow, nil
}

// Fund moves created → funded. The processor call happens before the
// commit and outside any lock; if the processor fails the escrow stays
// created and the error is retryable.
func (m *Machine) Fund(ctx context.Context, escrowId string) (*types.Escrow, error) {
	escrow, err := m.store.GetEscrow(ctx, escrowId)
	if err != nil {
		return nil, err
	}
	if escrow.Status != types.EscrowStatusCreated {
		metrics.EscrowTransitionsTotal.WithLabelValues(types.EscrowTransitionFund, metrics.OutcomeRejected).Inc()
		return nil, &types.InvalidTransitionError{Current: string(escrow.Status), Transition: types.EscrowTransitionFund}
	}
	if err := m.processor.Hold(ctx, escrow); err != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues(types.EscrowTransitionFund, metrics.OutcomeError).Inc()
		return nil, err
	}
	return m.commit(ctx, escrowId, types.EscrowTransitionFund, "")
}

func (m *Machine) Release(ctx context.Context, escrowId string) (*types.Escrow, error) {
	return m.commit(ctx, escrowId, types.EscrowTransitionRelease, "")
}

func (m *Machine) Refund(ctx context.Context, escrowId string) (*types.Escrow, error) {
	return m.commit(ctx, escrowId, types.EscrowTransitionRefund, "")
}

func (m *Machine) Dispute(ctx context.Context, escrowId, reason string) (*types.Escrow, error) {
	return m.commit(ctx, escrowId, types.EscrowTransitionDispute, reason)
}

// ResolveDispute records the terminal outcome of external arbitration.
func (m *Machine) ResolveDispute(ctx context.Context, escrowId string, outcome types.EscrowStatus) (*types.Escrow, error) {
	if outcome != types.EscrowStatusReleased && outcome != types.EscrowStatusRefunded {
		return nil, &types.InvalidTransitionError{Current: string(types.EscrowStatusDisputed), Transition: string(outcome)}
	}
	moved, err := m.store.TransitionEscrow(ctx, escrowId, types.EscrowStatusDisputed, outcome, "")
	if err != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues(types.EscrowTransitionResolve, metrics.OutcomeError).Inc()
		return nil, err
	}
	escrow, getErr := m.store.GetEscrow(ctx, escrowId)
	if getErr != nil {
		return nil, getErr
	}
	if !moved {
		metrics.EscrowTransitionsTotal.WithLabelValues(types.EscrowTransitionResolve, metrics.OutcomeRejected).Inc()
		return nil, &types.InvalidTransitionError{Current: string(escrow.Status), Transition: types.EscrowTransitionResolve}
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(types.EscrowTransitionResolve, metrics.OutcomeOK).Inc()
	m.publish(ctx, escrow, "escrow.resolved")
	return escrow, nil
}

// CheckAutoRelease reports whether the escrow has sat funded for at least
// the grace period with no dispute. A pure query: the release itself still
// requires an explicit Release call.
func (m *Machine) CheckAutoRelease(ctx context.Context, escrowId string) (bool, error) {
	escrow, err := m.store.GetEscrow(ctx, escrowId)
	if err != nil {
		return false, err
	}
	if escrow.Status != types.EscrowStatusFunded {
		return false, nil
	}
	return !m.now().Before(escrow.UpdatedAt.Add(m.grace)), nil
}

// commit performs the conditional store update for the named transition.
// A lost race or a wrong starting state both come back as
// InvalidTransitionError naming the state actually found.
func (m *Machine) commit(ctx context.Context, escrowId, transition, disputeReason string) (*types.Escrow, error) {
	t, ok := transitions[transition]
	if !ok {
		return nil, &types.InvalidTransitionError{Current: "", Transition: transition}
	}
	moved, err := m.store.TransitionEscrow(ctx, escrowId, t.from, t.to, disputeReason)
	if err != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues(transition, metrics.OutcomeError).Inc()
		return nil, err
	}
	escrow, getErr := m.store.GetEscrow(ctx, escrowId)
	if getErr != nil {
		return nil, getErr
	}
	if !moved {
		metrics.EscrowTransitionsTotal.WithLabelValues(transition, metrics.OutcomeRejected).Inc()
		return nil, &types.InvalidTransitionError{Current: string(escrow.Status), Transition: transition}
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(transition, metrics.OutcomeOK).Inc()
	m.publish(ctx, escrow, "escrow."+transition)
	return escrow, nil
}

func (m *Machine) publish(ctx context.Context, escrow *types.Escrow, routingKey string) {
	if escrow.SubjectKind != "" && escrow.SubjectID != "" {
		roomId := types.RoomID{Kind: escrow.SubjectKind, EntityID: escrow.SubjectID}
		m.rooms.Broadcast(roomId, rooms.Event{
			Name:         types.EventEscrowUpdated,
			Payload:      escrow,
			SourceUserId: escrow.PayerID,
		})
	}
	event := &types.AuditEvent{
		RoutingKey: routingKey,
		UserID:     escrow.PayerID,
		Body: map[string]interface{}{
			"escrow_id": escrow.ID,
			"status":    string(escrow.Status),
			"amount":    escrow.Amount,
			"currency":  escrow.Currency,
		},
		CreatedAt: m.now().UTC(),
	}
	if err := m.sink.Publish(ctx, event); err != nil {
		m.log.Error("could not publish audit event", "routing_key", routingKey, "error", err)
	}
}
