package order

import "errors"

var ErrInvalidStateTransition = errors.New("order: invalid state transition")

// OrderState implements the state pattern for the payment outcome of an order.
type OrderState interface {
	Status() Status
	OnPaymentSucceeded(o *Order) (OrderState, error)
	OnPaymentFailed(o *Order, reason string) (OrderState, error)
}

func stateFor(s Status) (OrderState, error) {
	switch s {
	case StatusPending, "":
		return pendingState{}, nil
	case StatusPaid:
		return paidState{}, nil
	case StatusFailed:
		return failedState{}, nil
	default:
		return nil, ErrInvalidStateTransition
	}
}

type pendingState struct{}

func (pendingState) Status() Status { return StatusPending }

func (pendingState) OnPaymentSucceeded(o *Order) (OrderState, error) {
	o.FailureReason = ""
	return paidState{}, nil
}

func (pendingState) OnPaymentFailed(o *Order, reason string) (OrderState, error) {
	o.FailureReason = reason
	return failedState{}, nil
}

type paidState struct{}

func (paidState) Status() Status { return StatusPaid }

func (paidState) OnPaymentSucceeded(*Order) (OrderState, error) {
	return paidState{}, nil
}

func (paidState) OnPaymentFailed(*Order, string) (OrderState, error) {
	return nil, ErrInvalidStateTransition
}

type failedState struct{}

func (failedState) Status() Status { return StatusFailed }

// A late success (e.g. a dead-lettered message replayed by an operator) still settles the order.
func (failedState) OnPaymentSucceeded(o *Order) (OrderState, error) {
	o.FailureReason = ""
	return paidState{}, nil
}

func (failedState) OnPaymentFailed(o *Order, reason string) (OrderState, error) {
	o.FailureReason = reason
	return failedState{}, nil
}

// MarkPaid moves the order to PAID.
func (o *Order) MarkPaid() error {
	st, err := stateFor(o.Status)
	if err != nil {
		return err
	}
	next, err := st.OnPaymentSucceeded(o)
	if err != nil {
		return err
	}
	o.Status = next.Status()
	return nil
}

// MarkFailed moves the order to FAILED with reason.
func (o *Order) MarkFailed(reason string) error {
	st, err := stateFor(o.Status)
	if err != nil {
		return err
	}
	next, err := st.OnPaymentFailed(o, reason)
	if err != nil {
		return err
	}
	o.Status = next.Status()
	return nil
}
