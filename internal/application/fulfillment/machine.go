package fulfillment

import (
	"errors"
	"fmt"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/order"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
)

var ErrInvalidTransition = errors.New("fulfillment: invalid state transition")

type State string

const (
	StateStart                 State = "Start"
	StateParallelBranches      State = "ParallelBranches"
	StateInventoryAdjustFailed State = "InventoryAdjustFailed"
	StateEnd                   State = "End"
)

type Trigger string

const (
	TriggerBegin             Trigger = "Begin"
	TriggerDuplicate         Trigger = "Duplicate"
	TriggerBranchesJoined    Trigger = "BranchesJoined"
	TriggerInventoryRejected Trigger = "InventoryRejected"
	TriggerFinish            Trigger = "Finish"
)

var transitions = map[State]map[Trigger]State{
	StateStart: {
		TriggerBegin:     StateParallelBranches,
		TriggerDuplicate: StateEnd,
	},
	StateParallelBranches: {
		TriggerBranchesJoined:    StateEnd,
		TriggerInventoryRejected: StateInventoryAdjustFailed,
	},
	StateInventoryAdjustFailed: {
		TriggerFinish: StateEnd,
	},
}

// Transition returns the state reached from s on t.
func Transition(s State, t Trigger) (State, error) {
	next, ok := transitions[s][t]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, s)
	}
	return next, nil
}

func (s State) Terminal() bool { return s == StateEnd }

type BranchStatus string

const (
	BranchPending   BranchStatus = "pending"
	BranchSucceeded BranchStatus = "succeeded"
	BranchFailed    BranchStatus = "failed"
	BranchSkipped   BranchStatus = "skipped"
)

// BranchResult is the terminal result of one parallel branch.
type BranchResult struct {
	Status    BranchStatus
	Err       error
	Retryable bool
}

type Outcome string

const (
	OutcomeSucceeded         Outcome = "succeeded"
	OutcomeInventoryRejected Outcome = "inventory_rejected"
	OutcomeDuplicate         Outcome = "duplicate"
)

// Execution is one workflow instance, identified by the order key.
type Execution struct {
	Key          store.Key
	Order        *order.Order
	Payload      store.Record
	InventoryKey store.Key
	State        State
	History      []State
	Inventory    BranchResult
	Payment      BranchResult
	Remaining    int64
	MessageID    string
	Outcome      Outcome
}

func newExecution(key store.Key, o *order.Order, payload store.Record, inventoryKey store.Key) *Execution {
	return &Execution{
		Key:          key,
		Order:        o,
		Payload:      payload,
		InventoryKey: inventoryKey,
		State:        StateStart,
		History:      []State{StateStart},
		Inventory:    BranchResult{Status: BranchPending},
		Payment:      BranchResult{Status: BranchPending},
	}
}

func (e *Execution) fire(t Trigger) error {
	next, err := Transition(e.State, t)
	if err != nil {
		return err
	}
	e.State = next
	e.History = append(e.History, next)
	return nil
}
