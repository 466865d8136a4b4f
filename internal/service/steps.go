package service

import (
	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// Step names one stage of the new-signal sequence.
type Step string

const (
	StepSetLeverage     Step = "set_leverage"
	StepSetMarginType   Step = "set_margin_type"
	StepReadBalance     Step = "read_balance"
	StepPlaceEntryOrder Step = "place_entry_order"
	StepRecordPosition  Step = "record_position"
	StepSetStopLoss     Step = "set_stop_loss"
)

// Compensation records what was done to undo exchange side effects after a
// failed step.
type Compensation string

const (
	CompensationNone      Compensation = ""
	CompensationNotNeeded Compensation = "none_required"
	CompensationCancelled Compensation = "order_cancelled"
	CompensationFailed    Compensation = "compensation_failed"
)

// StepResult is the outcome of one step. Err is nil on success.
type StepResult struct {
	Step         Step
	Err          error
	Compensation Compensation
	// CompensationErr is set when Compensation is CompensationFailed.
	CompensationErr error
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.Err == nil }

// NewSignalResult is the outcome of HandleNewSignal.
type NewSignalResult struct {
	SignalID   string
	PositionID string
	OrderID    string
	// ExchangeOrderID is the id the exchange assigned to the entry order.
	ExchangeOrderID string
	Status          domain.SignalStatus
	Steps           []StepResult
	DryRun          bool
}

// FailedStep returns the first failed step, if any.
func (r NewSignalResult) FailedStep() (StepResult, bool) {
	for _, s := range r.Steps {
		if !s.OK() {
			return s, true
		}
	}
	return StepResult{}, false
}

func (r *NewSignalResult) record(s StepResult) StepResult {
	r.Steps = append(r.Steps, s)
	return s
}

// UpdateResult is the outcome of HandleUpdate.
type UpdateResult struct {
	SignalID   string
	UpdateID   string
	Kind       domain.UpdateKind
	PositionID string
	// OrderID is set when the handler placed a closing order.
	OrderID string
	// Applied is false when the handler had nothing to do or the exchange
	// call failed.
	Applied bool
	// Err is the swallowed exchange or persistence failure, if any.
	Err error
}
