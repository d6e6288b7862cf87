package domain

import "fmt"

// transitionTable lists the legal moves for each status field. Every writer consults it through
// CanTransition; no call site checks statuses inline.
var transitionTable = map[StatusField]map[string][]string{
	FieldStatus: {
		string(OrderStatusPending):    {string(OrderStatusProcessing), string(OrderStatusCancelled)},
		string(OrderStatusProcessing): {string(OrderStatusShipped), string(OrderStatusCancelled)},
		string(OrderStatusShipped):    {string(OrderStatusDelivered)},
		string(OrderStatusDelivered):  {},
		string(OrderStatusCancelled):  {},
	},
	FieldPaymentStatus: {
		string(PaymentStatusPending):  {string(PaymentStatusPaid), string(PaymentStatusFailed)},
		string(PaymentStatusPaid):     {string(PaymentStatusRefunded), string(PaymentStatusDisputed)},
		string(PaymentStatusDisputed): {string(PaymentStatusWon), string(PaymentStatusLost), string(PaymentStatusRefunded)},
		string(PaymentStatusWon):      {string(PaymentStatusDisputed)},
		string(PaymentStatusLost):     {string(PaymentStatusDisputed)},
		string(PaymentStatusFailed):   {},
		string(PaymentStatusRefunded): {},
	},
	FieldFulfillmentStatus: {
		string(FulfillmentStatusUnfulfilled):        {string(FulfillmentStatusPartiallyFulfilled), string(FulfillmentStatusFulfilled)},
		string(FulfillmentStatusPartiallyFulfilled): {string(FulfillmentStatusFulfilled)},
		string(FulfillmentStatusFulfilled):          {},
	},
}

// IsValidField reports whether field names one of the order status fields.
func IsValidField(field StatusField) bool {
	_, ok := transitionTable[field]
	return ok
}

// IsKnownValue reports whether value is a member of the field's enumeration.
func IsKnownValue(field StatusField, value string) bool {
	states, ok := transitionTable[field]
	if !ok {
		return false
	}
	_, ok = states[value]
	return ok
}

// IsProcessorOwned reports whether only the payment processor may move field to value. Payment
// outcomes and dispute verdicts arrive as processor events and are never set by an operator.
func IsProcessorOwned(field StatusField, value string) bool {
	return field == FieldPaymentStatus && value != string(PaymentStatusPending)
}

// CanTransition reports whether moving field from one value to another is legal.
func CanTransition(field StatusField, from, to string) bool {
	states, ok := transitionTable[field]
	if !ok {
		return false
	}
	for _, candidate := range states[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the legal targets from the given value.
func AllowedTransitions(field StatusField, from string) []string {
	states, ok := transitionTable[field]
	if !ok {
		return nil
	}
	next := states[from]
	out := make([]string, len(next))
	copy(out, next)
	return out
}

// TransitionError explains why a requested transition was refused.
type TransitionError struct {
	Field  StatusField
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s -> %s: %s", e.Field, e.From, e.To, e.Reason)
}

// CheckTransition validates moving field to value on order: the move must be in the transition
// table, entry guards must hold, and the resulting order must be jointly coherent.
func CheckTransition(order Order, field StatusField, to string) error {
	from, ok := order.StatusValue(field)
	if !ok {
		return &TransitionError{Field: field, To: to, Reason: "unknown field"}
	}
	if !IsKnownValue(field, to) {
		return &TransitionError{Field: field, From: from, To: to, Reason: "unknown value"}
	}
	if !CanTransition(field, from, to) {
		return &TransitionError{Field: field, From: from, To: to, Reason: "not allowed from current state"}
	}
	if reason := entryGuard(order, field, to); reason != "" {
		return &TransitionError{Field: field, From: from, To: to, Reason: reason}
	}
	if err := ValidateCombination(order.WithStatusValue(field, to)); err != nil {
		return &TransitionError{Field: field, From: from, To: to, Reason: err.Error()}
	}
	return nil
}

func entryGuard(order Order, field StatusField, to string) string {
	settled := order.PaymentStatus == PaymentStatusPaid || order.PaymentStatus == PaymentStatusWon
	switch {
	case field == FieldStatus && to == string(OrderStatusShipped) && !settled:
		return "shipping requires a paid order"
	case field == FieldFulfillmentStatus && !settled:
		return "fulfillment requires a paid order"
	}
	return ""
}

// ValidateCombination checks that the three status fields of an order are jointly coherent.
func ValidateCombination(order Order) error {
	unpaid := order.PaymentStatus == PaymentStatusPending || order.PaymentStatus == PaymentStatusFailed

	switch order.Status {
	case OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered:
		if unpaid {
			return fmt.Errorf("status %s is incompatible with payment %s", order.Status, order.PaymentStatus)
		}
	case OrderStatusCancelled:
		if order.FulfillmentStatus != FulfillmentStatusUnfulfilled {
			return fmt.Errorf("status %s is incompatible with fulfillment %s", order.Status, order.FulfillmentStatus)
		}
	}

	if order.FulfillmentStatus != FulfillmentStatusUnfulfilled {
		if unpaid {
			return fmt.Errorf("fulfillment %s is incompatible with payment %s", order.FulfillmentStatus, order.PaymentStatus)
		}
		if order.Status == OrderStatusPending || order.Status == OrderStatusCancelled {
			return fmt.Errorf("fulfillment %s is incompatible with status %s", order.FulfillmentStatus, order.Status)
		}
	}
	return nil
}
