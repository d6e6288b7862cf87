package services

import (
	"errors"
	"fmt"

	domain "github.com/synclune/api/internal/domain"
	"github.com/synclune/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrInvalidTransition indicates the requested status change is not legal from the current state.
	ErrInvalidTransition = errors.New("order: invalid transition")
	// ErrOrderConflict indicates a concurrent modification or a stale expected state.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrInsufficientStock indicates a cart line exceeds the available inventory at checkout.
	ErrInsufficientStock = errors.New("order: insufficient stock")

	// ErrDiscountRejected wraps every DiscountRejection.
	ErrDiscountRejected = errors.New("discount: rejected")

	// ErrRefundInvalidInput signals a malformed refund request.
	ErrRefundInvalidInput = errors.New("refund: invalid input")
	// ErrRefundNotFound indicates the refund request does not exist.
	ErrRefundNotFound = errors.New("refund: not found")
	// ErrRefundInvalidState indicates the refund already left the pending state.
	ErrRefundInvalidState = errors.New("refund: invalid state")
	// ErrRefundProcessorFailed indicates the payment processor refused or timed out.
	ErrRefundProcessorFailed = errors.New("refund: processor call failed")

	// ErrPaymentEventInvalid signals an event that cannot be interpreted at all.
	ErrPaymentEventInvalid = errors.New("payment event: invalid")

	// ErrCheckoutUnavailable indicates the payment processor could not open a session.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")

	// ErrPersistenceUnavailable marks fatal storage failures. The enclosing transaction is rolled back.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// DiscountRejectionReason is the typed reason a code was refused.
type DiscountRejectionReason string

const (
	DiscountRejectNotFound      DiscountRejectionReason = "not_found"
	DiscountRejectInactive      DiscountRejectionReason = "inactive"
	DiscountRejectNotStarted    DiscountRejectionReason = "not_started"
	DiscountRejectExpired       DiscountRejectionReason = "expired"
	DiscountRejectMinSubtotal   DiscountRejectionReason = "min_subtotal"
	DiscountRejectMaxUses       DiscountRejectionReason = "max_uses_reached"
	DiscountRejectCustomerLimit DiscountRejectionReason = "customer_limit_reached"
)

// DiscountRejection is returned by DiscountService.Validate when a code cannot be applied.
type DiscountRejection struct {
	Code   string
	Reason DiscountRejectionReason
}

func (e *DiscountRejection) Error() string {
	return fmt.Sprintf("discount %q rejected: %s", e.Code, e.Reason)
}

func (e *DiscountRejection) Unwrap() error { return ErrDiscountRejected }

func invalidTransition(err error) error {
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, te.Error())
	}
	return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
}

// mapRepositoryError translates repository failures into the order error taxonomy.
func mapRepositoryError(err error, notFound error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
		}
	}

	return err
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepositoryDuplicate(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsDuplicateKey()
}
