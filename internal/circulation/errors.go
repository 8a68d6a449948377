package circulation

import "errors"

// Precondition failures are sentinel errors so callers can map them to
// responses without string matching. Anything else coming out of the
// package is a wrapped storage error.
var (
	ErrBookNotFound    = errors.New("book not found")
	ErrStudentNotFound = errors.New("student not found")
	ErrLoanNotFound    = errors.New("loan record not found")
	ErrBookUnavailable = errors.New("book is currently issued to another student")
	ErrBorrowLimit     = errors.New("student has reached the active borrow limit")
	ErrAlreadyReturned = errors.New("loan is already settled")
	ErrInvalidInput    = errors.New("invalid input")
)
