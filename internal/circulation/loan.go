package circulation

import "time"

// Loan status values, fixed by the ledger schema.
const (
	StatusBorrowed = "Borrowed"
	StatusReturned = "Returned"
)

// Loan is one borrow transaction in the ledger. Closing fields stay
// null/zero while the loan is open and are written exactly once at
// settlement.
type Loan struct {
	ID               string     `json:"id"`
	BookID           string     `json:"book_id"`
	StudentID        string     `json:"student_id"`
	IssuedBy         string     `json:"issued_by"`
	ReceivedBy       *string    `json:"received_by,omitempty"`
	BorrowDate       time.Time  `json:"borrow_date"`
	DueDate          time.Time  `json:"due_date"`
	ActualReturnDate *time.Time `json:"actual_return_date,omitempty"`
	Returned         bool       `json:"returned"`
	Status           string     `json:"status"`
	FineAccrued      int64      `json:"fine_accrued"`
	FineImposed      int64      `json:"fine_imposed"`
	FinePaid         int64      `json:"fine_paid"`
	IsFined          bool       `json:"is_fined"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Open reports whether the loan is still out.
func (l Loan) Open() bool { return !l.Returned }

// Settlement carries the closing fields written when a loan is returned.
type Settlement struct {
	ReturnedAt  time.Time
	FineImposed int64
	FinePaid    int64
	IsFined     bool
	ReceivedBy  string
}

// Receipt is what the return operation hands back to the caller.
type Receipt struct {
	LoanID      string    `json:"loan_id"`
	FineImposed int64     `json:"fine_imposed"`
	FinePaid    int64     `json:"fine_paid"`
	DaysOverdue int       `json:"days_overdue"`
	ReturnedAt  time.Time `json:"returned_at"`
}

// HistoryEntry is a ledger row joined with the names a listing needs.
type HistoryEntry struct {
	Loan
	StudentName string `json:"student_name"`
	RollNo      string `json:"roll_no"`
	BookTitle   string `json:"book_title"`
	BookRef     string `json:"book_ref"`
}

// Stats summarises the ledger for the dashboard.
type Stats struct {
	Total          int   `json:"total"`
	Returned       int   `json:"returned"`
	Active         int   `json:"active"`
	FinesCollected int64 `json:"fines_collected"`
}
