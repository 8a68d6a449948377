package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"library/internal/directory"
	"library/internal/policy"
)

// Ledger is the borrow-transaction store the engine writes through.
// *Repository is the Postgres implementation; tests use an in-memory one.
// Insert must reject a second open loan for the same book with
// ErrBookUnavailable, and Settle must be one-shot per record.
type Ledger interface {
	Insert(ctx context.Context, loan Loan) (Loan, error)
	ByID(ctx context.Context, id string) (*Loan, error)
	OpenByBook(ctx context.Context, bookID string) (*Loan, error)
	CountOpenByStudent(ctx context.Context, studentID string) (int, error)
	Settle(ctx context.Context, id string, s Settlement) error
	OverdueOpen(ctx context.Context, asOf time.Time) ([]Loan, error)
	UpdateAccruedFine(ctx context.Context, id string, fine int64, isFined bool) error
}

// Directory resolves books and users. Lookups return nil, nil for
// unknown identifiers.
type Directory interface {
	BookByRef(ctx context.Context, ref string) (*directory.Book, error)
	UserByRollNo(ctx context.Context, rollNo string) (*directory.User, error)
	UserByID(ctx context.Context, id string) (*directory.User, error)
}

// PolicySource yields the active circulation policy.
type PolicySource interface {
	Get(ctx context.Context) (policy.Settings, error)
}

// Service is the borrow engine: it derives availability, enforces the
// per-student limit, opens and settles loans, and computes fines.
type Service struct {
	ledger   Ledger
	dir      Directory
	policies PolicySource
	now      func() time.Time
}

// NewService creates the engine.
func NewService(ledger Ledger, dir Directory, policies PolicySource) *Service {
	return &Service{ledger: ledger, dir: dir, policies: policies, now: time.Now}
}

// BorrowRequest opens a loan. BorrowDate backdates the loan when set.
type BorrowRequest struct {
	BookRef    string
	RollNo     string
	IssuedBy   string
	BorrowDate *time.Time
}

// Borrow checks availability and the student's limit, then appends a
// loan. The book record itself is never touched; its availability is
// derived entirely from the ledger.
func (s *Service) Borrow(ctx context.Context, req BorrowRequest) (Loan, error) {
	if req.BookRef == "" || req.RollNo == "" || req.IssuedBy == "" {
		return Loan{}, fmt.Errorf("%w: book ref, roll no and issuer are required", ErrInvalidInput)
	}

	book, err := s.dir.BookByRef(ctx, req.BookRef)
	if err != nil {
		return Loan{}, fmt.Errorf("lookup book: %w", err)
	}
	if book == nil || !book.Active {
		return Loan{}, ErrBookNotFound
	}
	student, err := s.dir.UserByRollNo(ctx, req.RollNo)
	if err != nil {
		return Loan{}, fmt.Errorf("lookup student: %w", err)
	}
	if student == nil || !student.Active {
		return Loan{}, ErrStudentNotFound
	}

	open, err := s.ledger.OpenByBook(ctx, book.ID)
	if err != nil {
		return Loan{}, fmt.Errorf("availability check: %w", err)
	}
	if open != nil {
		return Loan{}, ErrBookUnavailable
	}

	cfg, err := s.policies.Get(ctx)
	if err != nil {
		return Loan{}, fmt.Errorf("load settings: %w", err)
	}
	active, err := s.ledger.CountOpenByStudent(ctx, student.ID)
	if err != nil {
		return Loan{}, fmt.Errorf("active count: %w", err)
	}
	if active >= cfg.MaxBooksPerStudent {
		return Loan{}, ErrBorrowLimit
	}

	borrowAt := s.now().UTC()
	if req.BorrowDate != nil {
		borrowAt = req.BorrowDate.UTC()
	}
	loan := Loan{
		ID:         uuid.NewString(),
		BookID:     book.ID,
		StudentID:  student.ID,
		IssuedBy:   req.IssuedBy,
		BorrowDate: borrowAt,
		DueDate:    borrowAt.AddDate(0, 0, cfg.BorrowDaysLimit),
		Returned:   false,
		Status:     StatusBorrowed,
	}
	// The ledger's uniqueness check is the authoritative one; the
	// availability read above only gives a friendly early answer.
	created, err := s.ledger.Insert(ctx, loan)
	if err != nil {
		return Loan{}, err
	}
	borrowsTotal.Inc()
	return created, nil
}

// Return settles an open loan: it fixes the fine from the due date and
// the clock, records what was actually collected, and closes the record.
// Settling twice fails with ErrAlreadyReturned.
func (s *Service) Return(ctx context.Context, loanID, receivedBy string, amountCollected int64) (Receipt, error) {
	if loanID == "" || receivedBy == "" {
		return Receipt{}, fmt.Errorf("%w: loan id and receiver are required", ErrInvalidInput)
	}
	if amountCollected < 0 {
		return Receipt{}, fmt.Errorf("%w: collected amount must not be negative", ErrInvalidInput)
	}

	loan, err := s.ledger.ByID(ctx, loanID)
	if err != nil {
		return Receipt{}, fmt.Errorf("lookup loan: %w", err)
	}
	if loan == nil {
		return Receipt{}, ErrLoanNotFound
	}
	if loan.Returned {
		return Receipt{}, ErrAlreadyReturned
	}

	cfg, err := s.policies.Get(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("load settings: %w", err)
	}
	returnedAt := s.now().UTC()
	imposed := ComputeFine(loan.DueDate, returnedAt, cfg.FinePerDay)
	settlement := Settlement{
		ReturnedAt:  returnedAt,
		FineImposed: imposed,
		FinePaid:    amountCollected,
		IsFined:     imposed > 0,
		ReceivedBy:  receivedBy,
	}
	if err := s.ledger.Settle(ctx, loanID, settlement); err != nil {
		return Receipt{}, err
	}
	returnsTotal.Inc()
	finesCollectedTotal.Add(float64(amountCollected))
	return Receipt{
		LoanID:      loanID,
		FineImposed: imposed,
		FinePaid:    amountCollected,
		DaysOverdue: DaysOverdue(loan.DueDate, returnedAt),
		ReturnedAt:  returnedAt,
	}, nil
}

// PreviewFine reports what settling the loan right now would cost. For a
// loan already settled it reports the fine that was imposed.
func (s *Service) PreviewFine(ctx context.Context, loanID string) (int64, error) {
	loan, err := s.ledger.ByID(ctx, loanID)
	if err != nil {
		return 0, fmt.Errorf("lookup loan: %w", err)
	}
	if loan == nil {
		return 0, ErrLoanNotFound
	}
	if loan.Returned {
		return loan.FineImposed, nil
	}
	cfg, err := s.policies.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	return ComputeFine(loan.DueDate, s.now().UTC(), cfg.FinePerDay), nil
}

// BookStatus answers whether a book is on the shelf and, if not, who
// holds it and when it is due.
type BookStatus struct {
	RefNo      string          `json:"ref_no"`
	Available  bool            `json:"available"`
	HeldBy     *directory.User `json:"held_by,omitempty"`
	BorrowDate *time.Time      `json:"borrow_date,omitempty"`
	DueDate    *time.Time      `json:"due_date,omitempty"`
}

// Status derives a book's availability fresh from the ledger.
func (s *Service) Status(ctx context.Context, bookRef string) (BookStatus, error) {
	book, err := s.dir.BookByRef(ctx, bookRef)
	if err != nil {
		return BookStatus{}, fmt.Errorf("lookup book: %w", err)
	}
	if book == nil {
		return BookStatus{}, ErrBookNotFound
	}
	open, err := s.ledger.OpenByBook(ctx, book.ID)
	if err != nil {
		return BookStatus{}, fmt.Errorf("availability check: %w", err)
	}
	status := BookStatus{RefNo: book.RefNo, Available: open == nil}
	if open != nil {
		holder, err := s.dir.UserByID(ctx, open.StudentID)
		if err != nil {
			return BookStatus{}, fmt.Errorf("lookup holder: %w", err)
		}
		status.HeldBy = holder
		status.BorrowDate = &open.BorrowDate
		status.DueDate = &open.DueDate
	}
	return status, nil
}

// RefreshOverdueFines recomputes the advisory fine on every open overdue
// loan as of the given instant. It never closes a loan; the closing
// fields belong to Return alone. Returns how many records were updated.
func (s *Service) RefreshOverdueFines(ctx context.Context, asOf time.Time) (int, error) {
	cfg, err := s.policies.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	overdue, err := s.ledger.OverdueOpen(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("scan overdue: %w", err)
	}
	updated := 0
	for _, loan := range overdue {
		fine := ComputeFine(loan.DueDate, asOf, cfg.FinePerDay)
		if err := s.ledger.UpdateAccruedFine(ctx, loan.ID, fine, fine > 0); err != nil {
			return updated, fmt.Errorf("refresh fine for %s: %w", loan.ID, err)
		}
		updated++
	}
	overdueRefreshed.Add(float64(updated))
	return updated, nil
}
