package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists the borrow ledger in Postgres. The schema carries a
// partial unique index on (book_id) WHERE NOT returned, so the "one open
// loan per book" invariant is enforced by the database and a losing
// concurrent insert surfaces as a unique violation.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a ledger repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const loanColumns = `id, book_id, student_id, issued_by, received_by, borrow_date, due_date,
	actual_return_date, returned, status, fine_accrued, fine_imposed, fine_paid, is_fined, created_at`

func scanLoan(row interface{ Scan(...any) error }) (*Loan, error) {
	var l Loan
	err := row.Scan(&l.ID, &l.BookID, &l.StudentID, &l.IssuedBy, &l.ReceivedBy, &l.BorrowDate, &l.DueDate,
		&l.ActualReturnDate, &l.Returned, &l.Status, &l.FineAccrued, &l.FineImposed, &l.FinePaid, &l.IsFined, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Insert appends a new open loan. A concurrent open loan for the same
// book trips the partial unique index and maps to ErrBookUnavailable.
func (r *Repository) Insert(ctx context.Context, loan Loan) (Loan, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO loans (id, book_id, student_id, issued_by, borrow_date, due_date,
			returned, status, fine_accrued, fine_imposed, fine_paid, is_fined)
		VALUES ($1,$2,$3,$4,$5,$6,FALSE,$7,0,0,0,FALSE)
		RETURNING created_at
	`, loan.ID, loan.BookID, loan.StudentID, loan.IssuedBy, loan.BorrowDate, loan.DueDate, StatusBorrowed)
	if err := row.Scan(&loan.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Loan{}, ErrBookUnavailable
		}
		return Loan{}, fmt.Errorf("insert loan: %w", err)
	}
	loan.Returned = false
	loan.Status = StatusBorrowed
	return loan, nil
}

// ByID returns a single loan, or nil when unknown.
func (r *Repository) ByID(ctx context.Context, id string) (*Loan, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id)
	return scanLoan(row)
}

// OpenByBook returns the single open loan for a book, or nil when the
// book is on the shelf.
func (r *Repository) OpenByBook(ctx context.Context, bookID string) (*Loan, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE book_id = $1 AND NOT returned`, bookID)
	return scanLoan(row)
}

// CountOpenByStudent counts a student's loans still out.
func (r *Repository) CountOpenByStudent(ctx context.Context, studentID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM loans WHERE student_id = $1 AND NOT returned`, studentID).Scan(&n)
	return n, err
}

// Settle writes the closing fields exactly once. The conditional update
// makes concurrent settlements race-safe: the second caller matches no
// row and gets ErrAlreadyReturned.
func (r *Repository) Settle(ctx context.Context, id string, s Settlement) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE loans
		SET returned = TRUE, status = $2, actual_return_date = $3,
			fine_imposed = $4, fine_paid = $5, is_fined = $6, received_by = $7, updated_at = NOW()
		WHERE id = $1 AND NOT returned
	`, id, StatusReturned, s.ReturnedAt, s.FineImposed, s.FinePaid, s.IsFined, s.ReceivedBy)
	if err != nil {
		return fmt.Errorf("settle loan: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle loan: %w", err)
	}
	if rows == 0 {
		existing, err := r.ByID(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrLoanNotFound
		}
		return ErrAlreadyReturned
	}
	return nil
}

// OverdueOpen returns open loans whose due date has passed as of the
// given instant.
func (r *Repository) OverdueOpen(ctx context.Context, asOf time.Time) ([]Loan, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE NOT returned AND due_date < $1`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLoans(rows)
}

// DueSoonOpen returns open loans due within [from, to), for reminders.
func (r *Repository) DueSoonOpen(ctx context.Context, from, to time.Time) ([]Loan, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE NOT returned AND due_date >= $1 AND due_date < $2`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLoans(rows)
}

func collectLoans(rows *sql.Rows) ([]Loan, error) {
	var res []Loan
	for rows.Next() {
		var l Loan
		if err := rows.Scan(&l.ID, &l.BookID, &l.StudentID, &l.IssuedBy, &l.ReceivedBy, &l.BorrowDate, &l.DueDate,
			&l.ActualReturnDate, &l.Returned, &l.Status, &l.FineAccrued, &l.FineImposed, &l.FinePaid, &l.IsFined, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// UpdateAccruedFine refreshes the advisory fine on a still-open loan.
// Closed loans are left alone; their fine is fixed at settlement.
func (r *Repository) UpdateAccruedFine(ctx context.Context, id string, fine int64, isFined bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE loans SET fine_accrued = $2, is_fined = $3, updated_at = NOW()
		WHERE id = $1 AND NOT returned
	`, id, fine, isFined)
	return err
}

// HistoryFilter narrows a ledger listing.
type HistoryFilter struct {
	StudentID string
	BookID    string
	Status    string // StatusBorrowed or StatusReturned; empty for all
	Fined     *bool
	Limit     int
	Offset    int
}

// List returns ledger rows joined with student and book names, open loans
// first, newest first within each group.
func (r *Repository) List(ctx context.Context, f HistoryFilter) ([]HistoryEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `
		SELECT l.id, l.book_id, l.student_id, l.issued_by, l.received_by, l.borrow_date, l.due_date,
			l.actual_return_date, l.returned, l.status, l.fine_accrued, l.fine_imposed, l.fine_paid, l.is_fined, l.created_at,
			u.name, u.roll_no, b.title, b.ref_no
		FROM loans l
		JOIN users u ON u.id = l.student_id
		JOIN books b ON b.id = l.book_id`
	args := []any{}
	clauses := []string{}
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		clauses = append(clauses, fmt.Sprintf("l.student_id = $%d", len(args)))
	}
	if f.BookID != "" {
		args = append(args, f.BookID)
		clauses = append(clauses, fmt.Sprintf("l.book_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status == StatusReturned)
		clauses = append(clauses, fmt.Sprintf("l.returned = $%d", len(args)))
	}
	if f.Fined != nil {
		args = append(args, *f.Fined)
		clauses = append(clauses, fmt.Sprintf("l.is_fined = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY l.returned, l.created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.BookID, &e.StudentID, &e.IssuedBy, &e.ReceivedBy, &e.BorrowDate, &e.DueDate,
			&e.ActualReturnDate, &e.Returned, &e.Status, &e.FineAccrued, &e.FineImposed, &e.FinePaid, &e.IsFined, &e.CreatedAt,
			&e.StudentName, &e.RollNo, &e.BookTitle, &e.BookRef); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LedgerStats aggregates ledger counts for the dashboard.
func (r *Repository) LedgerStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE returned),
			COUNT(*) FILTER (WHERE NOT returned),
			COALESCE(SUM(fine_paid), 0)
		FROM loans
	`).Scan(&s.Total, &s.Returned, &s.Active, &s.FinesCollected)
	return s, err
}
