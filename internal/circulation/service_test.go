package circulation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library/internal/directory"
	"library/internal/policy"
)

// memLedger is an in-memory Ledger that enforces the same invariants as
// the Postgres schema: at most one open loan per book (checked under the
// same lock as the insert) and one-shot settlement.
type memLedger struct {
	mu    sync.Mutex
	loans map[string]*Loan
}

func newMemLedger() *memLedger {
	return &memLedger{loans: make(map[string]*Loan)}
}

func (m *memLedger) Insert(_ context.Context, loan Loan) (Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.loans {
		if l.BookID == loan.BookID && !l.Returned {
			return Loan{}, ErrBookUnavailable
		}
	}
	loan.CreatedAt = time.Now().UTC()
	cp := loan
	m.loans[loan.ID] = &cp
	return loan, nil
}

func (m *memLedger) ByID(_ context.Context, id string) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *memLedger) OpenByBook(_ context.Context, bookID string) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.loans {
		if l.BookID == bookID && !l.Returned {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memLedger) CountOpenByStudent(_ context.Context, studentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.loans {
		if l.StudentID == studentID && !l.Returned {
			n++
		}
	}
	return n, nil
}

func (m *memLedger) Settle(_ context.Context, id string, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return ErrLoanNotFound
	}
	if l.Returned {
		return ErrAlreadyReturned
	}
	returnedAt := s.ReturnedAt
	l.Returned = true
	l.Status = StatusReturned
	l.ActualReturnDate = &returnedAt
	l.FineImposed = s.FineImposed
	l.FinePaid = s.FinePaid
	l.IsFined = s.IsFined
	l.ReceivedBy = &s.ReceivedBy
	return nil
}

func (m *memLedger) OverdueOpen(_ context.Context, asOf time.Time) ([]Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Loan
	for _, l := range m.loans {
		if !l.Returned && l.DueDate.Before(asOf) {
			res = append(res, *l)
		}
	}
	return res, nil
}

func (m *memLedger) UpdateAccruedFine(_ context.Context, id string, fine int64, isFined bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok || l.Returned {
		return nil
	}
	l.FineAccrued = fine
	l.IsFined = isFined
	return nil
}

func (m *memLedger) openCountForBook(bookID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.loans {
		if l.BookID == bookID && !l.Returned {
			n++
		}
	}
	return n
}

// memDirectory resolves books and users from fixed maps.
type memDirectory struct {
	booksByRef  map[string]*directory.Book
	usersByRoll map[string]*directory.User
	usersByID   map[string]*directory.User
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		booksByRef:  make(map[string]*directory.Book),
		usersByRoll: make(map[string]*directory.User),
		usersByID:   make(map[string]*directory.User),
	}
}

func (d *memDirectory) addBook(ref string, active bool) *directory.Book {
	b := &directory.Book{ID: uuid.NewString(), RefNo: ref, Title: "Title " + ref, Author: "Author", Active: active}
	d.booksByRef[ref] = b
	return b
}

func (d *memDirectory) addStudent(roll string, active bool) *directory.User {
	u := &directory.User{ID: uuid.NewString(), RollNo: roll, Name: "Student " + roll, Role: directory.RoleStudent, Active: active}
	d.usersByRoll[roll] = u
	d.usersByID[u.ID] = u
	return u
}

func (d *memDirectory) BookByRef(_ context.Context, ref string) (*directory.Book, error) {
	return d.booksByRef[ref], nil
}

func (d *memDirectory) UserByRollNo(_ context.Context, rollNo string) (*directory.User, error) {
	return d.usersByRoll[rollNo], nil
}

func (d *memDirectory) UserByID(_ context.Context, id string) (*directory.User, error) {
	return d.usersByID[id], nil
}

// staticPolicy returns a fixed Settings, standing in for the store.
type staticPolicy struct{ cfg policy.Settings }

func (p staticPolicy) Get(context.Context) (policy.Settings, error) { return p.cfg, nil }

type fixture struct {
	svc    *Service
	ledger *memLedger
	dir    *memDirectory
}

func newFixture(cfg policy.Settings) *fixture {
	ledger := newMemLedger()
	dir := newMemDirectory()
	svc := NewService(ledger, dir, staticPolicy{cfg})
	return &fixture{svc: svc, ledger: ledger, dir: dir}
}

func defaultFixture() *fixture {
	return newFixture(policy.Defaults())
}

func TestBorrowOpensLoan(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B001", true)
	f.dir.addStudent("S001", true)

	day0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return day0 }

	loan, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B001", RollNo: "S001", IssuedBy: "admin-1"})
	require.NoError(t, err)

	assert.Equal(t, day0, loan.BorrowDate)
	assert.Equal(t, day0.AddDate(0, 0, 14), loan.DueDate)
	assert.False(t, loan.Returned)
	assert.Equal(t, StatusBorrowed, loan.Status)
	assert.Zero(t, loan.FineImposed)
	assert.Zero(t, loan.FinePaid)
	assert.False(t, loan.IsFined)
	assert.Nil(t, loan.ReceivedBy)
}

func TestBorrowBackdated(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B001", true)
	f.dir.addStudent("S001", true)

	backdate := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	loan, err := f.svc.Borrow(context.Background(), BorrowRequest{
		BookRef: "B001", RollNo: "S001", IssuedBy: "admin-1", BorrowDate: &backdate,
	})
	require.NoError(t, err)
	assert.Equal(t, backdate, loan.BorrowDate)
	assert.Equal(t, backdate.AddDate(0, 0, 14), loan.DueDate)
}

func TestBorrowUnknownOrInactive(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B001", true)
	f.dir.addBook("B-GONE", false)
	f.dir.addStudent("S001", true)
	f.dir.addStudent("S-GONE", false)

	testCases := []struct {
		name     string
		bookRef  string
		rollNo   string
		expected error
	}{
		{"unknown book", "NOPE", "S001", ErrBookNotFound},
		{"inactive book", "B-GONE", "S001", ErrBookNotFound},
		{"unknown student", "B001", "NOPE", ErrStudentNotFound},
		{"inactive student", "B001", "S-GONE", ErrStudentNotFound},
	}
	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: tt.bookRef, RollNo: tt.rollNo, IssuedBy: "admin-1"})
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestBorrowMissingFields(t *testing.T) {
	f := defaultFixture()
	_, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B001"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBorrowWhileBookOut(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B002", true)
	f.dir.addStudent("S002", true)
	f.dir.addStudent("S003", true)

	loan, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B002", RollNo: "S002", IssuedBy: "admin-1"})
	require.NoError(t, err)

	_, err = f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B002", RollNo: "S003", IssuedBy: "admin-1"})
	assert.ErrorIs(t, err, ErrBookUnavailable)

	_, err = f.svc.Return(context.Background(), loan.ID, "admin-1", 0)
	require.NoError(t, err)

	// Returning the copy frees it for the next student.
	_, err = f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B002", RollNo: "S003", IssuedBy: "admin-1"})
	assert.NoError(t, err)
}

func TestBorrowLimit(t *testing.T) {
	cfg := policy.Defaults()
	cfg.MaxBooksPerStudent = 3
	f := newFixture(cfg)
	f.dir.addStudent("S001", true)
	for _, ref := range []string{"B1", "B2", "B3", "B4"} {
		f.dir.addBook(ref, true)
	}

	// At maxActiveLoans-1 open loans the next borrow succeeds.
	for _, ref := range []string{"B1", "B2", "B3"} {
		_, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: ref, RollNo: "S001", IssuedBy: "admin-1"})
		require.NoError(t, err)
	}

	// At the limit the borrow fails.
	_, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B4", RollNo: "S001", IssuedBy: "admin-1"})
	assert.ErrorIs(t, err, ErrBorrowLimit)
}

func TestConcurrentBorrowSameBook(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B001", true)
	rolls := make([]string, 16)
	for i := range rolls {
		rolls[i] = uuid.NewString()
		f.dir.addStudent(rolls[i], true)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(rolls))
	for i, roll := range rolls {
		wg.Add(1)
		go func(i int, roll string) {
			defer wg.Done()
			_, errs[i] = f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B001", RollNo: roll, IssuedBy: "admin-1"})
		}(i, roll)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrBookUnavailable)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent borrow must win")

	book, _ := f.dir.BookByRef(context.Background(), "B001")
	assert.Equal(t, 1, f.ledger.openCountForBook(book.ID))
}

func TestReturnOnTime(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B001", true)
	f.dir.addStudent("S001", true)

	day0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return day0 }
	loan, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B001", RollNo: "S001", IssuedBy: "admin-1"})
	require.NoError(t, err)

	f.svc.now = func() time.Time { return day0.AddDate(0, 0, 10) }
	receipt, err := f.svc.Return(context.Background(), loan.ID, "admin-2", 0)
	require.NoError(t, err)

	assert.Zero(t, receipt.FineImposed)
	assert.Zero(t, receipt.DaysOverdue)

	settled, _ := f.ledger.ByID(context.Background(), loan.ID)
	assert.True(t, settled.Returned)
	assert.Equal(t, StatusReturned, settled.Status)
	assert.False(t, settled.IsFined)
	require.NotNil(t, settled.ReceivedBy)
	assert.Equal(t, "admin-2", *settled.ReceivedBy)

	status, err := f.svc.Status(context.Background(), "B001")
	require.NoError(t, err)
	assert.True(t, status.Available)
	assert.Nil(t, status.HeldBy)
}

func TestOverdueSettlementScenario(t *testing.T) {
	// Policy {finePerDay=5, loanPeriodDays=14}; borrow on day 0,
	// preview on day 20 expects 30, settle with 20 collected.
	f := defaultFixture()
	f.dir.addBook("B001", true)
	f.dir.addStudent("S001", true)

	day0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return day0 }
	loan, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B001", RollNo: "S001", IssuedBy: "admin-1"})
	require.NoError(t, err)

	day20 := day0.AddDate(0, 0, 20)
	f.svc.now = func() time.Time { return day20 }

	preview, err := f.svc.PreviewFine(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), preview)

	receipt, err := f.svc.Return(context.Background(), loan.ID, "admin-2", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(30), receipt.FineImposed, "settlement must agree with the preview")
	assert.Equal(t, int64(20), receipt.FinePaid)
	assert.Equal(t, 6, receipt.DaysOverdue)

	settled, _ := f.ledger.ByID(context.Background(), loan.ID)
	assert.Equal(t, int64(30), settled.FineImposed)
	assert.Equal(t, int64(20), settled.FinePaid)
	assert.True(t, settled.IsFined)

	status, err := f.svc.Status(context.Background(), "B001")
	require.NoError(t, err)
	assert.True(t, status.Available)
}

func TestReturnTwice(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B001", true)
	f.dir.addStudent("S001", true)

	day0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return day0 }
	loan, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B001", RollNo: "S001", IssuedBy: "admin-1"})
	require.NoError(t, err)

	day20 := day0.AddDate(0, 0, 20)
	f.svc.now = func() time.Time { return day20 }
	first, err := f.svc.Return(context.Background(), loan.ID, "admin-2", 30)
	require.NoError(t, err)

	// A later second settlement fails and leaves the closing fields
	// exactly as the first one wrote them.
	f.svc.now = func() time.Time { return day20.AddDate(0, 0, 5) }
	_, err = f.svc.Return(context.Background(), loan.ID, "admin-3", 99)
	assert.ErrorIs(t, err, ErrAlreadyReturned)

	settled, _ := f.ledger.ByID(context.Background(), loan.ID)
	assert.Equal(t, first.FineImposed, settled.FineImposed)
	assert.Equal(t, int64(30), settled.FinePaid)
	require.NotNil(t, settled.ReceivedBy)
	assert.Equal(t, "admin-2", *settled.ReceivedBy)
	require.NotNil(t, settled.ActualReturnDate)
	assert.Equal(t, first.ReturnedAt, *settled.ActualReturnDate)
}

func TestConcurrentSettlement(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B001", true)
	f.dir.addStudent("S001", true)

	loan, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B001", RollNo: "S001", IssuedBy: "admin-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Return(context.Background(), loan.ID, "admin-2", 0)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyReturned)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestReturnInvalidInput(t *testing.T) {
	f := defaultFixture()

	_, err := f.svc.Return(context.Background(), "", "admin-1", 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Return(context.Background(), uuid.NewString(), "admin-1", -1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Return(context.Background(), uuid.NewString(), "admin-1", 0)
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestPreviewFineOnSettledLoan(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B001", true)
	f.dir.addStudent("S001", true)

	day0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return day0 }
	loan, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B001", RollNo: "S001", IssuedBy: "admin-1"})
	require.NoError(t, err)

	f.svc.now = func() time.Time { return day0.AddDate(0, 0, 20) }
	receipt, err := f.svc.Return(context.Background(), loan.ID, "admin-2", 30)
	require.NoError(t, err)

	// The fine is frozen at settlement; more elapsed time changes nothing.
	f.svc.now = func() time.Time { return day0.AddDate(0, 0, 60) }
	preview, err := f.svc.PreviewFine(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.FineImposed, preview)
}

func TestStatusHeldBook(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B001", true)
	student := f.dir.addStudent("S001", true)

	day0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return day0 }
	loan, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B001", RollNo: "S001", IssuedBy: "admin-1"})
	require.NoError(t, err)

	status, err := f.svc.Status(context.Background(), "B001")
	require.NoError(t, err)
	assert.False(t, status.Available)
	require.NotNil(t, status.HeldBy)
	assert.Equal(t, student.ID, status.HeldBy.ID)
	require.NotNil(t, status.DueDate)
	assert.Equal(t, loan.DueDate, *status.DueDate)

	_, err = f.svc.Status(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestRefreshOverdueFines(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B001", true)
	f.dir.addBook("B002", true)
	f.dir.addStudent("S001", true)
	f.dir.addStudent("S002", true)

	day0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return day0 }
	overdueLoan, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B001", RollNo: "S001", IssuedBy: "admin-1"})
	require.NoError(t, err)

	day10 := day0.AddDate(0, 0, 10)
	f.svc.now = func() time.Time { return day10 }
	freshLoan, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B002", RollNo: "S002", IssuedBy: "admin-1"})
	require.NoError(t, err)

	asOf := day0.AddDate(0, 0, 17) // first loan 3 days over, second not due
	updated, err := f.svc.RefreshOverdueFines(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	refreshed, _ := f.ledger.ByID(context.Background(), overdueLoan.ID)
	assert.Equal(t, int64(15), refreshed.FineAccrued)
	assert.True(t, refreshed.IsFined)
	// The sweep must never close the loan.
	assert.False(t, refreshed.Returned)
	assert.Nil(t, refreshed.ActualReturnDate)
	assert.Nil(t, refreshed.ReceivedBy)
	assert.Zero(t, refreshed.FineImposed)

	untouched, _ := f.ledger.ByID(context.Background(), freshLoan.ID)
	assert.Zero(t, untouched.FineAccrued)
	assert.False(t, untouched.IsFined)
}

func TestStorageErrorPropagates(t *testing.T) {
	f := defaultFixture()
	f.dir.addBook("B001", true)
	f.dir.addStudent("S001", true)

	boom := errors.New("connection reset")
	f.svc.ledger = failingLedger{err: boom}

	_, err := f.svc.Borrow(context.Background(), BorrowRequest{BookRef: "B001", RollNo: "S001", IssuedBy: "admin-1"})
	assert.ErrorIs(t, err, boom)
}

// failingLedger returns the same error from every call.
type failingLedger struct{ err error }

func (f failingLedger) Insert(context.Context, Loan) (Loan, error)        { return Loan{}, f.err }
func (f failingLedger) ByID(context.Context, string) (*Loan, error)       { return nil, f.err }
func (f failingLedger) OpenByBook(context.Context, string) (*Loan, error) { return nil, f.err }
func (f failingLedger) CountOpenByStudent(context.Context, string) (int, error) {
	return 0, f.err
}
func (f failingLedger) Settle(context.Context, string, Settlement) error { return f.err }
func (f failingLedger) OverdueOpen(context.Context, time.Time) ([]Loan, error) {
	return nil, f.err
}
func (f failingLedger) UpdateAccruedFine(context.Context, string, int64, bool) error {
	return f.err
}
