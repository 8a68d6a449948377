package policy

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// Settings is the single active circulation policy. A missing row falls
// back to Defaults.
type Settings struct {
	FinePerDay         int64     `json:"fine_per_day"`
	MaxBooksPerStudent int       `json:"max_books_per_student"`
	BorrowDaysLimit    int       `json:"borrow_days_limit"`
	ReminderBeforeDays int       `json:"reminder_before_days"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Defaults is the hardcoded policy used when no settings row exists.
func Defaults() Settings {
	return Settings{
		FinePerDay:         5,
		MaxBooksPerStudent: 5,
		BorrowDaysLimit:    14,
		ReminderBeforeDays: 2,
	}
}

// Validate rejects values the borrow engine cannot work with.
func (s Settings) Validate() error {
	if s.FinePerDay < 0 {
		return errors.New("fine_per_day must not be negative")
	}
	if s.MaxBooksPerStudent < 1 {
		return errors.New("max_books_per_student must be at least 1")
	}
	if s.BorrowDaysLimit < 1 {
		return errors.New("borrow_days_limit must be at least 1")
	}
	if s.ReminderBeforeDays < 0 {
		return errors.New("reminder_before_days must not be negative")
	}
	return nil
}

// Store reads the singleton settings row, caching it briefly. Updates
// invalidate the cache so the next read sees the new policy.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	mu        sync.Mutex
	cached    *Settings
	fetchedAt time.Time
}

// NewStore creates a settings store with a short read cache.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, ttl: 30 * time.Second}
}

// Get returns the active settings, or Defaults when none are stored.
func (s *Store) Get(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.fetchedAt) < s.ttl {
		cfg := *s.cached
		s.mu.Unlock()
		return cfg, nil
	}
	s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT fine_per_day, max_books_per_student, borrow_days_limit, reminder_before_days, updated_at
		FROM library_settings WHERE id = 1
	`)
	var cfg Settings
	if err := row.Scan(&cfg.FinePerDay, &cfg.MaxBooksPerStudent, &cfg.BorrowDaysLimit, &cfg.ReminderBeforeDays, &cfg.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Defaults(), nil
		}
		return Settings{}, err
	}

	s.mu.Lock()
	s.cached = &cfg
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return cfg, nil
}

// Update upserts the singleton row and drops the cached copy.
func (s *Store) Update(ctx context.Context, cfg Settings) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO library_settings (id, fine_per_day, max_books_per_student, borrow_days_limit, reminder_before_days, updated_at)
		VALUES (1, $1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			fine_per_day = EXCLUDED.fine_per_day,
			max_books_per_student = EXCLUDED.max_books_per_student,
			borrow_days_limit = EXCLUDED.borrow_days_limit,
			reminder_before_days = EXCLUDED.reminder_before_days,
			updated_at = NOW()
	`, cfg.FinePerDay, cfg.MaxBooksPerStudent, cfg.BorrowDaysLimit, cfg.ReminderBeforeDays)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	return nil
}
