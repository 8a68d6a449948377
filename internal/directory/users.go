package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User roles.
const (
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

// User is a borrower or a staff member, identified by roll number.
type User struct {
	ID           string    `json:"id"`
	RollNo       string    `json:"roll_no"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Stream       *string   `json:"stream,omitempty"`
	Batch        *string   `json:"batch,omitempty"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Repository reads and writes the book and user directories in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a directory repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

const userColumns = `id, roll_no, name, email, stream, batch, role, active, password_hash, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.RollNo, &u.Name, &u.Email, &u.Stream, &u.Batch, &u.Role, &u.Active, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// UserByRollNo returns the user with the given roll number, or nil.
func (r *Repository) UserByRollNo(ctx context.Context, rollNo string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE roll_no = $1`, rollNo)
	return scanUser(row)
}

// UserByID returns a user by primary key, or nil.
func (r *Repository) UserByID(ctx context.Context, id string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// UserByEmail returns a user by email, or nil. Used by login.
func (r *Repository) UserByEmail(ctx context.Context, email string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// CreateUser inserts a directory record. Role defaults to student.
func (r *Repository) CreateUser(ctx context.Context, u User) (User, error) {
	if u.RollNo == "" || u.Name == "" || u.Email == "" {
		return User{}, errors.New("roll_no, name and email are required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = RoleStudent
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, roll_no, name, email, stream, batch, role, active, password_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE,$8)
		RETURNING created_at
	`, u.ID, u.RollNo, u.Name, u.Email, u.Stream, u.Batch, u.Role, u.PasswordHash)
	if err := row.Scan(&u.CreatedAt); err != nil {
		return User{}, err
	}
	u.Active = true
	return u, nil
}

// ListUsers returns users matching an optional search term against name
// or roll number, ordered by roll number.
func (r *Repository) ListUsers(ctx context.Context, search string, limit, offset int) ([]User, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + userColumns + ` FROM users`
	args := []any{}
	if search != "" {
		query += ` WHERE name ILIKE '%' || $1 || '%' OR roll_no ILIKE '%' || $1 || '%'`
		args = append(args, search)
	}
	query += ` ORDER BY roll_no LIMIT $` + itoa(len(args)+1) + ` OFFSET $` + itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.RollNo, &u.Name, &u.Email, &u.Stream, &u.Batch, &u.Role, &u.Active, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// CountStudents returns how many student-role users exist.
func (r *Repository) CountStudents(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, RoleStudent).Scan(&n)
	return n, err
}
