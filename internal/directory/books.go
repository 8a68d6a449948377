package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Book is a single physical item in the catalog. Availability is never
// stored here; it is derived from the loan ledger.
type Book struct {
	ID          string    `json:"id"`
	RefNo       string    `json:"ref_no"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Publisher   *string   `json:"publisher,omitempty"`
	Genre       *string   `json:"genre,omitempty"`
	PublishYear *int      `json:"publish_year,omitempty"`
	Description *string   `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

const bookColumns = `id, ref_no, title, author, publisher, genre, publish_year, description, active, created_at`

func scanBook(row interface{ Scan(...any) error }) (*Book, error) {
	var b Book
	err := row.Scan(&b.ID, &b.RefNo, &b.Title, &b.Author, &b.Publisher, &b.Genre, &b.PublishYear, &b.Description, &b.Active, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// BookByRef returns the book with the given reference code, or nil.
func (r *Repository) BookByRef(ctx context.Context, ref string) (*Book, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE ref_no = $1`, ref)
	return scanBook(row)
}

// BookByID returns a book by primary key, or nil.
func (r *Repository) BookByID(ctx context.Context, id string) (*Book, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
	return scanBook(row)
}

// CreateBook inserts a catalog record. The reference code must be unique.
func (r *Repository) CreateBook(ctx context.Context, b Book) (Book, error) {
	if b.RefNo == "" || b.Title == "" || b.Author == "" {
		return Book{}, errors.New("ref_no, title and author are required")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO books (id, ref_no, title, author, publisher, genre, publish_year, description, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,TRUE)
		RETURNING created_at
	`, b.ID, b.RefNo, b.Title, b.Author, b.Publisher, b.Genre, b.PublishYear, b.Description)
	if err := row.Scan(&b.CreatedAt); err != nil {
		return Book{}, err
	}
	b.Active = true
	return b, nil
}

// ListBooks returns catalog entries matching an optional search term
// against title, author or reference code, newest first.
func (r *Repository) ListBooks(ctx context.Context, search string, limit, offset int) ([]Book, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + bookColumns + ` FROM books`
	args := []any{}
	if search != "" {
		query += ` WHERE title ILIKE '%' || $1 || '%' OR author ILIKE '%' || $1 || '%' OR ref_no ILIKE '%' || $1 || '%'`
		args = append(args, search)
	}
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args)+1) + ` OFFSET $` + itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Book
	for rows.Next() {
		var b Book
		if err := rows.Scan(&b.ID, &b.RefNo, &b.Title, &b.Author, &b.Publisher, &b.Genre, &b.PublishYear, &b.Description, &b.Active, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// CountBooks returns the catalog size.
func (r *Repository) CountBooks(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books`).Scan(&n)
	return n, err
}
