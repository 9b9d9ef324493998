package spool

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed schema.sql
var schema string

// Job states recorded in the print_queue table.
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

type Job struct {
	Uuid        uuid.UUID `json:"uuid"`
	SubmittedAt time.Time `json:"submittedAt"`
	Rows        int       `json:"rows"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
}

// JobRepository keeps a history of submitted print jobs so the daemon
// can report on them after the fact.
type JobRepository struct {
	Db *sql.DB
}

func Open(path string) (*JobRepository, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("Couldn't open database:\n%w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("Couldn't initialise database:\n%w", err)
	}
	return &JobRepository{Db: db}, nil
}

func (r *JobRepository) Close() error {
	return r.Db.Close()
}

func (r *JobRepository) Create(tx *sql.Tx, j *Job) error {
	_, err := tx.Exec(`
	  INSERT INTO print_queue (uuid, submitted_at, rows, state, error)
		VALUES (?, ?, ?, ?, ?)`,
		j.Uuid.String(), j.SubmittedAt.UTC().Format(time.RFC3339), j.Rows, j.State, j.Error)

	if err != nil {
		return fmt.Errorf("Failed to insert job:\n%w", err)
	}
	return nil
}

func (r *JobRepository) SetState(tx *sql.Tx, u uuid.UUID, state string, jobError string) error {
	res, err := tx.Exec(`
	  UPDATE print_queue
		SET state = ?, error = ?
		WHERE uuid = ?`, state, jobError, u.String())

	if err != nil {
		return fmt.Errorf("Failed to update job:\n%w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("No job with uuid %v", u)
	}
	return nil
}

func (r *JobRepository) Get(u uuid.UUID) (*Job, error) {
	row := r.Db.QueryRow(`
	  SELECT submitted_at, rows, state, error
		FROM print_queue
		WHERE uuid = ?`, u.String())

	j := Job{Uuid: u}
	var submitted string
	if err := row.Scan(&submitted, &j.Rows, &j.State, &j.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		} else {
			return nil, fmt.Errorf("Failed to read job:\n%w", err)
		}
	}

	t, err := time.Parse(time.RFC3339, submitted)
	if err != nil {
		return nil, fmt.Errorf("Bad timestamp on job %v:\n%w", u, err)
	}
	j.SubmittedAt = t

	return &j, nil
}

func (r *JobRepository) List(limit int) ([]Job, error) {
	rows, err := r.Db.Query(`
	  SELECT uuid, submitted_at, rows, state, error
		FROM print_queue
		ORDER BY submitted_at DESC
		LIMIT ?`, limit)

	if err != nil {
		return nil, fmt.Errorf("Query execution failed:\n%w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		j := Job{}
		var uuidString, submitted string
		if err := rows.Scan(&uuidString, &submitted, &j.Rows, &j.State, &j.Error); err != nil {
			return nil, fmt.Errorf("Row scanning failed:\n%w", err)
		}
		j.Uuid = uuid.MustParse(uuidString)
		if j.SubmittedAt, err = time.Parse(time.RFC3339, submitted); err != nil {
			return nil, fmt.Errorf("Bad timestamp on job %v:\n%w", j.Uuid, err)
		}
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Error iterating rows:\n%w", err)
	}

	return jobs, nil
}

func (r *JobRepository) Transact(f func(*sql.Tx) error) error {
	tx, err := r.Db.Begin()
	if err != nil {
		return err
	}

	err = f(tx)
	if err != nil {
		err2 := tx.Rollback()
		if err2 != nil {
			return fmt.Errorf("Failed to roll back transaction: %w\n\nAfter handling: %v", err2, err)
		}
		return err
	} else {
		err2 := tx.Commit()
		if err2 != nil {
			return fmt.Errorf("Failed to commit transaction:\n%w", err2)
		}
		return nil
	}
}
