package db

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/deckgen/pipeline/internal/jobs"
)

// Store is the PostgreSQL JobStore. Jobs live in the jobs table, their
// stages in job_stages, written together in one transaction.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateJob(job *jobs.Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO jobs (id, source_filename, source_file_path, page_start, page_end,
			card_density, subject, custom_tags, status, progress, current_stage,
			result_deck_id, error, retry_count, max_retries, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = tx.Exec(query,
		job.ID, job.SourceFilename, job.SourceFilePath, job.PageStart, job.PageEnd,
		job.CardDensity, nullString(job.Subject), pq.Array(job.CustomTags),
		job.Status, job.Progress, job.CurrentStage,
		nullString(job.ResultDeckID), nullString(job.Error),
		job.RetryCount, job.MaxRetries, job.CreatedAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	stageQuery := `
		INSERT INTO job_stages (job_id, stage, name, status, start_time, end_time, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, st := range job.Stages {
		_, err = tx.Exec(stageQuery,
			job.ID, st.Stage, st.Name, st.Status, st.StartTime, st.EndTime, nullString(st.Error))
		if err != nil {
			return fmt.Errorf("failed to create stage %d: %w", st.Stage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job creation: %w", err)
	}
	return nil
}

func (s *Store) GetJob(id string) (*jobs.Job, error) {
	query := `
		SELECT id, source_filename, source_file_path, page_start, page_end,
			card_density, subject, custom_tags, status, progress, current_stage,
			result_deck_id, error, retry_count, max_retries, created_at, updated_at, completed_at
		FROM jobs WHERE id = $1
	`
	job, err := scanJob(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if err := s.loadStages(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) UpdateJob(job *jobs.Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE jobs
		SET status = $2, progress = $3, current_stage = $4, result_deck_id = $5,
			error = $6, retry_count = $7, updated_at = $8, completed_at = $9
		WHERE id = $1
	`
	res, err := tx.Exec(query,
		job.ID, job.Status, job.Progress, job.CurrentStage,
		nullString(job.ResultDeckID), nullString(job.Error),
		job.RetryCount, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrNotFound, job.ID)
	}

	stageQuery := `
		UPDATE job_stages
		SET status = $3, start_time = $4, end_time = $5, error = $6
		WHERE job_id = $1 AND stage = $2
	`
	for _, st := range job.Stages {
		_, err = tx.Exec(stageQuery,
			job.ID, st.Stage, st.Status, st.StartTime, st.EndTime, nullString(st.Error))
		if err != nil {
			return fmt.Errorf("failed to update stage %d: %w", st.Stage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job update: %w", err)
	}
	return nil
}

func (s *Store) ListJobs(filter jobs.ListFilter) ([]*jobs.Job, int, error) {
	where := ""
	args := []any{}
	if filter.Status != "" {
		where = "WHERE status = $1"
		args = append(args, filter.Status)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM jobs " + where
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, source_filename, source_file_path, page_start, page_end,
			card_density, subject, custom_tags, status, progress, current_stage,
			result_deck_id, error, retry_count, max_retries, created_at, updated_at, completed_at
		FROM jobs %s ORDER BY %s
	`, where, orderClause(filter.SortBy, filter.SortOrder))

	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.PageSize, (page-1)*filter.PageSize)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	list := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		list = append(list, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating rows: %w", err)
	}

	for _, job := range list {
		if err := s.loadStages(job); err != nil {
			return nil, 0, err
		}
	}
	return list, total, nil
}

func (s *Store) DeleteJob(id string) error {
	result, err := s.db.Exec(`DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	return nil
}

func (s *Store) DeleteJobs(ids []string) error {
	result, err := s.db.Exec(`DELETE FROM jobs WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if int(n) != len(ids) {
		return fmt.Errorf("%w: deleted %d of %d", jobs.ErrNotFound, n, len(ids))
	}
	return nil
}

func (s *Store) loadStages(job *jobs.Job) error {
	query := `
		SELECT stage, name, status, start_time, end_time, error
		FROM job_stages WHERE job_id = $1 ORDER BY stage ASC
	`
	rows, err := s.db.Query(query, job.ID)
	if err != nil {
		return fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	job.Stages = job.Stages[:0]
	for rows.Next() {
		var st jobs.Stage
		var startTime, endTime sql.NullTime
		var stageErr sql.NullString
		if err := rows.Scan(&st.Stage, &st.Name, &st.Status, &startTime, &endTime, &stageErr); err != nil {
			return fmt.Errorf("failed to scan stage: %w", err)
		}
		if startTime.Valid {
			st.StartTime = &startTime.Time
		}
		if endTime.Valid {
			st.EndTime = &endTime.Time
		}
		st.Error = stageErr.String
		job.Stages = append(job.Stages, st)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	job := &jobs.Job{}
	var pageStart, pageEnd sql.NullInt64
	var subject, resultDeckID, jobErr sql.NullString
	var tags pq.StringArray
	var completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.SourceFilename, &job.SourceFilePath, &pageStart, &pageEnd,
		&job.CardDensity, &subject, &tags, &job.Status, &job.Progress, &job.CurrentStage,
		&resultDeckID, &jobErr, &job.RetryCount, &job.MaxRetries,
		&job.CreatedAt, &job.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if pageStart.Valid {
		v := int(pageStart.Int64)
		job.PageStart = &v
	}
	if pageEnd.Valid {
		v := int(pageEnd.Int64)
		job.PageEnd = &v
	}
	job.Subject = subject.String
	job.ResultDeckID = resultDeckID.String
	job.Error = jobErr.String
	job.CustomTags = tags
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func orderClause(sortBy, sortOrder string) string {
	col := "created_at"
	switch sortBy {
	case jobs.SortByStatus:
		col = "status"
	case jobs.SortByName:
		col = "source_filename"
	}
	dir := "DESC"
	if sortOrder == jobs.SortAsc {
		dir = "ASC"
	}
	if col != "created_at" {
		return col + " " + dir + ", created_at DESC"
	}
	return col + " " + dir
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
