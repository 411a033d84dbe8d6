package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"fleetpush/internal/fleet"
)

// ErrJobNotFound is returned when a job id matches no row.
var ErrJobNotFound = errors.New("job not found")

// Repository persists jobs and resolves dispatch targets. Target
// devices are looked up at dispatch time from current site/segment
// membership, so a job targets whatever is enrolled when it runs, not
// when it was created.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// CreateJob inserts a new job row.
func (r *Repository) CreateJob(ctx context.Context, job *fleet.Job) error {
	query := `
		INSERT INTO jobs (
			id, action, priority, site_id, segment, payload,
			title, body, ttl_seconds, collapse_key, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		job.ID,
		job.Action,
		job.Priority,
		job.SiteID,
		job.Segment,
		job.Payload,
		job.Title,
		job.Body,
		job.TTLSeconds,
		nullable(job.CollapseKey),
		job.Status,
	).Scan(&job.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create job",
			zap.Error(err),
			zap.String("job_id", job.ID),
		)
		return fmt.Errorf("insert job: %w", err)
	}

	r.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("action", job.Action),
		zap.String("site_id", job.SiteID),
	)
	return nil
}

// GetJob retrieves a job by id.
func (r *Repository) GetJob(ctx context.Context, id string) (*fleet.Job, error) {
	query := `
		SELECT
			id, action, priority, site_id, segment, payload,
			title, body, ttl_seconds, collapse_key, status,
			error_message, result, created_at, started_at, completed_at
		FROM jobs
		WHERE id = $1
	`

	var (
		job         fleet.Job
		collapseKey *string
		errMsg      *string
		resultRaw   []byte
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.Action,
		&job.Priority,
		&job.SiteID,
		&job.Segment,
		&job.Payload,
		&job.Title,
		&job.Body,
		&job.TTLSeconds,
		&collapseKey,
		&job.Status,
		&errMsg,
		&resultRaw,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get job",
			zap.Error(err),
			zap.String("job_id", id),
		)
		return nil, fmt.Errorf("query job: %w", err)
	}

	if collapseKey != nil {
		job.CollapseKey = *collapseKey
	}
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	if len(resultRaw) > 0 {
		var result fleet.JobResult
		if err := json.Unmarshal(resultRaw, &result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		job.Result = &result
	}

	return &job, nil
}

// UpdateJobStatus transitions a job and records its aggregate result.
// Started/completed timestamps are set by the transition itself.
func (r *Repository) UpdateJobStatus(ctx context.Context, id string, status fleet.JobStatus, result *fleet.JobResult, errorMessage string) error {
	var resultRaw []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
		resultRaw = b
	}

	query := `
		UPDATE jobs
		SET status = $1,
		    result = $2,
		    error_message = $3,
		    started_at = CASE WHEN $1 = 'sent' THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $1 IN ('acknowledged', 'failed') THEN NOW() ELSE completed_at END
		WHERE id = $4
	`

	tag, err := r.db.Pool().Exec(ctx, query, status, resultRaw, nullable(errorMessage), id)
	if err != nil {
		r.logger.Error("failed to update job status",
			zap.Error(err),
			zap.String("job_id", id),
			zap.String("status", string(status)),
		)
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	return nil
}

// FindDevices resolves the dispatch targets for a (site, segment)
// pair. An empty segment matches every device at the site.
func (r *Repository) FindDevices(ctx context.Context, siteID, segment string) ([]fleet.DeviceRef, error) {
	query := `
		SELECT device_id, site_id, device_type, platform, push_token
		FROM devices
		WHERE site_id = $1
		  AND ($2 = '' OR segment = $2)
		  AND active
		ORDER BY device_id
	`

	rows, err := r.db.Pool().Query(ctx, query, siteID, segment)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []fleet.DeviceRef
	for rows.Next() {
		var dev fleet.DeviceRef
		if err := rows.Scan(&dev.DeviceID, &dev.SiteID, &dev.DeviceType, &dev.Platform, &dev.PushToken); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	return devices, nil
}

// ListJobsBySite retrieves recent jobs for a site with pagination.
func (r *Repository) ListJobsBySite(ctx context.Context, siteID string, limit, offset int) ([]*fleet.Job, error) {
	query := `
		SELECT id, action, priority, site_id, segment, status,
		       error_message, created_at, started_at, completed_at
		FROM jobs
		WHERE site_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, siteID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*fleet.Job
	for rows.Next() {
		var (
			job    fleet.Job
			errMsg *string
		)
		err := rows.Scan(
			&job.ID,
			&job.Action,
			&job.Priority,
			&job.SiteID,
			&job.Segment,
			&job.Status,
			&errMsg,
			&job.CreatedAt,
			&job.StartedAt,
			&job.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if errMsg != nil {
			job.ErrorMessage = *errMsg
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, nil
}

// FindPendingJobs returns jobs never dispatched, oldest first. Used at
// startup to requeue work that was submitted but not picked up before
// the previous process exited.
func (r *Repository) FindPendingJobs(ctx context.Context, limit int) ([]*fleet.Job, error) {
	query := `
		SELECT id, action, priority, site_id, segment, payload,
		       title, body, ttl_seconds, collapse_key, status, created_at
		FROM jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*fleet.Job
	for rows.Next() {
		var (
			job         fleet.Job
			collapseKey *string
		)
		err := rows.Scan(
			&job.ID,
			&job.Action,
			&job.Priority,
			&job.SiteID,
			&job.Segment,
			&job.Payload,
			&job.Title,
			&job.Body,
			&job.TTLSeconds,
			&collapseKey,
			&job.Status,
			&job.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		if collapseKey != nil {
			job.CollapseKey = *collapseKey
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}

	return jobs, nil
}

// nullable maps the empty string to NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
