package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sitepulse/scheduler/internal/domain"
)

// PostgresRepository implements the alert, run, failed-task and channel
// contracts against the relational store.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO alerts (
			id,
			job_id,
			job_run_id,
			source_url,
			title,
			content,
			relevance_score,
			is_sent,
			is_acknowledged,
			acknowledgment_token,
			repeat_count,
			next_repeat_at,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		alert.ID,
		alert.JobID,
		alert.RunID,
		alert.SourceURL,
		alert.Title,
		alert.Content,
		alert.RelevanceScore,
		alert.IsSent,
		alert.IsAcknowledged,
		alert.AcknowledgmentToken,
		alert.RepeatCount,
		alert.NextRepeatAt,
		alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", classify(err))
	}
	return nil
}

func (r *PostgresRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	var alert domain.Alert
	err := r.pool.QueryRow(ctx, `
		SELECT id, job_id, job_run_id, source_url, title, content, relevance_score,
			is_sent, is_acknowledged, acknowledged_at, COALESCE(acknowledged_by, ''),
			COALESCE(acknowledgment_token, ''), repeat_count, next_repeat_at, created_at
		FROM alerts
		WHERE id = $1
	`, alertID).Scan(
		&alert.ID,
		&alert.JobID,
		&alert.RunID,
		&alert.SourceURL,
		&alert.Title,
		&alert.Content,
		&alert.RelevanceScore,
		&alert.IsSent,
		&alert.IsAcknowledged,
		&alert.AcknowledgedAt,
		&alert.AcknowledgedBy,
		&alert.AcknowledgmentToken,
		&alert.RepeatCount,
		&alert.NextRepeatAt,
		&alert.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query alert: %w", classify(err))
	}
	return &alert, nil
}

func (r *PostgresRepository) SetAcknowledgmentToken(ctx context.Context, alertID, token string) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE alerts SET acknowledgment_token = $2 WHERE id = $1
	`, alertID, token)
	if err != nil {
		return fmt.Errorf("set acknowledgment token: %w", classify(err))
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkSent(ctx context.Context, alertID string) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE alerts SET is_sent = true WHERE id = $1
	`, alertID)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", classify(err))
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListRepeatCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Alert, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, job_run_id, source_url, title, content, relevance_score,
			is_sent, is_acknowledged, acknowledged_at, COALESCE(acknowledged_by, ''),
			COALESCE(acknowledgment_token, ''), repeat_count, next_repeat_at, created_at
		FROM alerts
		WHERE is_acknowledged = false
			AND is_sent = true
			AND (next_repeat_at IS NULL OR next_repeat_at <= $1)
		ORDER BY created_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list repeat candidates: %w", classify(err))
	}
	defer rows.Close()

	alerts := make([]domain.Alert, 0)
	for rows.Next() {
		var alert domain.Alert
		if err := rows.Scan(
			&alert.ID,
			&alert.JobID,
			&alert.RunID,
			&alert.SourceURL,
			&alert.Title,
			&alert.Content,
			&alert.RelevanceScore,
			&alert.IsSent,
			&alert.IsAcknowledged,
			&alert.AcknowledgedAt,
			&alert.AcknowledgedBy,
			&alert.AcknowledgmentToken,
			&alert.RepeatCount,
			&alert.NextRepeatAt,
			&alert.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan repeat candidate: %w", classify(err))
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate repeat candidates: %w", classify(rows.Err()))
	}
	return alerts, nil
}

func (r *PostgresRepository) ClaimRepeat(ctx context.Context, alertID string, previousCount int, nextRepeatAt time.Time) (bool, error) {
	command, err := r.pool.Exec(ctx, `
		UPDATE alerts
		SET repeat_count = $2 + 1,
			next_repeat_at = $3
		WHERE id = $1
			AND repeat_count = $2
			AND is_acknowledged = false
	`, alertID, previousCount, nextRepeatAt)
	if err != nil {
		return false, fmt.Errorf("claim repeat: %w", classify(err))
	}
	return command.RowsAffected() == 1, nil
}

func (r *PostgresRepository) CreateRun(ctx context.Context, run *domain.JobRun) error {
	summary, err := json.Marshal(run.AnalysisSummary)
	if err != nil {
		return fmt.Errorf("encode analysis summary: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO job_runs (
			id,
			job_id,
			started_at,
			completed_at,
			status,
			sources_processed,
			alerts_generated,
			analysis_summary,
			error_message
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		run.ID,
		run.JobID,
		run.StartedAt,
		run.CompletedAt,
		string(run.Status),
		run.SourcesProcessed,
		run.AlertsGenerated,
		summary,
		run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert job run: %w", classify(err))
	}
	return nil
}

func (r *PostgresRepository) FinalizeRun(ctx context.Context, run *domain.JobRun) error {
	summary, err := json.Marshal(run.AnalysisSummary)
	if err != nil {
		return fmt.Errorf("encode analysis summary: %w", err)
	}
	command, err := r.pool.Exec(ctx, `
		UPDATE job_runs
		SET status = $2,
			completed_at = $3,
			sources_processed = $4,
			alerts_generated = $5,
			analysis_summary = $6,
			error_message = $7
		WHERE id = $1 AND status = 'running'
	`,
		run.ID,
		string(run.Status),
		run.CompletedAt,
		run.SourcesProcessed,
		run.AlertsGenerated,
		summary,
		run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("finalize job run: %w", classify(err))
	}
	if command.RowsAffected() == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

func (r *PostgresRepository) RecordFailedTask(ctx context.Context, failed FailedTask) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO failed_job_log (
			job_run_id,
			job_id,
			job_name,
			source_url,
			stage,
			error_message,
			failed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		failed.RunID,
		failed.JobID,
		failed.JobName,
		failed.SourceURL,
		string(failed.Stage),
		failed.ErrorMessage,
		failed.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("insert failed task: %w", classify(err))
	}
	return nil
}

func (r *PostgresRepository) ListActiveChannels(ctx context.Context, userID string) ([]domain.NotificationChannel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, channel_type, config, is_active
		FROM notification_channels
		WHERE user_id = $1 AND is_active = true
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", classify(err))
	}
	defer rows.Close()

	channels := make([]domain.NotificationChannel, 0)
	for rows.Next() {
		var (
			channel     domain.NotificationChannel
			channelType string
			config      []byte
		)
		if err := rows.Scan(&channel.ID, &channel.UserID, &channelType, &config, &channel.IsActive); err != nil {
			return nil, fmt.Errorf("scan channel: %w", classify(err))
		}
		channel.Type = domain.ChannelType(channelType)
		channel.Config = json.RawMessage(config)
		channels = append(channels, channel)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate channels: %w", classify(rows.Err()))
	}
	return channels, nil
}

// classify folds undefined-column and undefined-table answers into
// ErrSchemaMismatch so loops can stop instead of retrying forever.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "42703" || pgErr.Code == "42P01" {
			return fmt.Errorf("%w: %s", ErrSchemaMismatch, pgErr.Message)
		}
	}
	return err
}
