package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"plate-solver-service/internal/domain"
	"plate-solver-service/internal/domain/model"
	"plate-solver-service/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*JobRepo)(nil)

// JobRepo stores one hash per job under job:{id}. The retention TTL is armed
// once at creation; status transitions never touch it, so records expire a
// fixed window after submission regardless of outcome.
type JobRepo struct {
	client *Client
}

func NewJobRepo(client *Client) *JobRepo {
	return &JobRepo{client: client}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func (r *JobRepo) Create(ctx context.Context, job *model.Job, retention time.Duration) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	key := jobKey(job.ID)
	fields := map[string]interface{}{
		"id":         job.ID,
		"status":     string(job.Status),
		"created_at": job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"filename":   job.Filename,
		"image_path": job.ImagePath,
		"options":    string(opts),
	}
	if err := r.client.HSet(ctx, key, fields); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, retention)
}

func (r *JobRepo) Find(ctx context.Context, id string) (*model.Job, error) {
	data, err := r.client.HGetAll(ctx, jobKey(id))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, domain.ErrNotFound
	}
	return unmarshalJob(data)
}

func (r *JobRepo) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	return r.client.HSet(ctx, jobKey(id), map[string]interface{}{
		"status":     string(model.JobStatusProcessing),
		"started_at": startedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (r *JobRepo) Finalize(ctx context.Context, id string, status model.JobStatus, completedAt time.Time, result *model.SolveResult) error {
	res, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	// Single HSET so the terminal status, timestamp and payload land together.
	return r.client.HSet(ctx, jobKey(id), map[string]interface{}{
		"status":       string(status),
		"completed_at": completedAt.UTC().Format(time.RFC3339Nano),
		"result":       string(res),
	})
}

func (r *JobRepo) SetStatus(ctx context.Context, id string, status model.JobStatus) error {
	return r.client.HSet(ctx, jobKey(id), map[string]interface{}{
		"status": string(status),
	})
}

func unmarshalJob(data map[string]string) (*model.Job, error) {
	job := &model.Job{
		ID:        data["id"],
		Status:    model.JobStatus(data["status"]),
		Filename:  data["filename"],
		ImagePath: data["image_path"],
	}
	if v := data["created_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		job.CreatedAt = t
	}
	if v := data["started_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		job.StartedAt = &t
	}
	if v := data["completed_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		job.CompletedAt = &t
	}
	if v := data["options"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if v := data["result"]; v != "" {
		var res model.SolveResult
		if err := json.Unmarshal([]byte(v), &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &res
	}
	return job, nil
}
