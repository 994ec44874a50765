package hipaa

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/clinvault/internal/platform/auth"
)

const ActionDecryptFailure = "DECRYPT_FAILURE"

// AuditRecord is one entry in the audit_log table.
type AuditRecord struct {
	ID            uuid.UUID      `json:"id"`
	ActorID       string         `json:"actor_id,omitempty"`
	ActorIP       string         `json:"actor_ip,omitempty"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	ResourceID    string         `json:"resource_id"`
	PatientID     string         `json:"patient_id,omitempty"`
	Success       bool           `json:"success"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	RecordedAt    time.Time      `json:"recorded_at"`
}

// AuditSink receives audit records. Log is fire-and-forget: callers never
// see a write failure.
type AuditSink interface {
	Log(ctx context.Context, rec AuditRecord)
}

// AuditFunc adapts a function to AuditSink.
type AuditFunc func(ctx context.Context, rec AuditRecord)

func (f AuditFunc) Log(ctx context.Context, rec AuditRecord) { f(ctx, rec) }

// NopAuditSink discards every record.
var NopAuditSink AuditSink = AuditFunc(func(context.Context, AuditRecord) {})

// AuditLogger writes audit records to the audit_log table. Failed writes are
// logged and dropped.
type AuditLogger struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewAuditLogger creates a new AuditLogger backed by the given connection pool.
func NewAuditLogger(pool *pgxpool.Pool, logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{pool: pool, logger: logger.With().Str("component", "audit").Logger()}
}

// complete fills identity and timestamps that the caller left empty.
func complete(ctx context.Context, rec *AuditRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if rec.ActorID == "" {
		rec.ActorID = auth.UserIDFromContext(ctx)
	}
	if rec.ActorIP == "" {
		rec.ActorIP = auth.ClientIPFromContext(ctx)
	}
}

// Log records rec. It writes through the pool rather than any transaction
// on ctx so the entry survives a rollback of the audited operation.
func (a *AuditLogger) Log(ctx context.Context, rec AuditRecord) {
	complete(ctx, &rec)

	var details []byte
	if len(rec.Details) > 0 {
		var err error
		if details, err = json.Marshal(rec.Details); err != nil {
			a.logger.Error().Err(err).Str("action", rec.Action).Msg("audit details not serializable")
			details = nil
		}
	}

	const query = `
		INSERT INTO audit_log (
			id, actor_id, actor_ip, action, resource, resource_id, patient_id,
			success, failure_reason, details, recorded_at
		) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), $10, $11)`

	_, err := a.pool.Exec(context.WithoutCancel(ctx), query,
		rec.ID, rec.ActorID, rec.ActorIP, rec.Action, rec.Resource, rec.ResourceID, rec.PatientID,
		rec.Success, rec.FailureReason, details, rec.RecordedAt)
	if err != nil {
		a.logger.Error().Err(err).
			Str("action", rec.Action).
			Str("resource", rec.Resource).
			Str("resource_id", rec.ResourceID).
			Msg("audit write failed")
		return
	}

	ev := a.logger.Debug()
	if !rec.Success {
		ev = a.logger.Info().Str("failure_reason", rec.FailureReason)
	}
	ev.Str("action", rec.Action).
		Str("resource", rec.Resource).
		Str("resource_id", rec.ResourceID).
		Bool("success", rec.Success).
		Msg("audit")
}
