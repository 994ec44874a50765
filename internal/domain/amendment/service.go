// Package amendment runs the post-signature correction workflow for
// clinical sessions: addenda are appended, signed by their author and
// promote the session to AMENDED; supervisors may void a session.
package amendment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinvault/internal/domain/legal"
	"github.com/ehr/clinvault/internal/platform/db"
	"github.com/ehr/clinvault/internal/platform/events"
	"github.com/ehr/clinvault/internal/platform/hipaa"
	"github.com/ehr/clinvault/internal/platform/keys"
)

// Audit actions.
const (
	ActionCreateAddendum  = "ADDENDUM_CREATE"
	ActionSignAddendum    = "ADDENDUM_SIGN"
	ActionUpdateAddendum  = "ADDENDUM_UPDATE"
	ActionDiscardAddendum = "ADDENDUM_DISCARD"
	ActionReadAddendums   = "ADDENDUM_READ"
	ActionReEncrypt       = "ADDENDUM_REENCRYPT"
	ActionSubmitSession   = "SESSION_SUBMIT"
	ActionSignSession     = "SESSION_SIGN"
	ActionVoidSession     = "SESSION_VOID"
)

// Workflow event types. Every event is published on TopicSessions.
const (
	EventAddendumCreated   = "addendum.created"
	EventAddendumSigned    = "addendum.signed"
	EventAddendumUpdated   = "addendum.updated"
	EventAddendumDiscarded = "addendum.discarded"
	EventSessionSubmitted  = "session.submitted"
	EventSessionSigned     = "session.signed"
	EventSessionVoided     = "session.voided"

	TopicSessions = "clinical-session"
)

const (
	resourceSession  = "clinical_session"
	resourceAddendum = "session_addendum"
)

// Encryptor protects addendum content. *hipaa.Engine satisfies it.
type Encryptor interface {
	Encrypt(ctx context.Context, content any, purpose keys.Purpose) (*hipaa.EncryptedPayload, error)
	Decrypt(ctx context.Context, p *hipaa.EncryptedPayload, contextID string, out any) error
	ReEncrypt(ctx context.Context, p *hipaa.EncryptedPayload, purpose keys.Purpose, contextID string) (*hipaa.EncryptedPayload, error)
	ActiveKeyID(ctx context.Context, purpose keys.Purpose) (string, error)
}

type Service struct {
	sessions  SessionRepository
	addendums AddendumRepository
	tx        db.Transactor
	crypto    Encryptor
	audit     hipaa.AuditSink
	events    events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the workflow. audit and pub may be nil.
func NewService(sessions SessionRepository, addendums AddendumRepository, tx db.Transactor,
	crypto Encryptor, audit hipaa.AuditSink, pub events.Publisher, logger zerolog.Logger) *Service {
	if audit == nil {
		audit = hipaa.NopAuditSink
	}
	return &Service{
		sessions:  sessions,
		addendums: addendums,
		tx:        tx,
		crypto:    crypto,
		audit:     audit,
		events:    pub,
		logger:    logger.With().Str("component", "amendment").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// timestamp returns the current time at the precision Postgres stores.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// badRequest wraps a state-machine rejection so that both ErrBadRequest and
// the legal sentinel match.
func badRequest(err error) error {
	return fmt.Errorf("%w: %w", ErrBadRequest, err)
}

// requireTransition rejects moving sess to to. Unlike
// legal.ValidateTransition it does not treat staying in a terminal state as
// a no-op.
func requireTransition(sess *Session, to legal.Status) error {
	if legal.IsTerminal(sess.LegalStatus) {
		return badRequest(&legal.Error{Code: legal.ErrFinalState, SessionID: sess.ID.String(), From: sess.LegalStatus, To: to})
	}
	if err := legal.ValidateTransition(sess.LegalStatus, to, sess.ID.String()); err != nil {
		return badRequest(err)
	}
	return nil
}

func requireCareTeam(sess *Session, actor Actor) error {
	if actor.ID == "" {
		return fmt.Errorf("%w: no authenticated actor", ErrForbidden)
	}
	if actor.ID != sess.TherapistID && !actor.IsSupervisor() {
		return fmt.Errorf("%w: %s is neither the session therapist nor a supervisor", ErrForbidden, actor.ID)
	}
	return nil
}

func validateContent(content json.RawMessage) error {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("%w: content is required", ErrBadRequest)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: content is not valid JSON", ErrBadRequest)
	}
	return nil
}

func (s *Service) loadSession(ctx context.Context, id uuid.UUID, forUpdate bool) (*Session, error) {
	var (
		sess *Session
		err  error
	)
	if forUpdate {
		sess, err = s.sessions.GetByIDForUpdate(ctx, id)
	} else {
		sess, err = s.sessions.GetByID(ctx, id)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return sess, nil
}

func (s *Service) loadAddendum(ctx context.Context, id uuid.UUID) (*Addendum, error) {
	a, err := s.addendums.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("addendum %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load addendum %s: %w", id, err)
	}
	return a, nil
}

// record writes the audit entry for an operation. A nil opErr marks it
// successful.
func (s *Service) record(ctx context.Context, actor Actor, action, resource, resourceID, patientID string, opErr error, details map[string]any) {
	rec := hipaa.AuditRecord{
		ActorID:    actor.ID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		PatientID:  patientID,
		Success:    opErr == nil,
		Details:    details,
	}
	if opErr != nil {
		rec.FailureReason = failureReason(opErr)
	}
	s.audit.Log(ctx, rec)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrBadRequest):
		return "BAD_REQUEST"
	}
	return "INTERNAL_ERROR"
}

func (s *Service) publish(ctx context.Context, actor Actor, eventType, resourceType, resourceID string, data any) {
	if s.events == nil {
		return
	}
	ev := events.NewEvent(eventType, TopicSessions, resourceType, resourceID, data)
	ev.ActorID = actor.ID
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Str("resource_id", resourceID).Msg("workflow event not published")
	}
}

// CreateAddendum appends an unsigned addendum to a signed or amended
// session. The session's legal status is left unchanged.
func (s *Service) CreateAddendum(ctx context.Context, sessionID uuid.UUID, reason string, content json.RawMessage, actor Actor) (result *CreateAddendumResult, err error) {
	var patientID string
	defer func() {
		s.record(ctx, actor, ActionCreateAddendum, resourceSession, sessionID.String(), patientID, err, map[string]any{"reason": reason})
	}()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrBadRequest)
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	sess, err := s.loadSession(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	patientID = sess.PatientID
	if err := requireTransition(sess, legal.StatusAmended); err != nil {
		return nil, err
	}
	if err := requireCareTeam(sess, actor); err != nil {
		return nil, err
	}

	// Sealing happens before the transaction so a first-use key creation is
	// never rolled back with the addendum.
	payload, err := s.crypto.Encrypt(ctx, content, keys.PurposeClinicalNotes)
	if err != nil {
		return nil, fmt.Errorf("encrypt addendum content: %w", err)
	}

	a := &Addendum{
		ID:        uuid.New(),
		SessionID: sessionID,
		Content:   payload,
		Reason:    reason,
		AuthorID:  actor.ID,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		locked, err := s.loadSession(ctx, sessionID, true)
		if err != nil {
			return err
		}
		if err := requireTransition(locked, legal.StatusAmended); err != nil {
			return err
		}
		last, err := s.addendums.MaxSequence(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("next addendum sequence: %w", err)
		}
		a.SequenceNumber = last + 1
		if err := s.addendums.Create(ctx, a); err != nil {
			return fmt.Errorf("insert addendum: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("session_id", sessionID.String()).
		Str("addendum_id", a.ID.String()).
		Int("sequence_number", a.SequenceNumber).
		Msg("addendum created")
	s.publish(ctx, actor, EventAddendumCreated, resourceAddendum, a.ID.String(), map[string]any{
		"session_id":      sessionID,
		"sequence_number": a.SequenceNumber,
	})
	return &CreateAddendumResult{AddendumID: a.ID, SequenceNumber: a.SequenceNumber}, nil
}

// SignatureHash is the hex SHA-256 of the addendum id, signer and signing
// time.
func SignatureHash(addendumID uuid.UUID, actorID string, signedAt time.Time) string {
	sum := sha256.Sum256([]byte(addendumID.String() + "|" + actorID + "|" + signedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// SignAddendum locks an addendum and promotes its session to AMENDED in one
// transaction. Only the author may sign.
func (s *Service) SignAddendum(ctx context.Context, addendumID uuid.UUID, actor Actor) (result *SignAddendumResult, err error) {
	var sessionID, patientID string
	defer func() {
		s.record(ctx, actor, ActionSignAddendum, resourceAddendum, addendumID.String(), patientID, err, map[string]any{"session_id": sessionID})
	}()

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.loadAddendum(ctx, addendumID)
		if err != nil {
			return err
		}
		sessionID = a.SessionID.String()
		if a.IsLocked || a.SignedAt != nil {
			return fmt.Errorf("%w: addendum %s is already signed", ErrBadRequest, addendumID)
		}
		if actor.ID == "" || actor.ID != a.AuthorID {
			return fmt.Errorf("%w: only the author may sign addendum %s", ErrForbidden, addendumID)
		}

		sess, err := s.loadSession(ctx, a.SessionID, true)
		if err != nil {
			return err
		}
		patientID = sess.PatientID
		if err := requireTransition(sess, legal.StatusAmended); err != nil {
			return err
		}

		signedAt := s.timestamp()
		hash := SignatureHash(a.ID, actor.ID, signedAt)
		if err := s.addendums.MarkSigned(ctx, a.ID, signedAt, hash); err != nil {
			return fmt.Errorf("lock addendum: %w", err)
		}

		amendedBy, amendReason := actor.ID, a.Reason
		sess.LegalStatus = legal.StatusAmended
		sess.IsLocked = true
		sess.AmendedAt = &signedAt
		sess.AmendedBy = &amendedBy
		sess.AmendReason = &amendReason
		if err := s.sessions.UpdateLegalStatus(ctx, sess); err != nil {
			return fmt.Errorf("amend session: %w", err)
		}

		result = &SignAddendumResult{
			SessionID:     sess.ID,
			NewStatus:     legal.StatusAmended,
			SignatureHash: hash,
			SignedAt:      signedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("addendum_id", addendumID.String()).
		Msg("addendum signed, session amended")
	s.publish(ctx, actor, EventAddendumSigned, resourceAddendum, addendumID.String(), result)
	return result, nil
}

// VoidSession moves a session to the terminal VOIDED status. Only
// supervisors may void.
func (s *Service) VoidSession(ctx context.Context, sessionID uuid.UUID, reason, justification string, actor Actor) (result *StatusResult, err error) {
	var patientID string
	defer func() {
		s.record(ctx, actor, ActionVoidSession, resourceSession, sessionID.String(), patientID, err, map[string]any{
			"reason":        reason,
			"justification": justification,
		})
	}()

	reason = strings.TrimSpace(reason)
	justification = strings.TrimSpace(justification)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrBadRequest)
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		sess, err := s.loadSession(ctx, sessionID, true)
		if err != nil {
			return err
		}
		patientID = sess.PatientID
		if err := requireTransition(sess, legal.StatusVoided); err != nil {
			return err
		}
		if !actor.IsSupervisor() {
			return fmt.Errorf("%w: voiding requires the supervisor role", ErrForbidden)
		}

		now := s.timestamp()
		voidedBy, voidReason := actor.ID, reason
		if justification != "" {
			voidReason = reason + " - " + justification
		}
		sess.LegalStatus = legal.StatusVoided
		sess.IsLocked = true
		sess.VoidedAt = &now
		sess.VoidedBy = &voidedBy
		sess.VoidReason = &voidReason
		if err := s.sessions.UpdateLegalStatus(ctx, sess); err != nil {
			return fmt.Errorf("void session: %w", err)
		}
		result = &StatusResult{SessionID: sess.ID, NewStatus: legal.StatusVoided, ChangedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("session_id", sessionID.String()).Str("voided_by", actor.ID).Msg("session voided")
	s.publish(ctx, actor, EventSessionVoided, resourceSession, sessionID.String(), result)
	return result, nil
}

// GetAddendums decrypts every addendum of a session. An addendum that fails
// to decrypt is returned masked with DecryptionError set.
func (s *Service) GetAddendums(ctx context.Context, sessionID uuid.UUID, actor Actor) (list *AddendumList, err error) {
	var patientID string
	failed := 0
	defer func() {
		s.record(ctx, actor, ActionReadAddendums, resourceSession, sessionID.String(), patientID, err, map[string]any{"decryption_failures": failed})
	}()

	sess, err := s.loadSession(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	patientID = sess.PatientID

	items, err := s.addendums.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list addendums: %w", err)
	}

	list = &AddendumList{
		SessionID:   sessionID,
		LegalStatus: sess.LegalStatus,
		Addendums:   make([]AddendumView, 0, len(items)),
	}
	for _, a := range items {
		view := AddendumView{
			ID:             a.ID,
			SequenceNumber: a.SequenceNumber,
			Reason:         a.Reason,
			AuthorID:       a.AuthorID,
			SignedAt:       a.SignedAt,
			IsLocked:       a.IsLocked,
			CreatedAt:      a.CreatedAt,
		}
		var content json.RawMessage
		if derr := s.crypto.Decrypt(ctx, a.Content, a.ID.String(), &content); derr != nil {
			failed++
			reason, _ := hipaa.ReasonOf(derr)
			view.Content = hipaa.Masked[json.RawMessage](string(reason))
			view.DecryptionError = true
		} else {
			view.Content = hipaa.Revealed(content)
		}
		list.Addendums = append(list.Addendums, view)
	}
	return list, nil
}

// SubmitForReview moves a DRAFT session to PENDING_REVIEW.
func (s *Service) SubmitForReview(ctx context.Context, sessionID uuid.UUID, actor Actor) (*StatusResult, error) {
	return s.changeStatus(ctx, sessionID, legal.StatusPendingReview, actor, ActionSubmitSession, EventSessionSubmitted)
}

// SignSession signs a DRAFT or PENDING_REVIEW session and locks it.
func (s *Service) SignSession(ctx context.Context, sessionID uuid.UUID, actor Actor) (*StatusResult, error) {
	return s.changeStatus(ctx, sessionID, legal.StatusSigned, actor, ActionSignSession, EventSessionSigned)
}

func (s *Service) changeStatus(ctx context.Context, sessionID uuid.UUID, to legal.Status, actor Actor, action, eventType string) (result *StatusResult, err error) {
	var patientID string
	changed := false
	defer func() {
		s.record(ctx, actor, action, resourceSession, sessionID.String(), patientID, err, map[string]any{"to": to})
	}()

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		sess, err := s.loadSession(ctx, sessionID, true)
		if err != nil {
			return err
		}
		patientID = sess.PatientID
		if err := requireTransition(sess, to); err != nil {
			return err
		}
		if err := requireCareTeam(sess, actor); err != nil {
			return err
		}
		if sess.LegalStatus == to {
			result = &StatusResult{SessionID: sess.ID, NewStatus: to, ChangedAt: sess.UpdatedAt}
			return nil
		}

		now := s.timestamp()
		sess.LegalStatus = to
		if to == legal.StatusSigned {
			signedBy := actor.ID
			sess.IsLocked = true
			sess.SignedAt = &now
			sess.SignedBy = &signedBy
		}
		if err := s.sessions.UpdateLegalStatus(ctx, sess); err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		changed = true
		result = &StatusResult{SessionID: sess.ID, NewStatus: to, ChangedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(ctx, actor, eventType, resourceSession, sessionID.String(), result)
	}
	return result, nil
}

func (s *Service) loadUnsignedOwn(ctx context.Context, addendumID uuid.UUID, actor Actor) (*Addendum, error) {
	a, err := s.loadAddendum(ctx, addendumID)
	if err != nil {
		return nil, err
	}
	if a.IsLocked || a.SignedAt != nil {
		return nil, fmt.Errorf("%w: addendum %s is signed and immutable", ErrBadRequest, addendumID)
	}
	if actor.ID == "" || actor.ID != a.AuthorID {
		return nil, fmt.Errorf("%w: only the author may change addendum %s", ErrForbidden, addendumID)
	}
	return a, nil
}

// UpdateAddendum replaces the reason and content of an unsigned addendum.
// Only the author may edit.
func (s *Service) UpdateAddendum(ctx context.Context, addendumID uuid.UUID, reason string, content json.RawMessage, actor Actor) (view *AddendumView, err error) {
	defer func() {
		s.record(ctx, actor, ActionUpdateAddendum, resourceAddendum, addendumID.String(), "", err, nil)
	}()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrBadRequest)
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}
	payload, err := s.crypto.Encrypt(ctx, content, keys.PurposeClinicalNotes)
	if err != nil {
		return nil, fmt.Errorf("encrypt addendum content: %w", err)
	}

	var a *Addendum
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		own, err := s.loadUnsignedOwn(ctx, addendumID, actor)
		if err != nil {
			return err
		}
		sess, err := s.loadSession(ctx, own.SessionID, true)
		if err != nil {
			return err
		}
		if err := requireTransition(sess, legal.StatusAmended); err != nil {
			return err
		}
		own.Reason = reason
		own.Content = payload
		if err := s.addendums.Update(ctx, own); err != nil {
			return fmt.Errorf("update addendum: %w", err)
		}
		a = own
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, actor, EventAddendumUpdated, resourceAddendum, addendumID.String(), map[string]any{"session_id": a.SessionID})
	return &AddendumView{
		ID:             a.ID,
		SequenceNumber: a.SequenceNumber,
		Reason:         a.Reason,
		AuthorID:       a.AuthorID,
		CreatedAt:      a.CreatedAt,
		Content:        hipaa.Revealed(content),
	}, nil
}

// DiscardAddendum marks an unsigned addendum discarded. Its sequence number
// stays taken. Only the author may discard.
func (s *Service) DiscardAddendum(ctx context.Context, addendumID uuid.UUID, actor Actor) (err error) {
	defer func() {
		s.record(ctx, actor, ActionDiscardAddendum, resourceAddendum, addendumID.String(), "", err, nil)
	}()

	var sessionID uuid.UUID
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.loadUnsignedOwn(ctx, addendumID, actor)
		if err != nil {
			return err
		}
		sessionID = a.SessionID
		// Serializes with a concurrent sign of the same addendum.
		if _, err := s.loadSession(ctx, a.SessionID, true); err != nil {
			return err
		}
		if err := s.addendums.Discard(ctx, addendumID, s.timestamp()); err != nil {
			return fmt.Errorf("discard addendum %s: %w", addendumID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, actor, EventAddendumDiscarded, resourceAddendum, addendumID.String(), map[string]any{"session_id": sessionID})
	return nil
}

// CheckCanUpdate reports whether ordinary edits to the session are allowed.
func (s *Service) CheckCanUpdate(ctx context.Context, sessionID uuid.UUID) error {
	sess, err := s.loadSession(ctx, sessionID, false)
	if err != nil {
		return err
	}
	if err := legal.ValidateCanUpdate(sess.LegalStatus, sess.IsLocked, sess.ID.String()); err != nil {
		return badRequest(err)
	}
	return nil
}

// CheckCanDelete reports whether the session may be deleted.
func (s *Service) CheckCanDelete(ctx context.Context, sessionID uuid.UUID) error {
	sess, err := s.loadSession(ctx, sessionID, false)
	if err != nil {
		return err
	}
	if err := legal.ValidateCanDelete(sess.HasLegalHold, sess.ID.String()); err != nil {
		return badRequest(err)
	}
	return nil
}

// ReEncryptAddendums migrates up to limit addenda sealed under a retired
// clinical-notes key to the active key, starting after the cursor. Only the
// sealed content is written, and only if it is unchanged since it was read.
// Addenda that fail or were changed concurrently are left for a later sweep.
// Callers pass res.Next back in and stop when Scanned is zero.
func (s *Service) ReEncryptAddendums(ctx context.Context, after *ReEncryptCursor, limit int) (*ReEncryptResult, error) {
	if limit <= 0 {
		limit = 100
	}
	active, err := s.crypto.ActiveKeyID(ctx, keys.PurposeClinicalNotes)
	if err != nil {
		return nil, fmt.Errorf("resolve active clinical key: %w", err)
	}
	items, err := s.addendums.ListNotUnderKey(ctx, active, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list addendums to re-encrypt: %w", err)
	}

	res := &ReEncryptResult{Scanned: len(items)}
	for _, a := range items {
		res.Next = &ReEncryptCursor{CreatedAt: a.CreatedAt, ID: a.ID}
		log := s.logger.With().Str("addendum_id", a.ID.String()).Str("from_key", a.Content.KeyID).Logger()

		fresh, err := s.crypto.ReEncrypt(ctx, a.Content, keys.PurposeClinicalNotes, a.ID.String())
		if err == nil {
			err = s.addendums.UpdateContent(ctx, a.ID, a.Content, fresh)
		}
		switch {
		case err == nil:
			res.Migrated++
			log.Debug().Str("to_key", fresh.KeyID).Msg("addendum re-encrypted")
		case errors.Is(err, ErrContentChanged):
			res.Skipped++
			log.Info().Msg("addendum changed during re-encryption, skipped")
		default:
			res.Failed++
			log.Error().Err(err).Msg("addendum re-encryption failed")
		}
	}

	details := map[string]any{
		"active_key_id": active,
		"scanned":       res.Scanned,
		"migrated":      res.Migrated,
		"skipped":       res.Skipped,
		"failed":        res.Failed,
	}
	if after != nil {
		details["after"] = after.String()
	}
	s.audit.Log(ctx, hipaa.AuditRecord{
		Action:   ActionReEncrypt,
		Resource: resourceAddendum,
		Success:  res.Failed == 0,
		Details:  details,
	})
	return res, nil
}
