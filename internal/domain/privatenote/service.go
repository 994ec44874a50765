// Package privatenote stores a therapist's private session notes. Notes are
// sealed under a key derived from the owner's id, so only the owner can
// read them.
package privatenote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinvault/internal/platform/hipaa"
)

const (
	ActionCreate = "PRIVATE_NOTE_CREATE"
	ActionRead   = "PRIVATE_NOTE_READ"
	ActionList   = "PRIVATE_NOTE_LIST"
	ActionUpdate = "PRIVATE_NOTE_UPDATE"
	ActionDelete = "PRIVATE_NOTE_DELETE"

	resourceNote = "private_note"
)

// MaxTextLength bounds a note's plaintext in bytes.
const MaxTextLength = 64 << 10

// NoteCipher seals notes under the owner's personal key. *hipaa.Engine
// satisfies it.
type NoteCipher interface {
	EncryptPrivateNote(ctx context.Context, text, ownerID string) (*hipaa.EncryptedPayload, error)
	DecryptPrivateNote(ctx context.Context, p *hipaa.EncryptedPayload, ownerID, noteID string) (string, error)
}

type Service struct {
	repo   Repository
	cipher NoteCipher
	audit  hipaa.AuditSink
	logger zerolog.Logger
}

func NewService(repo Repository, cipher NoteCipher, audit hipaa.AuditSink, logger zerolog.Logger) *Service {
	if audit == nil {
		audit = hipaa.NopAuditSink
	}
	return &Service{
		repo:   repo,
		cipher: cipher,
		audit:  audit,
		logger: logger.With().Str("component", "private_note").Logger(),
	}
}

func (s *Service) record(ctx context.Context, actorID, action, resourceID string, opErr error) {
	rec := hipaa.AuditRecord{
		ActorID:    actorID,
		Action:     action,
		Resource:   resourceNote,
		ResourceID: resourceID,
		Success:    opErr == nil,
	}
	switch {
	case opErr == nil:
	case errors.Is(opErr, ErrNotFound):
		rec.FailureReason = "NOT_FOUND"
	case errors.Is(opErr, ErrForbidden):
		rec.FailureReason = "FORBIDDEN"
	case errors.Is(opErr, ErrBadRequest):
		rec.FailureReason = "BAD_REQUEST"
	default:
		if reason, ok := hipaa.ReasonOf(opErr); ok {
			rec.FailureReason = string(reason)
		} else {
			rec.FailureReason = "INTERNAL_ERROR"
		}
	}
	s.audit.Log(ctx, rec)
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is required", ErrBadRequest)
	}
	if len(text) > MaxTextLength {
		return fmt.Errorf("%w: text exceeds %d bytes", ErrBadRequest, MaxTextLength)
	}
	return nil
}

// loadOwned returns the note when actorID owns it.
func (s *Service) loadOwned(ctx context.Context, id uuid.UUID, actorID string) (*Note, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: no authenticated actor", ErrForbidden)
	}
	n, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("private note %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load private note %s: %w", id, err)
	}
	if n.OwnerID != actorID {
		return nil, fmt.Errorf("%w: private note %s belongs to another user", ErrForbidden, id)
	}
	return n, nil
}

func (s *Service) view(ctx context.Context, n *Note) NoteView {
	v := NoteView{
		ID:        n.ID,
		SessionID: n.SessionID,
		OwnerID:   n.OwnerID,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
	text, err := s.cipher.DecryptPrivateNote(ctx, n.Content, n.OwnerID, n.ID.String())
	if err != nil {
		reason, _ := hipaa.ReasonOf(err)
		v.Text = hipaa.Masked[string](string(reason))
		v.DecryptionError = true
		return v
	}
	v.Text = hipaa.Revealed(text)
	return v
}

// Create stores a note owned by ownerID on a session.
func (s *Service) Create(ctx context.Context, sessionID uuid.UUID, ownerID, text string) (view *NoteView, err error) {
	n := &Note{ID: uuid.New(), SessionID: sessionID, OwnerID: ownerID}
	defer func() { s.record(ctx, ownerID, ActionCreate, n.ID.String(), err) }()

	if ownerID == "" {
		return nil, fmt.Errorf("%w: no authenticated actor", ErrForbidden)
	}
	if err := validateText(text); err != nil {
		return nil, err
	}
	n.Content, err = s.cipher.EncryptPrivateNote(ctx, text, ownerID)
	if err != nil {
		return nil, fmt.Errorf("encrypt private note: %w", err)
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("insert private note: %w", err)
	}
	s.logger.Debug().Str("note_id", n.ID.String()).Str("session_id", sessionID.String()).Msg("private note created")
	return &NoteView{
		ID:        n.ID,
		SessionID: n.SessionID,
		OwnerID:   n.OwnerID,
		Text:      hipaa.Revealed(text),
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}, nil
}

// Get decrypts one note for its owner.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actorID string) (view *NoteView, err error) {
	defer func() { s.record(ctx, actorID, ActionRead, id.String(), err) }()

	n, err := s.loadOwned(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	v := s.view(ctx, n)
	return &v, nil
}

// ListBySession returns the actor's own notes on a session. Other users'
// notes are never listed.
func (s *Service) ListBySession(ctx context.Context, sessionID uuid.UUID, actorID string) (views []NoteView, err error) {
	defer func() { s.record(ctx, actorID, ActionList, sessionID.String(), err) }()

	if actorID == "" {
		return nil, fmt.Errorf("%w: no authenticated actor", ErrForbidden)
	}
	notes, err := s.repo.ListBySessionOwner(ctx, sessionID, actorID)
	if err != nil {
		return nil, fmt.Errorf("list private notes: %w", err)
	}
	views = make([]NoteView, 0, len(notes))
	for _, n := range notes {
		views = append(views, s.view(ctx, n))
	}
	return views, nil
}

// Update replaces the text of a note. Only the owner may update.
func (s *Service) Update(ctx context.Context, id uuid.UUID, actorID, text string) (view *NoteView, err error) {
	defer func() { s.record(ctx, actorID, ActionUpdate, id.String(), err) }()

	if err := validateText(text); err != nil {
		return nil, err
	}
	n, err := s.loadOwned(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	if n.Content, err = s.cipher.EncryptPrivateNote(ctx, text, actorID); err != nil {
		return nil, fmt.Errorf("encrypt private note: %w", err)
	}
	if err := s.repo.Update(ctx, n); err != nil {
		return nil, fmt.Errorf("update private note: %w", err)
	}
	return &NoteView{
		ID:        n.ID,
		SessionID: n.SessionID,
		OwnerID:   n.OwnerID,
		Text:      hipaa.Revealed(text),
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}, nil
}

// Delete removes a note. Only the owner may delete.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actorID string) (err error) {
	defer func() { s.record(ctx, actorID, ActionDelete, id.String(), err) }()

	if _, err := s.loadOwned(ctx, id, actorID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete private note: %w", err)
	}
	return nil
}
