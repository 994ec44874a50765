package privatenote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinvault/internal/platform/auth"
	"github.com/ehr/clinvault/internal/platform/hipaa"
	"github.com/ehr/clinvault/internal/platform/keys"
)

const testMaster = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"

type mockRepo struct {
	mu       sync.Mutex
	notes    map[uuid.UUID]Note
	sessions map[uuid.UUID]bool
}

func newMockRepo(sessions ...uuid.UUID) *mockRepo {
	r := &mockRepo{notes: make(map[uuid.UUID]Note), sessions: make(map[uuid.UUID]bool)}
	for _, id := range sessions {
		r.sessions[id] = true
	}
	return r
}

func (r *mockRepo) Create(_ context.Context, n *Note) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sessions[n.SessionID] {
		return ErrNotFound
	}
	n.CreatedAt = time.Now().UTC()
	n.UpdatedAt = n.CreatedAt
	r.notes[n.ID] = *n
	return nil
}

func (r *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (r *mockRepo) ListBySessionOwner(_ context.Context, sessionID uuid.UUID, ownerID string) ([]*Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Note
	for _, n := range r.notes {
		if n.SessionID == sessionID && n.OwnerID == ownerID {
			n := n
			out = append(out, &n)
		}
	}
	return out, nil
}

func (r *mockRepo) Update(_ context.Context, n *Note) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.notes[n.ID]; !ok {
		return ErrNotFound
	}
	n.UpdatedAt = time.Now().UTC()
	r.notes[n.ID] = *n
	return nil
}

func (r *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.notes[id]; !ok {
		return ErrNotFound
	}
	delete(r.notes, id)
	return nil
}

// reassign moves a stored note to another owner without re-encrypting it.
func (r *mockRepo) reassign(id uuid.UUID, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.notes[id]
	n.OwnerID = owner
	r.notes[id] = n
}

type recordingSink struct {
	mu      sync.Mutex
	records []hipaa.AuditRecord
}

func (s *recordingSink) Log(_ context.Context, rec hipaa.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) last() hipaa.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[len(s.records)-1]
}

func newTestService(t *testing.T) (*Service, *mockRepo, *recordingSink, uuid.UUID) {
	t.Helper()
	km, err := keys.NewManager(testMaster, keys.NewMemoryStore(), keys.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sink := &recordingSink{}
	sessionID := uuid.New()
	repo := newMockRepo(sessionID)
	svc := NewService(repo, hipaa.NewEngine(km, sink, zerolog.Nop()), sink, zerolog.Nop())
	return svc, repo, sink, sessionID
}

func TestCreateAndGet(t *testing.T) {
	svc, repo, sink, sessionID := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, sessionID, "therapist-1", "patient seemed guarded today")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stored, _ := repo.GetByID(ctx, created.ID)
	if stored.Content.KeyID != hipaa.PrivateNoteKeyID {
		t.Errorf("expected key id %q, got %q", hipaa.PrivateNoteKeyID, stored.Content.KeyID)
	}
	if strings.Contains(string(stored.Content.Ciphertext), "guarded") {
		t.Fatal("note stored in plaintext")
	}

	got, err := svc.Get(ctx, created.ID, "therapist-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	text, ok := got.Text.Value()
	if !ok || text != "patient seemed guarded today" {
		t.Errorf("unexpected text %q (revealed=%v)", text, ok)
	}
	rec := sink.last()
	if rec.Action != ActionRead || !rec.Success || rec.ActorID != "therapist-1" {
		t.Errorf("unexpected audit record %+v", rec)
	}
}

func TestOwnerOnly(t *testing.T) {
	svc, _, sink, sessionID := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, sessionID, "therapist-1", "private")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, n.ID, "therapist-2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Get: expected ErrForbidden, got %v", err)
	}
	if rec := sink.last(); rec.Success || rec.FailureReason != "FORBIDDEN" {
		t.Errorf("denied access must be audited, got %+v", rec)
	}
	if _, err := svc.Update(ctx, n.ID, "therapist-2", "changed"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Update: expected ErrForbidden, got %v", err)
	}
	if err := svc.Delete(ctx, n.ID, "therapist-2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Delete: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Get(ctx, n.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("anonymous Get: expected ErrForbidden, got %v", err)
	}

	list, err := svc.ListBySession(ctx, sessionID, "therapist-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("other users' notes must not be listed, got %d", len(list))
	}
}

func TestKeyIsolation(t *testing.T) {
	svc, repo, _, sessionID := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, sessionID, "therapist-1", "private")
	if err != nil {
		t.Fatal(err)
	}
	repo.reassign(n.ID, "therapist-2")

	got, err := svc.Get(ctx, n.ID, "therapist-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.DecryptionError || !got.Text.IsMasked() {
		t.Fatal("a note sealed for another user must not decrypt")
	}
	if got.Text.Reason() != string(hipaa.ReasonAuthTagMismatch) {
		t.Errorf("expected %s, got %q", hipaa.ReasonAuthTagMismatch, got.Text.Reason())
	}
}

func TestUpdateDeleteAndList(t *testing.T) {
	svc, _, _, sessionID := newTestService(t)
	ctx := context.Background()

	a, _ := svc.Create(ctx, sessionID, "therapist-1", "first")
	if _, err := svc.Create(ctx, sessionID, "therapist-1", "second"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, a.ID, "therapist-1", "first, revised"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := svc.Get(ctx, a.ID, "therapist-1")
	if text, _ := got.Text.Value(); text != "first, revised" {
		t.Errorf("update not applied: %q", text)
	}

	list, err := svc.ListBySession(ctx, sessionID, "therapist-1")
	if err != nil || len(list) != 2 {
		t.Fatalf("ListBySession: %v, %d notes", err, len(list))
	}

	if err := svc.Delete(ctx, a.ID, "therapist-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, a.ID, "therapist-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _, sessionID := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, sessionID, "therapist-1", "   "); !errors.Is(err, ErrBadRequest) {
		t.Errorf("blank text: expected ErrBadRequest, got %v", err)
	}
	if _, err := svc.Create(ctx, sessionID, "therapist-1", strings.Repeat("x", MaxTextLength+1)); !errors.Is(err, ErrBadRequest) {
		t.Errorf("oversized text: expected ErrBadRequest, got %v", err)
	}
	if _, err := svc.Create(ctx, uuid.New(), "therapist-1", "note"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown session: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Create(ctx, sessionID, "", "note"); !errors.Is(err, ErrForbidden) {
		t.Errorf("anonymous: expected ErrForbidden, got %v", err)
	}
}

func TestHandler_CreateAndGet(t *testing.T) {
	svc, _, _, sessionID := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+sessionID.String()+"/private-notes", strings.NewReader(`{"text":"hello"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithActor(req.Context(), "therapist-1", []string{"clinician"}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sessionID.String())
	if err := h.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created struct {
		ID   uuid.UUID `json:"id"`
		Text string    `json:"text"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Text != "hello" {
		t.Errorf("expected text hello, got %q", created.Text)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/private-notes/"+created.ID.String(), nil)
	req = req.WithContext(auth.WithActor(req.Context(), "therapist-2", []string{"clinician"}))
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())
	err := h.Get(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}
