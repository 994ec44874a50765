package amendment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinvault/internal/domain/legal"
	"github.com/ehr/clinvault/internal/platform/auth"
	"github.com/ehr/clinvault/internal/platform/keys"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t)
	return NewHandler(f.svc), f, echo.New()
}

func newCtx(e *echo.Echo, method, target, body string, actor Actor, id string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithActor(req.Context(), actor.ID, actor.Roles))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func expectHTTPStatus(t *testing.T, err error, want int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError with %d, got %v", want, err)
	}
	if he.Code != want {
		t.Errorf("expected %d, got %d (%v)", want, he.Code, he.Message)
	}
}

func TestHandler_CreateAddendum(t *testing.T) {
	h, f, e := newTestHandler(t)
	sess := f.session(t, legal.StatusSigned)

	body := `{"reason":"typo fix","content":{"text":"corrected dosage"}}`
	c, rec := newCtx(e, http.MethodPost, "/api/v1/sessions/"+sess.ID.String()+"/addendums", body, therapist, sess.ID.String())
	if err := h.CreateAddendum(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var res CreateAddendumResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.SequenceNumber != 1 || res.AddendumID == uuid.Nil {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandler_CreateAddendum_ErrorMapping(t *testing.T) {
	h, f, e := newTestHandler(t)
	signed := f.session(t, legal.StatusSigned)
	draft := f.session(t, legal.StatusDraft)
	body := `{"reason":"fix","content":{"text":"x"}}`

	tests := []struct {
		name  string
		id    string
		body  string
		actor Actor
		want  int
	}{
		{"invalid id", "not-a-uuid", body, therapist, http.StatusBadRequest},
		{"missing session", uuid.New().String(), body, therapist, http.StatusNotFound},
		{"not care team", signed.ID.String(), body, colleague, http.StatusForbidden},
		{"draft session", draft.ID.String(), body, therapist, http.StatusConflict},
		{"missing reason", signed.ID.String(), `{"content":{"text":"x"}}`, therapist, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCtx(e, http.MethodPost, "/api/v1/sessions/"+tt.id+"/addendums", tt.body, tt.actor, tt.id)
			expectHTTPStatus(t, h.CreateAddendum(c), tt.want)
		})
	}
}

func TestHandler_SignAndList(t *testing.T) {
	h, f, e := newTestHandler(t)
	sess := f.session(t, legal.StatusSigned)

	c, rec := newCtx(e, http.MethodPost, "/", `{"reason":"fix","content":{"n":1}}`, therapist, sess.ID.String())
	if err := h.CreateAddendum(c); err != nil {
		t.Fatal(err)
	}
	var created CreateAddendumResult
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	c, _ = newCtx(e, http.MethodPost, "/", "", colleague, created.AddendumID.String())
	expectHTTPStatus(t, h.SignAddendum(c), http.StatusForbidden)

	c, rec = newCtx(e, http.MethodPost, "/", "", therapist, created.AddendumID.String())
	if err := h.SignAddendum(c); err != nil {
		t.Fatalf("SignAddendum: %v", err)
	}
	var signed SignAddendumResult
	_ = json.Unmarshal(rec.Body.Bytes(), &signed)
	if signed.NewStatus != legal.StatusAmended || signed.SignatureHash == "" {
		t.Errorf("unexpected sign response %+v", signed)
	}

	c, rec = newCtx(e, http.MethodGet, "/", "", therapist, sess.ID.String())
	if err := h.ListAddendums(c); err != nil {
		t.Fatalf("ListAddendums: %v", err)
	}
	var list struct {
		LegalStatus legal.Status `json:"legal_status"`
		Addendums   []struct {
			Content         map[string]int `json:"content"`
			DecryptionError bool           `json:"decryption_error"`
			IsLocked        bool           `json:"is_locked"`
		} `json:"addendums"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.LegalStatus != legal.StatusAmended || len(list.Addendums) != 1 {
		t.Fatalf("unexpected list %+v", list)
	}
	if list.Addendums[0].Content["n"] != 1 || !list.Addendums[0].IsLocked || list.Addendums[0].DecryptionError {
		t.Errorf("unexpected entry %+v", list.Addendums[0])
	}
}

func TestHandler_VoidSession(t *testing.T) {
	h, f, e := newTestHandler(t)
	sess := f.session(t, legal.StatusSigned)
	body := `{"reason":"wrong patient","justification":"chart mix-up"}`

	c, _ := newCtx(e, http.MethodPost, "/", body, therapist, sess.ID.String())
	expectHTTPStatus(t, h.VoidSession(c), http.StatusForbidden)

	c, rec := newCtx(e, http.MethodPost, "/", body, supervisor, sess.ID.String())
	if err := h.VoidSession(c); err != nil {
		t.Fatalf("VoidSession: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newCtx(e, http.MethodPost, "/", body, supervisor, sess.ID.String())
	expectHTTPStatus(t, h.VoidSession(c), http.StatusConflict)
}

func TestHandler_Guards(t *testing.T) {
	h, f, e := newTestHandler(t)
	draft := f.session(t, legal.StatusDraft)
	signed := f.session(t, legal.StatusSigned)

	c, rec := newCtx(e, http.MethodGet, "/", "", therapist, draft.ID.String())
	if err := h.CheckCanUpdate(c); err != nil || rec.Code != http.StatusNoContent {
		t.Errorf("draft update guard: %v %d", err, rec.Code)
	}
	c, _ = newCtx(e, http.MethodGet, "/", "", therapist, signed.ID.String())
	expectHTTPStatus(t, h.CheckCanUpdate(c), http.StatusConflict)
}

func TestHandler_ReEncrypt_InvalidLimit(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := newCtx(e, http.MethodPost, "/api/v1/admin/addendums/reencrypt?limit=-3", "", Actor{ID: "admin", Roles: []string{"admin"}}, "")
	expectHTTPStatus(t, h.ReEncrypt(c), http.StatusBadRequest)
}

func TestHandler_ReEncrypt_Cursor(t *testing.T) {
	h, f, e := newTestHandler(t)
	admin := Actor{ID: "admin", Roles: []string{"admin"}}
	sess := f.session(t, legal.StatusSigned)
	for i := 0; i < 3; i++ {
		if _, err := f.svc.CreateAddendum(context.Background(), sess.ID, "fix", content(t, i), therapist); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.keys.RotateKey(context.Background(), keys.PurposeClinicalNotes); err != nil {
		t.Fatal(err)
	}

	c, _ := newCtx(e, http.MethodPost, "/api/v1/admin/addendums/reencrypt?cursor=garbage", "", admin, "")
	expectHTTPStatus(t, h.ReEncrypt(c), http.StatusBadRequest)

	target := "/api/v1/admin/addendums/reencrypt?limit=2"
	migrated := 0
	for page := 0; page < 3; page++ {
		c, rec := newCtx(e, http.MethodPost, target, "", admin, "")
		if err := h.ReEncrypt(c); err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		var res struct {
			Scanned  int     `json:"scanned"`
			Migrated int     `json:"migrated"`
			Next     *string `json:"next"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatal(err)
		}
		migrated += res.Migrated
		if res.Scanned == 0 {
			if res.Next != nil {
				t.Errorf("empty batch should carry no cursor, got %q", *res.Next)
			}
			break
		}
		if res.Next == nil {
			t.Fatalf("page %d: missing cursor", page)
		}
		target = "/api/v1/admin/addendums/reencrypt?limit=2&cursor=" + url.QueryEscape(*res.Next)
	}
	if migrated != 3 {
		t.Errorf("expected 3 migrated across pages, got %d", migrated)
	}
}

func TestHttpError_Unknown(t *testing.T) {
	expectHTTPStatus(t, httpError(errors.New("boom")), http.StatusInternalServerError)
}
