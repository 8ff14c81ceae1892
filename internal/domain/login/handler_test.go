package login

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

	"github.com/imageehr/ehr/internal/domain/principal"
	"github.com/imageehr/ehr/internal/platform/auth"
	"github.com/imageehr/ehr/internal/platform/db"
)

type stubClinics struct {
	clinics map[uuid.UUID]*principal.Clinic
	err     error
}

func (s *stubClinics) List(context.Context) ([]*principal.Clinic, error) {
	var out []*principal.Clinic
	for _, c := range s.clinics {
		out = append(out, c)
	}
	return out, s.err
}

func (s *stubClinics) GetByID(_ context.Context, id uuid.UUID) (*principal.Clinic, error) {
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.clinics[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return c, nil
}

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t, nil)
	clinics := &stubClinics{clinics: map[uuid.UUID]*principal.Clinic{
		f.clinic: {ID: f.clinic, Name: "North Clinic"},
	}}
	return NewHandler(f.orch, CookieConfig{Secure: true}, clinics), f, echo.New()
}

func statusOf(t *testing.T, err error, rec *httptest.ResponseRecorder) (int, string) {
	t.Helper()
	if err == nil {
		return rec.Code, rec.Body.String()
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("unexpected error type %T: %v", err, err)
	}
	msg, _ := he.Message.(string)
	return he.Code, msg
}

func jsonLogin(username, password string) *http.Request {
	body := `{"username":"` + username + `","password":"` + password + `"}`
	r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
	r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	r.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)
	r.Header.Set("User-Agent", "handler-test")
	return r
}

func TestHandler_LoginJSON(t *testing.T) {
	h, f, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonLogin("admin", "admin123"), rec)

	if err := h.Login(c); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "admin123") {
		t.Error("password leaked in response")
	}

	var body struct {
		Message  string `json:"message"`
		Redirect string `json:"redirect"`
		User     struct {
			Username string `json:"username"`
			Role     string `json:"role"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message != "Login successful" || body.Redirect != "/dashboard" || body.User.Role != "admin" {
		t.Errorf("unexpected body: %+v", body)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	ck := cookies[0]
	if ck.Name != auth.DefaultCookieName || ck.Value == "" || !ck.HttpOnly || !ck.Secure || ck.SameSite != http.SameSiteLaxMode {
		t.Errorf("unexpected cookie: %+v", ck)
	}
	if _, err := f.sessions.Validate(context.Background(), ck.Value); err != nil {
		t.Errorf("cookie does not carry a valid session: %v", err)
	}

	eventually(t, func() bool { return f.audit.Len() == 1 })
	if a := attempts(t, f.audit)[0]; a.UserAgent != "handler-test" || a.IPAddress == "" {
		t.Errorf("transport metadata missing from audit row: %+v", a)
	}
}

func TestHandler_LoginFormRedirects(t *testing.T) {
	h, _, e := newTestHandler(t)
	form := url.Values{"username": {"admin"}, "password": {"admin123"}}
	r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	r.Header.Set(echo.HeaderAccept, "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()

	if err := h.Login(e.NewContext(r, rec)); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if rec.Code != http.StatusFound || rec.Header().Get(echo.HeaderLocation) != "/dashboard" {
		t.Errorf("expected 302 to /dashboard, got %d %q", rec.Code, rec.Header().Get(echo.HeaderLocation))
	}
	if len(rec.Result().Cookies()) != 1 {
		t.Error("expected session cookie on redirect")
	}
}

func TestHandler_LoginRejected(t *testing.T) {
	h, f, e := newTestHandler(t)

	var messages []string
	for _, creds := range [][2]string{{"ghost", "x"}, {"retired", "oldpw"}, {"admin", "wrong"}} {
		rec := httptest.NewRecorder()
		err := h.Login(e.NewContext(jsonLogin(creds[0], creds[1]), rec))
		code, msg := statusOf(t, err, rec)
		if code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", creds[0], code)
		}
		if len(rec.Result().Cookies()) != 0 {
			t.Errorf("%s: cookie set on rejection", creds[0])
		}
		messages = append(messages, msg)
	}
	for _, m := range messages {
		if m != invalidCredentialsMessage {
			t.Errorf("expected generic message, got %q", m)
		}
	}
	eventually(t, func() bool { return f.audit.Len() == 3 })
}

func TestHandler_LoginInvalidInput(t *testing.T) {
	h, f, e := newTestHandler(t)
	rec := httptest.NewRecorder()

	err := h.Login(e.NewContext(jsonLogin("", ""), rec))
	if code, _ := statusOf(t, err, rec); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
	eventually(t, func() bool { return f.audit.Len() == 1 })
}

func TestHandler_LoginMalformedBody(t *testing.T) {
	h, f, e := newTestHandler(t)
	r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("{not json"))
	r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	err := h.Login(e.NewContext(r, rec))
	if code, _ := statusOf(t, err, rec); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
	eventually(t, func() bool { return f.audit.Len() == 1 })
	if a := attempts(t, f.audit)[0]; a.Success || a.FailureReason != reasonInvalidInput {
		t.Errorf("unexpected audit row: %+v", a)
	}
}

func TestHandler_ThrottledIsAudited(t *testing.T) {
	h, f, e := newTestHandler(t)
	rec := httptest.NewRecorder()

	err := h.Throttled(e.NewContext(jsonLogin("staff1", "guess"), rec))
	if code, _ := statusOf(t, err, rec); code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", code)
	}
	eventually(t, func() bool { return f.audit.Len() == 1 })
	a := attempts(t, f.audit)[0]
	if a.Success || a.FailureReason != reasonRateLimited || a.Username != "staff1" {
		t.Errorf("unexpected audit row: %+v", a)
	}
}

func TestHandler_LoginUnavailable(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.repo.err = db.ErrPoolExhausted
	rec := httptest.NewRecorder()

	err := h.Login(e.NewContext(jsonLogin("admin", "admin123"), rec))
	if code, _ := statusOf(t, err, rec); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func loginToken(t *testing.T, f *fixture, username, password string) string {
	t.Helper()
	res, err := f.orch.Login(context.Background(), loginReq(username, password))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res.Session.Token
}

func TestHandler_LogoutJSON(t *testing.T) {
	h, f, e := newTestHandler(t)
	token := loginToken(t, f, "admin", "admin123")

	r := httptest.NewRequest(http.MethodPost, "/logout", nil)
	r.AddCookie(&http.Cookie{Name: auth.DefaultCookieName, Value: token})
	rec := httptest.NewRecorder()
	if err := h.Logout(e.NewContext(r, rec)); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 || cookies[0].Value != "" {
		t.Errorf("expected cookie to be cleared, got %+v", cookies)
	}
	if _, err := f.sessions.Validate(context.Background(), token); err == nil {
		t.Error("session still valid after logout")
	}
}

func TestHandler_LogoutBrowserWithoutSession(t *testing.T) {
	h, _, e := newTestHandler(t)
	r := httptest.NewRequest(http.MethodGet, "/logout", nil)
	r.Header.Set(echo.HeaderAccept, "text/html")
	rec := httptest.NewRecorder()

	if err := h.Logout(e.NewContext(r, rec)); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if rec.Code != http.StatusFound || rec.Header().Get(echo.HeaderLocation) != auth.LoginPath {
		t.Errorf("expected 302 to %s, got %d %q", auth.LoginPath, rec.Code, rec.Header().Get(echo.HeaderLocation))
	}
}

func withToken(t *testing.T, f *fixture, r *http.Request, token string) *http.Request {
	t.Helper()
	s, err := f.sessions.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return r.WithContext(auth.WithSession(r.Context(), s))
}

func TestHandler_Me(t *testing.T) {
	h, f, e := newTestHandler(t)
	token := loginToken(t, f, "staff1", "staffpw")

	r := withToken(t, f, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil), token)
	rec := httptest.NewRecorder()
	if err := h.Me(e.NewContext(r, rec)); err != nil {
		t.Fatalf("Me: %v", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["username"] != "staff1" || body["role"] != "staff" || body["clinic_id"] != f.clinic.String() {
		t.Errorf("unexpected body: %v", body)
	}
	if body["has_elevated_access"] != false {
		t.Errorf("staff must not have elevated access: %v", body)
	}

	rec = httptest.NewRecorder()
	err := h.Me(e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/me", nil), rec))
	if code, _ := statusOf(t, err, rec); code != http.StatusUnauthorized {
		t.Errorf("expected 401 without session, got %d", code)
	}
}

func TestHandler_ClinicAccess(t *testing.T) {
	h, f, e := newTestHandler(t)
	token := loginToken(t, f, "staff1", "staffpw")

	tests := []struct {
		name   string
		clinic string
		want   int
	}{
		{"known clinic", f.clinic.String(), http.StatusOK},
		{"unknown clinic", uuid.NewString(), http.StatusNotFound},
		{"bad id", "nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := withToken(t, f, httptest.NewRequest(http.MethodGet, "/", nil), token)
			rec := httptest.NewRecorder()
			c := e.NewContext(r, rec)
			c.SetParamNames("clinic_id")
			c.SetParamValues(tt.clinic)

			err := h.ClinicAccess(c)
			if code, _ := statusOf(t, err, rec); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestHandler_RoutesEnforceGate(t *testing.T) {
	h, f, e := newTestHandler(t)
	e.Use(auth.SessionMiddleware(auth.SessionConfig{Manager: f.sessions, Checker: f.repo}))
	h.RegisterRoutes(e)
	h.RegisterAPIRoutes(e.Group("/api/v1"))

	token := loginToken(t, f, "staff1", "staffpw")
	other := uuid.New()

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"me without session", "/api/v1/me", "", http.StatusUnauthorized},
		{"me with session", "/api/v1/me", token, http.StatusOK},
		{"own clinic", "/api/v1/clinics/" + f.clinic.String() + "/access", token, http.StatusOK},
		{"other clinic", "/api/v1/clinics/" + other.String() + "/access", token, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			r.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)
			if tt.token != "" {
				r.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, r)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	// Deactivation takes effect on the next request.
	if err := f.repo.SetActive(context.Background(), "staff1", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after deactivation, got %d", rec.Code)
	}
}
