package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// TestGateway is an in-process gateway for tests. It serves the
// session-status and logout endpoints with the standard envelope and
// lets a test script the replies.
type TestGateway struct {
	t          *testing.T
	httpServer *httptest.Server

	mu            sync.Mutex
	user          *User
	sessionStatus int
	rawBody       string
	cookieName    string
	cookieValue   string
	logoutHits    int
}

// StartTestGateway creates and starts a TestGateway. It answers
// unauthenticated until SetSessionUser is called. The server is
// stopped during test cleanup.
func StartTestGateway(t *testing.T) *TestGateway {
	t.Helper()
	g := &TestGateway{
		t:             t,
		sessionStatus: http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(sessionPath, g.handleSession)
	mux.HandleFunc(logoutPath, g.handleLogout)
	g.httpServer = httptest.NewServer(mux)
	t.Cleanup(g.httpServer.Close)
	return g
}

// Addr returns the gateway's base URL.
func (g *TestGateway) Addr() string { return g.httpServer.URL }

// SetSessionUser makes the session endpoint report an authenticated
// session for u. Pass nil to revert to unauthenticated.
func (g *TestGateway) SetSessionUser(u *User) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.user = u
}

// SetSessionStatus overrides the HTTP status of session replies.
func (g *TestGateway) SetSessionStatus(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionStatus = code
}

// SetRawSessionBody makes the session endpoint answer with body
// verbatim instead of an envelope.
func (g *TestGateway) SetRawSessionBody(body string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rawBody = body
}

// RequireCookie makes the session endpoint report authenticated only
// when the request carries the given cookie. The first authenticated
// reply also sets the cookie, so a client with a jar keeps presenting
// it.
func (g *TestGateway) RequireCookie(name, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cookieName = name
	g.cookieValue = value
}

// LogoutHits reports how many logout calls the gateway received.
func (g *TestGateway) LogoutHits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.logoutHits
}

func (g *TestGateway) handleSession(w http.ResponseWriter, req *http.Request) {
	g.mu.Lock()
	user := g.user
	status := g.sessionStatus
	rawBody := g.rawBody
	cookieName, cookieValue := g.cookieName, g.cookieValue
	g.mu.Unlock()

	if rawBody != "" {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(rawBody))
		return
	}
	if cookieName != "" {
		c, err := req.Cookie(cookieName)
		if err != nil || c.Value != cookieValue {
			user = nil
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if status < 200 || status >= 300 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(Envelope{
			Success: false,
			Errors:  []APIError{{Message: "session check failed", Code: "SESSION_ERROR"}},
		})
		return
	}
	info := SessionInfo{}
	if user != nil {
		info = SessionInfo{IsAuthenticated: true, User: user}
		if cookieName != "" {
			http.SetCookie(w, &http.Cookie{Name: cookieName, Value: cookieValue, Path: "/"})
		}
	}
	result, err := json.Marshal(info)
	if err != nil {
		g.t.Fatal(err)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Success: true, Result: result})
}

func (g *TestGateway) handleLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.mu.Lock()
	g.logoutHits++
	g.user = nil
	g.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Envelope{Success: true, Result: json.RawMessage(`{}`)})
}
