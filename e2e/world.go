// Package e2e drives the HTTP surface and the reconciliation daemon end to
// end against fake verification authority and community platform servers.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"clublink/internal/admintoken"
	"clublink/internal/audit"
	"clublink/internal/calendar"
	"clublink/internal/events"
	httpapi "clublink/internal/http"
	"clublink/internal/linking"
	"clublink/internal/membership/store"
	"clublink/internal/platformapi"
	"clublink/internal/ratelimit"
	"clublink/internal/reconcile"
	"clublink/internal/verification"
)

const (
	teamID       = "club-members"
	serviceToken = "svc-token"
	sharedSecret = "shared"
)

// TestContext is one scenario's world: fresh fakes, store and router.
type TestContext struct {
	mu          sync.Mutex
	now         time.Time
	credentials map[string]string // org id -> credential
	tokens      map[string]string // access token -> platform id
	team        map[string]bool
	refuseJoin  bool
	refuseKick  map[string]bool
	authorityUp bool

	authority *httptest.Server
	platform  *httptest.Server

	Store  *store.InMemoryStore
	Audit  *audit.InMemoryStore
	Events *events.Recorder
	policy *calendar.Policy
	links  *linking.Service
	router http.Handler
	daemon *reconcile.Daemon

	lastStatus  int
	lastHeaders http.Header
	lastBody    []byte
	lastReport  reconcile.CycleReport
	adminToken  string
}

// NewTestContext starts the fakes and wires the service the way cmd/server
// does, with in-memory persistence.
func NewTestContext() (*TestContext, error) {
	tc := &TestContext{
		now:         time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC),
		credentials: map[string]string{},
		tokens:      map[string]string{},
		team:        map[string]bool{},
		refuseKick:  map[string]bool{},
		authorityUp: true,
		Store:       store.NewInMemoryStore(),
		Audit:       audit.NewInMemoryStore(),
		Events:      &events.Recorder{},
	}
	tc.authority = httptest.NewServer(http.HandlerFunc(tc.serveAuthority))
	tc.platform = httptest.NewServer(tc.platformMux())

	policy, err := calendar.NewPolicy("Europe/London",
		calendar.MonthDay{Month: time.August, Day: 31},
		calendar.MonthDay{Month: time.September, Day: 14},
	)
	if err != nil {
		return nil, err
	}
	tc.policy = policy
	return tc, tc.Build(0, 0)
}

// Build (re)wires the services. linkLimit <= 0 disables link rate limiting.
func (tc *TestContext) Build(linkLimit int, linkWindow time.Duration) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor := audit.NewPublisher(tc.Audit, audit.WithLogger(logger))

	verifier, err := verification.New(verification.Config{
		VerifyURL:    tc.authority.URL + "/lookup",
		SharedSecret: sharedSecret,
		ServiceToken: serviceToken,
		Timeout:      2 * time.Second,
	}, verification.WithLogger(logger))
	if err != nil {
		return err
	}
	platform, err := platformapi.New(tc.platform.URL, platformapi.WithTimeout(2*time.Second), platformapi.WithLogger(logger))
	if err != nil {
		return err
	}

	tc.links, err = linking.New(tc.Store, verifier, platform, tc.policy,
		linking.Config{GroupID: teamID, ServiceToken: serviceToken},
		linking.WithLogger(logger),
		linking.WithEventPublisher(tc.Events),
		linking.WithAuditPublisher(auditor),
	)
	if err != nil {
		return err
	}

	tc.daemon, err = reconcile.New(tc.Store, platform, tc.policy, reconcile.Config{
		GroupID:      teamID,
		ServiceToken: serviceToken,
		Interval:     time.Hour,
		CallTimeout:  2 * time.Second,
	},
		reconcile.WithLogger(logger),
		reconcile.WithEventPublisher(tc.Events),
		reconcile.WithAuditPublisher(auditor),
		reconcile.WithClock(tc.Now),
	)
	if err != nil {
		return err
	}

	adminTokens, err := admintoken.New("e2e-admin-secret-0123456789")
	if err != nil {
		return err
	}
	if tc.adminToken, err = adminTokens.Issue("root-admin", time.Hour); err != nil {
		return err
	}
	cfg := httpapi.RouterConfig{
		Logger:      logger,
		Accounts:    platform,
		AdminTokens: adminTokens,
		AdminID:     "root-admin",
		Clock:       tc.Now,
	}
	if linkLimit > 0 {
		cfg.LinkLimiter = ratelimit.New(ratelimit.NewInMemoryStore(), linkLimit, linkWindow, ratelimit.WithLogger(logger))
	}
	tc.router = httpapi.NewRouter(httpapi.NewHandler(tc.links, tc.Store, nil, logger), cfg)
	return nil
}

// Close stops the fake servers.
func (tc *TestContext) Close() {
	tc.authority.Close()
	tc.platform.Close()
}

func (tc *TestContext) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.now
}

func (tc *TestContext) SetNow(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.now = t
}

func (tc *TestContext) AddAuthorityMember(orgID, credential string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.credentials[orgID] = credential
}

func (tc *TestContext) SetAuthorityUp(up bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.authorityUp = up
}

// AddAccount registers a platform account reachable with token.
func (tc *TestContext) AddAccount(platformID, token string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tokens[token] = platformID
}

func (tc *TestContext) TokenFor(platformID string) string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for token, id := range tc.tokens {
		if id == platformID {
			return token
		}
	}
	return ""
}

func (tc *TestContext) SetRefuseJoin(refuse bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.refuseJoin = refuse
}

func (tc *TestContext) SetRefuseKick(platformID string, refuse bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.refuseKick[platformID] = refuse
}

func (tc *TestContext) InTeam(platformID string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.team[platformID]
}

// SeedMembership stores a link and puts the account in the team, as if it
// had been linked in an earlier season.
func (tc *TestContext) SeedMembership(orgID, platformID string, expiryYear int) error {
	if err := tc.Store.Register(context.Background(), orgID, platformID, expiryYear); err != nil {
		return err
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.team[platformID] = true
	return nil
}

// AdminRequest sends a request carrying the administrator token.
func (tc *TestContext) AdminRequest(method, path string) error {
	return tc.send(method, path, tc.adminToken, nil)
}

// Request sends a request through the router as platformID. An empty
// platformID sends no credentials.
func (tc *TestContext) Request(method, path, platformID string, body any) error {
	token := ""
	if platformID != "" {
		token = tc.TokenFor(platformID)
	}
	return tc.send(method, path, token, body)
}

func (tc *TestContext) send(method, path, token string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	tc.router.ServeHTTP(rec, req)

	tc.lastStatus = rec.Code
	tc.lastHeaders = rec.Header()
	tc.lastBody = rec.Body.Bytes()
	return nil
}

func (tc *TestContext) LastStatus() int { return tc.lastStatus }

func (tc *TestContext) LastHeader(k string) string { return tc.lastHeaders.Get(k) }

func (tc *TestContext) LastBody() []byte { return tc.lastBody }

// ResponseField decodes the last body and returns a top-level field.
func (tc *TestContext) ResponseField(field string) (any, error) {
	var body map[string]any
	if err := json.Unmarshal(tc.lastBody, &body); err != nil {
		return nil, fmt.Errorf("decode response %q: %w", tc.lastBody, err)
	}
	v, ok := body[field]
	if !ok {
		return nil, fmt.Errorf("response has no field %q: %s", field, tc.lastBody)
	}
	return v, nil
}

// RunCycleRemoved runs one reconciliation cycle and returns how many
// members it removed.
func (tc *TestContext) RunCycleRemoved() int {
	tc.lastReport = tc.daemon.RunCycle(context.Background())
	return tc.lastReport.Removed
}

func (tc *TestContext) KickLog() []string { return tc.operatorLog(audit.ChannelKick) }

func (tc *TestContext) KickErrorLog() []string { return tc.operatorLog(audit.ChannelKickError) }

func (tc *TestContext) operatorLog(ch audit.Channel) []string {
	var lines []string
	for _, e := range tc.Audit.ListByChannel(ch) {
		lines = append(lines, e.Line())
	}
	return lines
}

// MembershipOf reports the stored link for platformID.
func (tc *TestContext) MembershipOf(platformID string) (string, int, bool) {
	m, err := tc.Store.GetByPlatformID(context.Background(), platformID)
	if err != nil || m == nil {
		return "", 0, false
	}
	return m.OrgID, m.ExpiryYear, true
}

// serveAuthority answers lookups from the credential table.
func (tc *TestContext) serveAuthority(w http.ResponseWriter, r *http.Request) {
	tc.mu.Lock()
	up := tc.authorityUp
	tc.mu.Unlock()
	if !up {
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	params := map[string]string{}
	for _, pair := range strings.Split(r.URL.Query().Get("parameters"), ";") {
		if k, v, ok := strings.Cut(pair, "|"); ok {
			params[k] = v
		}
	}

	tc.mu.Lock()
	want, known := tc.credentials[params["MID"]]
	tc.mu.Unlock()
	if params["Token"] == serviceToken && known && want == params[sharedSecret] {
		_, _ = io.WriteString(w, verification.SuccessSentinel)
		return
	}
	_, _ = io.WriteString(w, `[["Return Code","Message"],["0","Invalid credentials"]]`)
}

func (tc *TestContext) platformMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/account", func(w http.ResponseWriter, r *http.Request) {
		tc.mu.Lock()
		id, ok := tc.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		tc.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "username": strings.ToUpper(id[:1]) + id[1:]})
	})
	mux.HandleFunc("POST /team/{team}/join", func(w http.ResponseWriter, r *http.Request) {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		id, ok := tc.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		if !ok || tc.refuseJoin || r.PathValue("team") != teamID {
			_, _ = io.WriteString(w, `{"ok":false}`)
			return
		}
		tc.team[id] = true
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	mux.HandleFunc("POST /team/{team}/kick/{user}", func(w http.ResponseWriter, r *http.Request) {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		user := r.PathValue("user")
		if r.Header.Get("Authorization") != "Bearer "+serviceToken || tc.refuseKick[user] {
			_, _ = io.WriteString(w, `{"ok":false}`)
			return
		}
		delete(tc.team, user)
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	return mux
}
