package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/role"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/session/sessiontest"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/user"
	userentity "github.com/ovaphlow/pitchfork/service-crm-auth/internal/user/entity"
)

// memCreds is an in-memory Credentials keyed by id.
type memCreds struct {
	mu        sync.Mutex
	table     role.Table
	nextID    int64
	users     map[int64]*userentity.Principal
	passwords map[int64]string
	perms     map[int64][]string
}

func newMemCreds(t role.Table) *memCreds {
	return &memCreds{
		table:     t,
		users:     map[int64]*userentity.Principal{},
		passwords: map[int64]string{},
		perms:     map[int64][]string{},
	}
}

func (m *memCreds) roleName(id *int64) *string {
	if id == nil {
		return nil
	}
	for _, e := range m.table.Entries() {
		if e.ID == *id {
			name := e.Name
			return &name
		}
	}
	return nil
}

func (m *memCreds) add(email, password string, roleID *int64, perms ...string) *userentity.Principal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p := &userentity.Principal{
		Identity: userentity.Identity{
			ID: m.nextID, Email: email, Name: email, RoleID: roleID,
			RoleName: m.roleName(roleID), IsActive: true,
		},
		Permissions: perms,
	}
	m.users[p.ID] = p
	m.passwords[p.ID] = password
	return p
}

// disableRole marks roleID inactive for every identity holding it.
func (m *memCreds) disableRole(roleID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := false
	for _, p := range m.users {
		if p.RoleID != nil && *p.RoleID == roleID {
			p.RoleActive = &off
			p.Permissions = nil
		}
	}
}

func (m *memCreds) Authenticate(_ context.Context, email, password string) (*userentity.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.users {
		if strings.EqualFold(p.Email, email) {
			if m.passwords[id] != password || !p.IsActive {
				return nil, user.ErrBadCredentials
			}
			cp := *p
			return &cp, nil
		}
	}
	return nil, user.ErrBadCredentials
}

func (m *memCreds) Create(_ context.Context, in user.CreateInput) (*userentity.Principal, error) {
	m.mu.Lock()
	for _, p := range m.users {
		if strings.EqualFold(p.Email, in.Email) {
			m.mu.Unlock()
			return nil, user.ErrEmailTaken
		}
	}
	m.mu.Unlock()
	return m.add(strings.ToLower(in.Email), in.Password, in.RoleID), nil
}

func (m *memCreds) Principal(_ context.Context, id int64) (*userentity.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memCreds) ChangePassword(_ context.Context, id int64, current, next string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return user.ErrUserNotFound
	}
	if m.passwords[id] != current {
		return user.ErrWrongPassword
	}
	m.passwords[id] = next
	return nil
}

func (m *memCreds) SetActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[id]
	if !ok {
		return user.ErrUserNotFound
	}
	p.IsActive = active
	return nil
}

type stubResetter struct {
	requested []string
}

func (s *stubResetter) RequestReset(_ context.Context, email string) error {
	s.requested = append(s.requested, email)
	return nil
}

func (s *stubResetter) ConsumeReset(context.Context, string, string) error { return nil }

type fixture struct {
	creds    *memCreds
	sessions *session.Store
	tokens   *token.Manager
	authz    *role.Authorizer
	svc      *Service
	gw       *Gateway
	reset    *stubResetter
	mux      *http.ServeMux
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Now()}
	clock := func() time.Time { return f.now }
	log := zap.NewNop().Sugar()

	var err error
	f.tokens, err = token.NewManager(token.Config{
		AccessSecret: []byte("access-secret"),
		ResetSecret:  []byte("reset-secret"),
	}, token.WithClock(clock))
	require.NoError(t, err)

	f.authz = role.NewAuthorizer(role.DefaultTable())
	f.creds = newMemCreds(f.authz.Table())
	f.sessions = session.NewStore(sessiontest.NewRepo(), log, session.WithClock(clock))
	f.svc = NewService(f.creds, f.sessions, f.tokens, f.authz, log, nil)
	f.gw = NewGateway(f.svc, f.authz, log, nil)
	f.reset = &stubResetter{}
	h := NewHandler(f.svc, f.reset, log)

	adminOrManager := f.authz.MustCompile(role.ByName("admin"), role.ByName("manager"))
	adminOnly := f.authz.MustCompile(role.ByID(role.AdminID))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/forgot-password", h.ForgotPassword)
	mux.Handle("POST /auth/logout", f.gw.Protect(http.HandlerFunc(h.Logout)))
	mux.Handle("GET /auth/me", f.gw.Protect(http.HandlerFunc(h.Me)))
	mux.Handle("POST /auth/change-password", f.gw.Protect(http.HandlerFunc(h.ChangePassword)))
	mux.Handle("POST /auth/register", Chain(http.HandlerFunc(h.Register), f.gw.Protect, f.gw.RequireRoleOrPermission(adminOrManager, "users.create")))
	mux.Handle("PATCH /users/{id}/deactivate", Chain(http.HandlerFunc(h.Deactivate), f.gw.Protect, f.gw.RequireRoleOrPermission(adminOnly, "users.update")))
	mux.Handle("PATCH /users/{id}/reactivate", Chain(http.HandlerFunc(h.Reactivate), f.gw.Protect, f.gw.RequireRoleOrPermission(adminOnly, "users.update")))
	mux.Handle("GET /users/{id}", Chain(ok, f.gw.Protect, f.gw.RequireOwnerOrAdmin("id")))
	mux.Handle("GET /customers", Chain(ok, f.gw.Protect, f.gw.RequireRoleOrPermission(adminOrManager, "customers.view")))
	mux.Handle("DELETE /customers", Chain(ok, f.gw.Protect, f.gw.RequireAll("customers.view", "customers.delete")))
	f.mux = mux
	return f
}

func ptr(v int64) *int64 { return &v }
