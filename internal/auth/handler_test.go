package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-crm-auth/internal/role"
)

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) login(t *testing.T, email, password string) tokenResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: email, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLoginReturnsTokensAndProfile(t *testing.T) {
	f := newFixture(t)
	f.creds.add("ann@example.com", "secret-pass", ptr(role.UserID), "customers.read")

	out := f.login(t, "ann@example.com", "secret-pass")
	assert.True(t, out.Success)
	assert.NotEmpty(t, out.AccessToken)
	assert.Len(t, out.RefreshToken, 80)
	assert.Equal(t, "user", out.User.Role)
	assert.Equal(t, []string{"customers.read"}, out.User.Permissions)

	claims, err := f.tokens.ParseAccess(out.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, out.User.ID, claims.ID)
	assert.Equal(t, "user", claims.Role)
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFixture(t)
	f.creds.add("ann@example.com", "secret-pass", nil)

	rec := f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: "ann@example.com", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: "who@example.com", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSecondLoginInvalidatesFirstRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.creds.add("ann@example.com", "secret-pass", nil)

	first := f.login(t, "ann@example.com", "secret-pass")
	second := f.login(t, "ann@example.com", "secret-pass")

	rec := f.do(t, http.MethodPost, "/auth/refresh", "", RefreshRequest{RefreshToken: first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, "/auth/refresh", "", RefreshRequest{RefreshToken: second.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshIsSingleUse(t *testing.T) {
	f := newFixture(t)
	f.creds.add("ann@example.com", "secret-pass", nil)
	out := f.login(t, "ann@example.com", "secret-pass")

	rec := f.do(t, http.MethodPost, "/auth/refresh", "", RefreshRequest{RefreshToken: out.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	var next tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &next))
	assert.NotEqual(t, out.RefreshToken, next.RefreshToken)

	rec = f.do(t, http.MethodPost, "/auth/refresh", "", RefreshRequest{RefreshToken: out.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/refresh", "", RefreshRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectRequiresValidBearer(t *testing.T) {
	f := newFixture(t)
	f.creds.add("ann@example.com", "secret-pass", nil)
	out := f.login(t, "ann@example.com", "secret-pass")

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/auth/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/auth/me", "garbage", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/auth/me", out.RefreshToken, nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "bearer "+out.AccessToken)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.now = f.now.Add(16 * time.Minute)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/auth/me", out.AccessToken, nil).Code)
}

func TestDeactivatedIdentityIsLockedOut(t *testing.T) {
	f := newFixture(t)
	f.creds.add("root@example.com", "secret-pass", ptr(role.AdminID))
	ann := f.creds.add("ann@example.com", "secret-pass", nil)
	admin := f.login(t, "root@example.com", "secret-pass")
	out := f.login(t, "ann@example.com", "secret-pass")

	rec := f.do(t, http.MethodPatch, "/users/"+strconv.FormatInt(ann.ID, 10)+"/deactivate", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/auth/me", out.AccessToken, nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodPost, "/auth/refresh", "", RefreshRequest{RefreshToken: out.RefreshToken}).Code)
	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: "ann@example.com", Password: "secret-pass"}).Code)

	rec = f.do(t, http.MethodPatch, "/users/"+strconv.FormatInt(ann.ID, 10)+"/deactivate", out.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestManagerRegistersOnlyUsers(t *testing.T) {
	f := newFixture(t)
	f.creds.add("boss@example.com", "secret-pass", ptr(role.ManagerID))
	f.creds.add("ann@example.com", "secret-pass", ptr(role.UserID))
	mgr := f.login(t, "boss@example.com", "secret-pass")
	usr := f.login(t, "ann@example.com", "secret-pass")

	body := RegisterRequest{Email: "new@example.com", Name: "New", Password: "long-enough", RoleID: ptr(role.AdminID)}
	rec := f.do(t, http.MethodPost, "/auth/register", usr.AccessToken, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/register", mgr.AccessToken, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotNil(t, out.User.RoleID)
	assert.Equal(t, role.UserID, *out.User.RoleID)
	assert.Equal(t, "user", out.User.Role)

	rec = f.do(t, http.MethodPost, "/auth/register", mgr.AccessToken, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPermissionHolderCannotPickRole(t *testing.T) {
	f := newFixture(t)
	f.creds.add("hr@example.com", "secret-pass", ptr(role.UserID), "users.create")
	hr := f.login(t, "hr@example.com", "secret-pass")

	body := RegisterRequest{Email: "x@example.com", Name: "X", Password: "long-enough", RoleID: ptr(role.AdminID)}
	rec := f.do(t, http.MethodPost, "/auth/register", hr.AccessToken, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "user", out.User.Role)
}

func TestAdminRegistersAnyRole(t *testing.T) {
	f := newFixture(t)
	f.creds.add("root@example.com", "secret-pass", ptr(role.AdminID))
	admin := f.login(t, "root@example.com", "secret-pass")

	body := RegisterRequest{Email: "mgr@example.com", Name: "Mgr", Password: "long-enough", RoleID: ptr(role.ManagerID)}
	rec := f.do(t, http.MethodPost, "/auth/register", admin.AccessToken, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var out tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "manager", out.User.Role)
}

func TestOwnerOrAdminGate(t *testing.T) {
	f := newFixture(t)
	f.creds.add("root@example.com", "secret-pass", ptr(role.AdminID))
	ann := f.creds.add("ann@example.com", "secret-pass", ptr(role.UserID))
	bob := f.creds.add("bob@example.com", "secret-pass", ptr(role.UserID))
	admin := f.login(t, "root@example.com", "secret-pass")
	annTok := f.login(t, "ann@example.com", "secret-pass")

	own := "/users/" + strconv.FormatInt(ann.ID, 10)
	other := "/users/" + strconv.FormatInt(bob.ID, 10)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, own, annTok.AccessToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, other, annTok.AccessToken, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, other, admin.AccessToken, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/users/abc", annTok.AccessToken, nil).Code)
}

func TestRoleOrPermissionGate(t *testing.T) {
	f := newFixture(t)
	f.creds.add("boss@example.com", "secret-pass", ptr(role.ManagerID))
	f.creds.add("ann@example.com", "secret-pass", ptr(role.UserID), "customers.list")
	f.creds.add("bob@example.com", "secret-pass", ptr(role.UserID), "orders.view")
	mgr := f.login(t, "boss@example.com", "secret-pass")
	ann := f.login(t, "ann@example.com", "secret-pass")
	bob := f.login(t, "bob@example.com", "secret-pass")

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/customers", mgr.AccessToken, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/customers", ann.AccessToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/customers", bob.AccessToken, nil).Code)
}

func TestAllPermissionsGateIsExact(t *testing.T) {
	f := newFixture(t)
	f.creds.add("ann@example.com", "secret-pass", nil, "customers.view", "customers.delete")
	f.creds.add("bob@example.com", "secret-pass", nil, "customers.read", "customers.remove")
	ann := f.login(t, "ann@example.com", "secret-pass")
	bob := f.login(t, "bob@example.com", "secret-pass")

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/customers", ann.AccessToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodDelete, "/customers", bob.AccessToken, nil).Code)
}

func TestLogoutEndsSession(t *testing.T) {
	f := newFixture(t)
	f.creds.add("ann@example.com", "secret-pass", nil)
	out := f.login(t, "ann@example.com", "secret-pass")

	rec := f.do(t, http.MethodPost, "/auth/logout", out.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/auth/logout", out.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/refresh", "", RefreshRequest{RefreshToken: out.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChangePasswordEndsSessions(t *testing.T) {
	f := newFixture(t)
	f.creds.add("ann@example.com", "secret-pass", nil)
	out := f.login(t, "ann@example.com", "secret-pass")

	rec := f.do(t, http.MethodPost, "/auth/change-password", out.AccessToken,
		ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "another-pass"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/change-password", out.AccessToken,
		ChangePasswordRequest{CurrentPassword: "secret-pass", NewPassword: "another-pass"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/refresh", "", RefreshRequest{RefreshToken: out.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	f.login(t, "ann@example.com", "another-pass")
}

func TestForgotPasswordAlwaysAcknowledges(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/auth/forgot-password", "", ForgotPasswordRequest{Email: "who@example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"who@example.com"}, f.reset.requested)
}

func TestUnknownPayloadFieldsRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"user": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOnlyAdminChangesAdminActivation(t *testing.T) {
	f := newFixture(t)
	root := f.creds.add("root@example.com", "secret-pass", ptr(role.AdminID))
	f.creds.add("boss@example.com", "secret-pass", ptr(role.ManagerID), "users.update")
	ann := f.creds.add("ann@example.com", "secret-pass", ptr(role.UserID))
	mgr := f.login(t, "boss@example.com", "secret-pass")
	admin := f.login(t, "root@example.com", "secret-pass")

	rootPath := "/users/" + strconv.FormatInt(root.ID, 10)
	rec := f.do(t, http.MethodPatch, rootPath+"/deactivate", mgr.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, http.MethodPatch, rootPath+"/reactivate", mgr.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// the admin keeps working
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/auth/me", admin.AccessToken, nil).Code)
	f.login(t, "root@example.com", "secret-pass")

	annPath := "/users/" + strconv.FormatInt(ann.ID, 10)
	rec = f.do(t, http.MethodPatch, annPath+"/deactivate", mgr.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPatch, annPath+"/reactivate", mgr.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, "/users/999/deactivate", mgr.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisabledRoleFailsRoleChecks(t *testing.T) {
	f := newFixture(t)
	f.creds.add("root@example.com", "secret-pass", ptr(role.AdminID))
	bob := f.creds.add("bob@example.com", "secret-pass", ptr(role.UserID))
	admin := f.login(t, "root@example.com", "secret-pass")

	other := "/users/" + strconv.FormatInt(bob.ID, 10)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, other, admin.AccessToken, nil).Code)

	f.creds.disableRole(role.AdminID)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, other, admin.AccessToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/customers", admin.AccessToken, nil).Code)
}
