package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRoot_RejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "token", "student", "--id", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestToken_StudentTokenValidates(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-test-secret")

	out, err := execute(t, "token", "student", "--id", "42", "--class", "3", "--format", "json")
	require.NoError(t, err)

	var payload struct {
		Token  string `json:"token"`
		UserID int    `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, 42, payload.UserID)

	cfg := config.Load()
	auth := service.NewAuthService(cfg, nil)
	claims, err := auth.ValidateToken(payload.Token)
	require.NoError(t, err)
	assert.Equal(t, service.TokenTypeStudent, claims.TokenType)
	assert.Equal(t, 42, claims.UserID)
	assert.Equal(t, 3, claims.ClassID)
}

func TestToken_AdminCarriesRequestedPermissions(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-test-secret")

	out, err := execute(t, "token", "admin", "--id", "1", "--perm", "attempts:read")
	require.NoError(t, err)

	auth := service.NewAuthService(config.Load(), nil)
	claims, err := auth.ValidateToken(string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	assert.Equal(t, service.TokenTypeAdmin, claims.TokenType)
	assert.Equal(t, []string{"attempts:read"}, claims.Permissions)
}

func TestToken_RejectsBadInput(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-test-secret")

	_, err := execute(t, "token", "proctor", "--id", "1")
	assert.Error(t, err)

	_, err = execute(t, "token", "student", "--id", "0")
	assert.Error(t, err)

	_, err = execute(t, "token", "admin", "--id", "1", "--perm", "exams:delete")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown permission")
}

func TestParsePermissions_DefaultsToAll(t *testing.T) {
	perms, err := parsePermissions(nil)
	require.NoError(t, err)
	assert.Equal(t, model.PermissionCodes(model.AllPermissions...), perms)
}

func TestFormatDetails_SortedKeys(t *testing.T) {
	assert.Equal(t, "", formatDetails(nil))
	assert.Equal(t, "a=1 b=x", formatDetails(map[string]any{"b": "x", "a": 1}))
}

func TestParseUUIDArg(t *testing.T) {
	_, err := parseUUIDArg("attempt id", "nope")
	assert.Error(t, err)
}
