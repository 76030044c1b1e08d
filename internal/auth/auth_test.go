package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

func TestCredentialStoreLifecycle(t *testing.T) {
	s := NewCredentialStore(WithCost(bcrypt.MinCost))

	_, err := s.Issue("")
	assert.ErrorIs(t, err, ErrInvalidNodeID)

	token, err := s.Issue("mac-1")
	require.NoError(t, err)
	assert.Regexp(t, `^nt-[0-9a-f]{48}$`, token)

	assert.NoError(t, s.Verify("mac-1", token))
	assert.ErrorIs(t, s.Verify("mac-1", "nt-wrong"), ErrAuthFailed)
	assert.ErrorIs(t, s.Verify("linux-1", token), ErrUnknownNode, "tokens are scoped to one node")

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "mac-1", list[0].NodeID)
	assert.NotNil(t, list[0].LastUsedAt)

	rotated, err := s.Issue("mac-1")
	require.NoError(t, err)
	assert.Error(t, s.Verify("mac-1", token), "reissue invalidates the old token")
	assert.NoError(t, s.Verify("mac-1", rotated))

	assert.True(t, s.Revoke("mac-1"))
	assert.False(t, s.Revoke("mac-1"))
	assert.False(t, s.Has("mac-1"))
}

func newKey(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub), priv
}

func TestSignatureVerifier(t *testing.T) {
	pubB64, priv := newKey(t)
	v, err := NewSignatureVerifier(pubB64)
	require.NoError(t, err)

	id, err := v.VerifyToken(SignToken(priv, "host:with:colons"))
	require.NoError(t, err)
	assert.Equal(t, "host:with:colons", id)

	_, otherPriv := newKey(t)
	_, err = v.VerifyToken(SignToken(otherPriv, "n1"))
	assert.Error(t, err)

	for _, bad := range []string{"", "n1", ":sig", "n1:", "n1:!!!"} {
		_, err := v.VerifyToken(bad)
		assert.Error(t, err, bad)
	}

	_, err = NewSignatureVerifier("")
	assert.Error(t, err)
	_, err = NewSignatureVerifier(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestAuthenticator(t *testing.T) {
	creds := NewCredentialStore(WithCost(bcrypt.MinCost))
	issued, err := creds.Issue("n1")
	require.NoError(t, err)

	pubB64, priv := newKey(t)
	v, err := NewSignatureVerifier(pubB64)
	require.NoError(t, err)
	a := NewAuthenticator(creds, v, zap.NewNop())

	cases := []struct {
		name string
		auth model.AuthPayload
		ok   bool
	}{
		{"issued token", model.AuthPayload{NodeID: "n1", Token: issued}, true},
		{"signed token", model.AuthPayload{NodeID: "n2", Token: SignToken(priv, "n2")}, true},
		{"signed for another node", model.AuthPayload{NodeID: "n2", Token: SignToken(priv, "n3")}, false},
		{"aux uses owner credential", model.AuthPayload{NodeID: "n1-mcp-abc", ConnectionType: model.ConnAux, OwnerID: "n1", Token: issued}, true},
		{"aux without owner", model.AuthPayload{NodeID: "n1-mcp-abc", ConnectionType: model.ConnAux, Token: issued}, false},
		{"wrong token", model.AuthPayload{NodeID: "n1", Token: "nt-nope"}, false},
		{"empty token", model.AuthPayload{NodeID: "n1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := a.Authenticate(&tc.auth)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrAuthFailed), "got %v", err)
		})
	}
}

func TestAuthenticatorWithoutVerifier(t *testing.T) {
	a := NewAuthenticator(NewCredentialStore(WithCost(bcrypt.MinCost)), nil, zap.NewNop())
	_, priv := newKey(t)

	err := a.Authenticate(&model.AuthPayload{NodeID: "n1", Token: SignToken(priv, "n1")})
	assert.ErrorIs(t, err, ErrAuthFailed)
}
