package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arca/workflow-orchestrator/domain/workflow/kinds"
)

const testDevKey = "dev-mode-32-byte-passphrase!!!!!" // exactly 32 bytes

func TestEnvResolver_EncryptThenResolveRoundTrips(t *testing.T) {
	r, err := NewEnvResolver(testDevKey, true)
	require.NoError(t, err)

	sealed, err := r.Encrypt("super-secret-password")
	require.NoError(t, err)

	t.Setenv(envKey("portal-login"), sealed)

	value, err := r.Resolve(context.Background(), "portal-login")
	require.NoError(t, err)
	require.Equal(t, "super-secret-password", value)
}

func TestEnvResolver_MissingEnvVarIsCredentialNotFound(t *testing.T) {
	r, err := NewEnvResolver(testDevKey, true)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, kinds.ErrCredentialNotFound)
}

func TestEnvResolver_MalformedCiphertextIsDistinctFromNotFound(t *testing.T) {
	r, err := NewEnvResolver(testDevKey, true)
	require.NoError(t, err)

	t.Setenv(envKey("bad-entry"), "not-valid-base64!!")

	_, err = r.Resolve(context.Background(), "bad-entry")
	require.Error(t, err)
	require.NotErrorIs(t, err, kinds.ErrCredentialNotFound)
}

func TestNewEnvResolver_RejectsNonHexKeyOutsideDevMode(t *testing.T) {
	_, err := NewEnvResolver(testDevKey, false)
	require.Error(t, err)
}

func TestNewEnvResolver_AcceptsHexKeyRegardlessOfDevMode(t *testing.T) {
	hexKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"[:64]
	_, err := NewEnvResolver(hexKey, false)
	require.NoError(t, err)
}

func TestEnvKey_SanitizesNonAlphanumerics(t *testing.T) {
	require.Equal(t, "CREDENTIAL_PORTAL_LOGIN", envKey("portal-login"))
	require.Equal(t, "CREDENTIAL_A_B_C", envKey("a.b c"))
}
