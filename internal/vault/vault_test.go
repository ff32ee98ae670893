package vault

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/portfolio-aggregator/internal/errors"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, MasterKeySize)
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(testKey(7))
	require.NoError(t, err)
	return v
}

func TestNew_RejectsShortKey(t *testing.T) {
	_, err := New([]byte("too-short"))
	assert.Error(t, err)
}

func TestVault_RoundTripProperty(t *testing.T) {
	v := newTestVault(t)
	properties := gopter.NewProperties(nil)

	properties.Property("decrypt(encrypt(p)) == p", prop.ForAll(
		func(p []byte) bool {
			env, err := v.Encrypt(p)
			if err != nil {
				return false
			}
			out, err := v.Decrypt(env)
			return err == nil && bytes.Equal(out, p)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("encoded envelopes survive parsing", prop.ForAll(
		func(s string) bool {
			encoded, err := v.EncryptString([]byte(s))
			if err != nil {
				return false
			}
			out, err := v.DecryptString(encoded)
			return err == nil && string(out) == s
		},
		gen.AnyString(),
	))

	properties.Property("a flipped ciphertext or tag byte fails integrity", prop.ForAll(
		func(p []byte, pos int, inTag bool) bool {
			env, err := v.Encrypt(p)
			if err != nil {
				return false
			}
			target := env.Ciphertext
			if inTag || len(target) == 0 {
				target = env.AuthTag
			}
			target[pos%len(target)] ^= 0x01

			_, err = v.Decrypt(env)
			return apperrors.Is(err, apperrors.KindIntegrity)
		},
		gen.SliceOfN(16, gen.UInt8()),
		gen.IntRange(0, 1<<16),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestVault_FreshNoncePerCall(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := v.Encrypt([]byte("same"))
	require.NoError(t, err)

	assert.Len(t, a.Nonce, 24)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Encode(), b.Encode())
}

func TestVault_WrongKeyIsIntegrityError(t *testing.T) {
	sealer := newTestVault(t)
	other, err := New(testKey(9))
	require.NoError(t, err)

	encoded, err := sealer.EncryptString([]byte(`{"apiKey":"k"}`))
	require.NoError(t, err)

	_, err = other.DecryptString(encoded)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindIntegrity))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestParseEnvelope_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"too few segments", "v1.abc.def"},
		{"unknown version", "v9.AA.AA.AA"},
		{"bad base64", "v1.!!.AA.AA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope(tt.input)
			assert.True(t, apperrors.Is(err, apperrors.KindIntegrity))
		})
	}
}

func TestVault_JSONHelpers(t *testing.T) {
	v := newTestVault(t)
	type creds struct {
		APIKey    string `json:"apiKey"`
		APISecret string `json:"apiSecret"`
	}

	encoded, err := v.SealJSON(creds{APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)
	assert.NotContains(t, encoded, "secret")

	var out creds
	require.NoError(t, v.OpenJSON(encoded, &out))
	assert.Equal(t, "key", out.APIKey)
	assert.Equal(t, "secret", out.APISecret)
}
