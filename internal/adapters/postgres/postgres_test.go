package postgres

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/dkeye/callserver/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	point, err := priv.PublicKey.Bytes()
	require.NoError(t, err)
	jwk, err := json.Marshal(jsonWebKey{
		Kty: "EC",
		Crv: "P-384",
		X:   base64.RawURLEncoding.EncodeToString(point[1 : 1+p384Size]),
		Y:   base64.RawURLEncoding.EncodeToString(point[1+p384Size:]),
	})
	require.NoError(t, err)
	return priv, jwk
}

func sign(t *testing.T, priv *ecdsa.PrivateKey, secret string) string {
	t.Helper()
	digest := sha512.Sum384([]byte(secret))
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	require.NoError(t, err)
	sig := make([]byte, 2*p384Size)
	r.FillBytes(sig[:p384Size])
	s.FillBytes(sig[p384Size:])
	return base64.StdEncoding.EncodeToString(sig)
}

func TestVerifySignature(t *testing.T) {
	priv, jwk := deviceKey(t)
	sig := sign(t, priv, "challenge")

	assert.NoError(t, verifySignature(jwk, "challenge", sig))

	err := verifySignature(jwk, "other challenge", sig)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	err = verifySignature(jwk, "challenge", "not base64 !!")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	err = verifySignature(jwk, "challenge", base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifySignatureAcceptsURLSafeEncoding(t *testing.T) {
	priv, jwk := deviceKey(t)
	std := sign(t, priv, "secret")
	raw, err := base64.StdEncoding.DecodeString(std)
	require.NoError(t, err)

	assert.NoError(t, verifySignature(jwk, "secret", base64.RawURLEncoding.EncodeToString(raw)))
}

func TestVerifySignatureWithForeignKey(t *testing.T) {
	priv, _ := deviceKey(t)
	_, otherJWK := deviceKey(t)

	err := verifySignature(otherJWK, "secret", sign(t, priv, "secret"))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestParsePublicKeyRejectsOtherCurves(t *testing.T) {
	_, err := parsePublicKey([]byte(`{"kty":"EC","crv":"P-256","x":"AA","y":"AA"}`))
	assert.Error(t, err)

	_, err = parsePublicKey([]byte(`{"kty":"RSA"}`))
	assert.Error(t, err)

	_, err = parsePublicKey([]byte(`not json`))
	assert.Error(t, err)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t,
		"callservercallupdate_0b6c1f4e_2f1a_4c39_9d3e_1f0e5a0c7d11",
		ChannelName("0b6c1f4e-2f1a-4c39-9d3e-1f0e5a0c7d11"))
}

func TestDecodeUpdate(t *testing.T) {
	channel := ChannelName("abc-def")

	u, err := decodeUpdate(channel, []byte(`{"type":"callservercallupdate_abc_def","callId":"c1","slots":8,"stageSlots":2,"audioOnly":true}`))
	require.NoError(t, err)
	assert.Equal(t, domain.CallUpdateType, u.Type)
	assert.Equal(t, "c1", u.CallID)
	assert.Equal(t, 8, u.Slots)
	assert.Equal(t, 2, u.StageSlots)
	assert.True(t, u.AudioOnly)

	u, err = decodeUpdate(channel, []byte(`{"type":"callUpdate","callId":"c2","ended":true}`))
	require.NoError(t, err)
	assert.True(t, u.Ended)

	_, err = decodeUpdate(channel, []byte(`{"type":"somethingElse","callId":"c3"}`))
	assert.Error(t, err)

	_, err = decodeUpdate(channel, []byte(`{`))
	assert.Error(t, err)
}
