package postgres

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/dkeye/callserver/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// p384Size is the byte length of one P-384 coordinate and of r and s.
const p384Size = 48

// Devices implements core.DeviceAuth over the devices table. Each device
// registers an ECDSA P-384 public key as a JWK.
type Devices struct {
	pool *pgxpool.Pool
}

func NewDevices(pool *pgxpool.Pool) *Devices {
	return &Devices{pool: pool}
}

func (d *Devices) VerifyDeviceAndGetUserID(ctx context.Context, deviceID, secret, signature string) (string, error) {
	var jwk []byte
	var userID string
	err := d.pool.QueryRow(ctx, `
		SELECT "publicKey"::text, "userId"::text
		FROM devices
		WHERE id = $1 AND "deletedAt" IS NULL
	`, deviceID).Scan(&jwk, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.Errorf(domain.CodeInvalidSignature, "unknown device")
	}
	if err != nil {
		return "", fmt.Errorf("load device %s: %w", deviceID, err)
	}
	if err := verifySignature(jwk, secret, signature); err != nil {
		return "", err
	}
	return userID, nil
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func parsePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	var k jsonWebKey
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("decode jwk: %w", err)
	}
	if k.Kty != "EC" || k.Crv != "P-384" {
		return nil, fmt.Errorf("unsupported key %s/%s", k.Kty, k.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil || len(x) != p384Size {
		return nil, errors.New("bad x coordinate")
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil || len(y) != p384Size {
		return nil, errors.New("bad y coordinate")
	}
	point := make([]byte, 0, 1+2*p384Size)
	point = append(point, 0x04)
	point = append(point, x...)
	point = append(point, y...)
	return ecdsa.ParseUncompressedPublicKey(elliptic.P384(), point)
}

// decodeSignature accepts padded and unpadded, standard and URL-safe base64.
func decodeSignature(s string) ([]byte, error) {
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// verifySignature checks a WebCrypto ECDSA P-384/SHA-384 signature, which
// is the raw concatenation r||s.
func verifySignature(jwk []byte, secret, signature string) error {
	pub, err := parsePublicKey(jwk)
	if err != nil {
		return domain.Errorf(domain.CodeInvalidSignature, "device key: %v", err)
	}
	sig, err := decodeSignature(signature)
	if err != nil || len(sig) != 2*p384Size {
		return domain.ErrInvalidSignature
	}
	r := new(big.Int).SetBytes(sig[:p384Size])
	s := new(big.Int).SetBytes(sig[p384Size:])
	digest := sha512.Sum384([]byte(secret))
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return domain.ErrInvalidSignature
	}
	return nil
}
