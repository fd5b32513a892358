package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/mr-tron/base58"
)

// Multikey decoding for compressed P-256 public keys.
//
// Layout: 'z' multibase prefix (base58btc), then a 2-byte multicodec
// prefix (0x80 0x24 = p256-pub), then the 33-byte SEC1 compressed point.

var (
	ErrUnsupportedMultibase = errors.New("identity: unsupported multibase prefix")
	ErrKeyTooShort          = errors.New("identity: multikey too short")
	ErrUnsupportedKeyCodec  = errors.New("identity: unsupported multicodec key type")
	ErrInvalidCompression   = errors.New("identity: invalid compression prefix byte")
	ErrPointNotOnCurve      = errors.New("identity: decompressed point not on curve")
)

// p256-pub multicodec prefix (varint encoding of 0x1200).
var p256Codec = [2]byte{0x80, 0x24}

// DecodeMultikey decodes a multibase P-256 multikey into an ECDSA public
// key usable for ES256 signature verification.
func DecodeMultikey(multibase string) (*ecdsa.PublicKey, error) {
	if !strings.HasPrefix(multibase, "z") {
		return nil, ErrUnsupportedMultibase
	}
	raw, err := base58.Decode(multibase[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMultibase, err)
	}
	if len(raw) < 35 {
		return nil, ErrKeyTooShort
	}
	if raw[0] != p256Codec[0] || raw[1] != p256Codec[1] {
		return nil, ErrUnsupportedKeyCodec
	}

	x, y, err := decompressP256(raw[2:35])
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// decompressP256 expands a 33-byte SEC1 compressed point. The curve
// equation y² = x³ - 3x + b is solved for y with the exponentiation
// y = (y²)^((p+1)/4) mod p, valid because the P-256 prime is ≡ 3 mod 4;
// the root whose parity matches the compression prefix is selected.
func decompressP256(compressed []byte) (*big.Int, *big.Int, error) {
	prefix := compressed[0]
	if prefix != 0x02 && prefix != 0x03 {
		return nil, nil, ErrInvalidCompression
	}

	curve := elliptic.P256().Params()
	p := curve.P
	x := new(big.Int).SetBytes(compressed[1:])
	if x.Cmp(p) >= 0 {
		return nil, nil, ErrPointNotOnCurve
	}

	// y² = x³ - 3x + b mod p
	ySq := new(big.Int).Exp(x, big.NewInt(3), p)
	threeX := new(big.Int).Mul(x, big.NewInt(3))
	ySq.Sub(ySq, threeX)
	ySq.Add(ySq, curve.B)
	ySq.Mod(ySq, p)

	// y = (y²)^((p+1)/4) mod p
	exp := new(big.Int).Add(p, big.NewInt(1))
	exp.Div(exp, big.NewInt(4))
	y := new(big.Int).Exp(ySq, exp, p)

	// The exponentiation only yields a square root when y² is a quadratic
	// residue; verify instead of returning a garbage point.
	check := new(big.Int).Mul(y, y)
	check.Mod(check, p)
	if check.Cmp(ySq) != 0 {
		return nil, nil, ErrPointNotOnCurve
	}

	// Select the root with parity matching the prefix (0x02 even, 0x03 odd).
	if y.Bit(0) != uint(prefix&1) {
		y.Sub(p, y)
	}
	return x, y, nil
}

// EncodeMultikey is the inverse of DecodeMultikey, used by tests and
// fixtures to build document entries from generated keys.
func EncodeMultikey(pub *ecdsa.PublicKey) string {
	compressed := elliptic.MarshalCompressed(elliptic.P256(), pub.X, pub.Y)
	raw := make([]byte, 0, 2+len(compressed))
	raw = append(raw, p256Codec[0], p256Codec[1])
	raw = append(raw, compressed...)
	return "z" + base58.Encode(raw)
}
