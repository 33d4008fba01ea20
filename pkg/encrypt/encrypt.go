// Package encrypt implements the two Baichuan body ciphers: the legacy
// XOR scheme keyed by a fixed table plus a per-connection offset, and the
// AES-CFB scheme keyed by material derived from the login nonce.
//
// Both ciphers are symmetric, length-preserving and pure: every call
// creates fresh cipher state from the key material, so Encrypt and
// Decrypt are safe for concurrent use.
package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

// Encryption errors. Key derivation failure and an unsupported announced
// mode are authentication failures, not retryable conditions.
var (
	// ErrUnsupportedMode indicates the peer announced an encryption mode
	// this library does not implement.
	ErrUnsupportedMode = errors.New("unsupported encryption mode")

	// ErrKeyDerivation indicates session key material could not be derived.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrDecrypt indicates a sealed body could not be opened.
	ErrDecrypt = errors.New("decrypt failed")
)

// xorKeyTable is the fixed key table of the legacy cipher.
var xorKeyTable = [8]byte{0x1f, 0x2d, 0x3c, 0x4b, 0x5a, 0x69, 0x78, 0xff}

// aesIV is the fixed initialization vector carried alongside AES frames.
var aesIV = []byte("bcswebapp1234567")

// XOR is the legacy reversible cipher. The zero value uses offset 0,
// which is what pre-login frames are sealed with.
type XOR struct {
	offset uint32
}

// NewXOR creates a legacy cipher with the offset negotiated at login.
func NewXOR(offset uint32) *XOR {
	return &XOR{offset: offset}
}

func (x *XOR) apply(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		k := xorKeyTable[(x.offset+uint32(i))%uint32(len(xorKeyTable))]
		out[i] = b ^ byte(uint32(k)+x.offset)
	}
	return out
}

// Encrypt seals a plaintext body.
func (x *XOR) Encrypt(plain []byte) []byte { return x.apply(plain) }

// Decrypt opens a sealed body. The XOR scheme is its own inverse.
func (x *XOR) Decrypt(sealed []byte) ([]byte, error) { return x.apply(sealed), nil }

// Tag reports the wire encryption tag for this cipher.
func (x *XOR) Tag() wire.EncryptionTag { return wire.EncryptionXOR }

// AES is the AES-128-CFB cipher used by current firmware.
type AES struct {
	block cipher.Block
}

// NewAES derives the session key from the login nonce and password and
// returns the connection cipher.
func NewAES(nonce, password string) (*AES, error) {
	if nonce == "" {
		return nil, fmt.Errorf("%w: empty nonce", ErrKeyDerivation)
	}
	sum := md5.Sum([]byte(nonce + "-" + password))
	key := strings.ToUpper(hex.EncodeToString(sum[:]))[:16]

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	return &AES{block: block}, nil
}

// Encrypt seals a plaintext body with a fresh CFB stream.
func (a *AES) Encrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	cipher.NewCFBEncrypter(a.block, aesIV).XORKeyStream(out, plain)
	return out
}

// Decrypt opens a sealed body with a fresh CFB stream.
func (a *AES) Decrypt(sealed []byte) ([]byte, error) {
	out := make([]byte, len(sealed))
	cipher.NewCFBDecrypter(a.block, aesIV).XORKeyStream(out, sealed)
	return out, nil
}

// Tag reports the wire encryption tag for this cipher.
func (a *AES) Tag() wire.EncryptionTag { return wire.EncryptionAES }

// Negotiate builds the connection cipher from the mode the peer announced
// in its key-exchange response.
func Negotiate(mode, nonce, password string, offset uint32) (wire.Cipher, error) {
	switch strings.ToLower(mode) {
	case "aes":
		return NewAES(nonce, password)
	case "xor":
		return NewXOR(offset), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

// PasswordHash returns the credential digest transmitted in login bodies.
func PasswordHash(password string) string {
	sum := md5.Sum([]byte(password))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
