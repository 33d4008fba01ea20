package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Framing constants.
const (
	// Magic is the frame marker every Baichuan frame starts with.
	Magic uint32 = 0x0abcdef0

	// HeaderSize is the size of the fixed frame header in bytes.
	HeaderSize = 20

	// ExtensionSize is the size of the optional channel extension block.
	ExtensionSize = 8

	// DefaultMaxBodySize is the default maximum frame body size (1 MB).
	// NVRs return large XML lists for multi-channel queries.
	DefaultMaxBodySize = 1 << 20

	// DefaultPort is the well-known TCP port for Baichuan traffic.
	DefaultPort = 9000
)

// Header flag bits.
const (
	flagHasExtension = 0x01
)

// Framing errors.
var (
	// ErrBadMagic indicates the frame does not start with the magic marker.
	ErrBadMagic = errors.New("bad magic marker")

	// ErrTruncated indicates the frame ended before the declared length.
	ErrTruncated = errors.New("frame truncated")

	// ErrBodyTooLarge indicates the declared body exceeds the maximum size.
	ErrBodyTooLarge = errors.New("frame body too large")

	// ErrCipherMismatch indicates the frame's encryption tag does not match
	// the cipher negotiated for this connection.
	ErrCipherMismatch = errors.New("encryption tag does not match negotiated cipher")

	// ErrBadBody indicates the frame body is not a well-formed message.
	ErrBadBody = errors.New("malformed frame body")
)

// EncryptionTag identifies the cipher applied to a frame body.
type EncryptionTag uint8

const (
	// EncryptionNone indicates a plaintext body.
	EncryptionNone EncryptionTag = 0

	// EncryptionXOR indicates the legacy XOR cipher.
	EncryptionXOR EncryptionTag = 1

	// EncryptionAES indicates the AES-CFB cipher.
	EncryptionAES EncryptionTag = 2
)

// String returns the encryption tag name.
func (t EncryptionTag) String() string {
	switch t {
	case EncryptionNone:
		return "NONE"
	case EncryptionXOR:
		return "XOR"
	case EncryptionAES:
		return "AES"
	default:
		return "UNKNOWN"
	}
}

// NoChannel marks a frame without a channel extension block.
const NoChannel int32 = -1

// Frame is the decoded wire unit. Body always holds plaintext; encryption
// is applied and reversed by the Codec.
type Frame struct {
	// CommandID identifies the command this frame carries.
	CommandID uint32

	// MessageID correlates a response to its originating request.
	MessageID uint32

	// Encryption is the cipher tag the frame is (to be) sealed with.
	Encryption EncryptionTag

	// Channel is the camera channel from the extension block,
	// or NoChannel when the frame carries no extension.
	Channel int32

	// Body is the plaintext payload.
	Body []byte
}

// Cipher seals and opens frame bodies. Implementations must be pure:
// each call operates on its input alone.
type Cipher interface {
	// Encrypt seals a plaintext body.
	Encrypt(plain []byte) []byte

	// Decrypt opens a sealed body.
	Decrypt(sealed []byte) ([]byte, error)

	// Tag reports which encryption tag this cipher corresponds to.
	Tag() EncryptionTag
}

// Codec encodes and decodes frames, applying the connection's negotiated
// cipher. A zero Codec handles plaintext frames only.
type Codec struct {
	mu          sync.RWMutex
	cipher      Cipher
	maxBodySize uint32
}

// NewCodec creates a codec with the default maximum body size and no cipher.
func NewCodec() *Codec {
	return &Codec{maxBodySize: DefaultMaxBodySize}
}

// SetCipher installs the cipher negotiated at login. The cipher is set once
// per connection and never changed mid-connection.
func (c *Codec) SetCipher(cipher Cipher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cipher = cipher
}

// SetMaxBodySize updates the maximum accepted body size.
func (c *Codec) SetMaxBodySize(size uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBodySize = size
}

func (c *Codec) limits() (Cipher, uint32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	max := c.maxBodySize
	if max == 0 {
		max = DefaultMaxBodySize
	}
	return c.cipher, max
}

// Encode serializes a frame to its full wire representation, sealing the
// body according to the frame's encryption tag.
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	cipher, max := c.limits()

	body := f.Body
	switch {
	case f.Encryption == EncryptionNone:
		// plaintext
	case cipher != nil && f.Encryption == cipher.Tag():
		body = cipher.Encrypt(body)
	default:
		return nil, fmt.Errorf("%w: frame tagged %s", ErrCipherMismatch, f.Encryption)
	}

	if uint32(len(body)) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, len(body), max)
	}

	size := HeaderSize + len(body)
	hasExt := f.Channel >= 0
	if hasExt {
		size += ExtensionSize
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], f.CommandID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(body)))
	binary.LittleEndian.PutUint32(buf[12:16], f.MessageID)
	buf[16] = byte(f.Encryption)
	if hasExt {
		buf[17] = flagHasExtension
		binary.LittleEndian.PutUint32(buf[20:24], uint32(f.Channel))
		copy(buf[HeaderSize+ExtensionSize:], body)
	} else {
		copy(buf[HeaderSize:], body)
	}

	return buf, nil
}

// ReadFrame reads, validates and decrypts one full frame from r.
// It blocks until a complete frame is available and never returns a
// partially decoded frame.
func (c *Codec) ReadFrame(r io.Reader) (*Frame, error) {
	cipher, max := c.limits()

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}

	f := &Frame{
		CommandID:  binary.LittleEndian.Uint32(header[4:8]),
		MessageID:  binary.LittleEndian.Uint32(header[12:16]),
		Encryption: EncryptionTag(header[16]),
		Channel:    NoChannel,
	}
	length := binary.LittleEndian.Uint32(header[8:12])
	if length > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, length, max)
	}

	if header[17]&flagHasExtension != 0 {
		var ext [ExtensionSize]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, ErrTruncated
		}
		f.Channel = int32(binary.LittleEndian.Uint32(ext[0:4]))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ErrTruncated
	}

	switch {
	case f.Encryption == EncryptionNone:
		f.Body = body
	case cipher != nil && f.Encryption == cipher.Tag():
		plain, err := cipher.Decrypt(body)
		if err != nil {
			return nil, err
		}
		f.Body = plain
	default:
		return nil, fmt.Errorf("%w: frame tagged %s", ErrCipherMismatch, f.Encryption)
	}

	return f, nil
}

// Decode decodes a single frame from an in-memory buffer.
func (c *Codec) Decode(data []byte) (*Frame, error) {
	return c.ReadFrame(bytes.NewReader(data))
}
