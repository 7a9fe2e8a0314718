package onion

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ellemouton/onion/internal/crypto"
)

var (
	// ErrPayloadTooLarge is returned when a payload does not fit into a
	// Message.
	ErrPayloadTooLarge = errors.New("onion: payload too large")

	// ErrMissingPadding is returned when a decrypted Message does not
	// contain the padding marker.
	ErrMissingPadding = errors.New("onion: missing padding marker")
)

var paddingMarker = []byte(PaddingMarker)

// Message is the onion encrypted payload of a packet, a view over MessageSize
// bytes. Its plaintext form is payload || PaddingMarker || zero fill.
type Message struct {
	buf []byte
}

// NewMessage writes the padded payload into buf, which may be nil.
func NewMessage(payload, buf []byte) (*Message, error) {
	if len(payload) > PayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge,
			len(payload), PayloadSize)
	}

	if buf == nil {
		buf = make([]byte, MessageSize)
	}
	m, err := MessageFromBytes(buf)
	if err != nil {
		return nil, err
	}

	n := copy(buf, payload)
	n += copy(buf[n:], paddingMarker)
	for i := n; i < MessageSize; i++ {
		buf[i] = 0
	}

	return m, nil
}

// MessageFromBytes returns a view over an existing serialized message.
func MessageFromBytes(buf []byte) (*Message, error) {
	if len(buf) != MessageSize {
		return nil, ErrInvalidLength
	}

	return &Message{buf: buf}, nil
}

// Bytes returns the underlying buffer.
func (m *Message) Bytes() []byte {
	return m.buf
}

// OnionEncrypt adds one encryption layer per secret. The layers are applied
// in reverse hop order, so the layer of the first hop is the outermost one.
func (m *Message) OnionEncrypt(secrets [][]byte) error {
	for i := len(secrets) - 1; i >= 0; i-- {
		prp := crypto.NewPRPFromSecret(secrets[i])
		if _, err := prp.Permutate(m.buf); err != nil {
			return err
		}
	}

	return nil
}

// Decrypt removes the outermost encryption layer using the secret of this
// hop.
func (m *Message) Decrypt(secret []byte) error {
	_, err := crypto.NewPRPFromSecret(secret).Inverse(m.buf)
	return err
}

// Plaintext returns the payload of a fully decrypted message. The marker is
// searched from the end so that payloads may contain it themselves.
func (m *Message) Plaintext() ([]byte, error) {
	idx := bytes.LastIndex(m.buf, paddingMarker)
	if idx < 0 {
		return nil, ErrMissingPadding
	}

	// Everything after the marker is zero fill.
	for _, b := range m.buf[idx+len(paddingMarker):] {
		if b != 0 {
			return nil, ErrMissingPadding
		}
	}

	return m.buf[:idx], nil
}
