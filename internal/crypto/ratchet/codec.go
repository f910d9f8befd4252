package ratchet

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Serialization format: a version byte, length-prefixed deterministic fields,
// then HMAC-SHA256 over everything before the tag, keyed by the root key.
// Skipped entries are written in FIFO order so encode/decode round-trips the
// eviction order exactly.

const codecVersion = 1

var (
	// ErrBadStateMAC marks a serialized state whose tag does not verify.
	ErrBadStateMAC = errors.New("ratchet: state mac verification failed")
	// ErrBadStateEncoding marks a structurally invalid serialized state.
	ErrBadStateEncoding = errors.New("ratchet: malformed state encoding")
)

// EncodeState serializes s with an authentication tag keyed by the root key.
func EncodeState(s *State) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	buf.Write(s.RootKey[:])
	writeChain(&buf, s.Send)
	writeChain(&buf, s.Recv)
	buf.Write(s.LocalKey.Public[:])
	buf.Write(s.LocalKey.Secret[:])
	buf.Write(s.RemotePub[:])

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(s.MaxSkipped))
	buf.Write(u32[:])

	binary.BigEndian.PutUint32(u32[:], uint32(len(s.skipOrder)))
	buf.Write(u32[:])
	for _, sk := range s.skipOrder {
		key, ok := s.skipped[sk]
		if !ok {
			return nil, fmt.Errorf("ratchet: encode: dangling skipped entry")
		}
		buf.Write(sk.Pub[:])
		var u64 [8]byte
		binary.BigEndian.PutUint64(u64[:], sk.Counter)
		buf.Write(u64[:])
		buf.Write(key[:])
	}

	mac := hmac.New(sha256.New, s.RootKey[:])
	mac.Write(buf.Bytes())
	return mac.Sum(buf.Bytes()), nil
}

// DecodeState parses a serialized state, verifying the MAC in constant time
// before trusting any field beyond the root key needed to key the check.
func DecodeState(raw []byte) (*State, error) {
	const macLen = sha256.Size
	minLen := 1 + KeySize // version + root key
	if len(raw) < minLen+macLen {
		return nil, ErrBadStateEncoding
	}
	body, tag := raw[:len(raw)-macLen], raw[len(raw)-macLen:]

	r := bytes.NewReader(body)
	version, _ := r.ReadByte()
	if version != codecVersion {
		return nil, ErrBadStateEncoding
	}

	s := &State{skipped: make(map[skippedKey][KeySize]byte)}
	if err := readFull(r, s.RootKey[:]); err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, s.RootKey[:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrBadStateMAC
	}

	var err error
	if s.Send, err = readChain(r); err != nil {
		return nil, err
	}
	if s.Recv, err = readChain(r); err != nil {
		return nil, err
	}
	if err := readFull(r, s.LocalKey.Public[:]); err != nil {
		return nil, err
	}
	if err := readFull(r, s.LocalKey.Secret[:]); err != nil {
		return nil, err
	}
	if err := readFull(r, s.RemotePub[:]); err != nil {
		return nil, err
	}

	var u32 [4]byte
	if err := readFull(r, u32[:]); err != nil {
		return nil, err
	}
	s.MaxSkipped = int(binary.BigEndian.Uint32(u32[:]))

	if err := readFull(r, u32[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(u32[:]))
	if n > len(body) { // cheap sanity bound before allocating
		return nil, ErrBadStateEncoding
	}
	for i := 0; i < n; i++ {
		var sk skippedKey
		if err := readFull(r, sk.Pub[:]); err != nil {
			return nil, err
		}
		var u64 [8]byte
		if err := readFull(r, u64[:]); err != nil {
			return nil, err
		}
		sk.Counter = binary.BigEndian.Uint64(u64[:])
		var key [KeySize]byte
		if err := readFull(r, key[:]); err != nil {
			return nil, err
		}
		s.skipped[sk] = key
		s.skipOrder = append(s.skipOrder, sk)
	}
	if r.Len() != 0 {
		return nil, ErrBadStateEncoding
	}
	return s, nil
}

func writeChain(buf *bytes.Buffer, c chain) {
	if c.Valid {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(c.Key[:])
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], c.Counter)
	buf.Write(u64[:])
}

func readChain(r *bytes.Reader) (chain, error) {
	var c chain
	b, err := r.ReadByte()
	if err != nil {
		return c, ErrBadStateEncoding
	}
	c.Valid = b == 1
	if err := readFull(r, c.Key[:]); err != nil {
		return c, err
	}
	var u64 [8]byte
	if err := readFull(r, u64[:]); err != nil {
		return c, err
	}
	c.Counter = binary.BigEndian.Uint64(u64[:])
	return c, nil
}

func readFull(r *bytes.Reader, out []byte) error {
	if _, err := io.ReadFull(r, out); err != nil {
		return ErrBadStateEncoding
	}
	return nil
}
