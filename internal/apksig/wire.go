// Package apksig builds (and, for testing, reads back) the APK Signature
// Scheme v2 signing block: the chunked content digest, the length-prefixed
// signed-data/signer wire format, and the outer signing-block container.
package apksig

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
)

// https://source.android.com/security/apksigning/v2#apk-signature-scheme-v2-block-format
// describes the length-prefixed structure this file marshals and parses.

const (
	// SignatureAlgorithmID is the only algorithm this writer produces:
	// RSASSA-PKCS1-v1_5 with SHA2-256.
	SignatureAlgorithmID uint32 = 0x0103

	// BlockID is the id tag of the v2 pair inside the APK Signing Block.
	BlockID uint32 = 0x7109871a

	// sigBlockMagic is the 16-byte footer identifying an APK Signing Block.
	sigBlockMagic = "APK Sig Block 42"
)

var errTrailingData = errors.New("apksig: trailing data after structure")

// raw is a length-prefixed byte blob kept with its 4-byte size prefix
// intact, used where a structure's already-marshaled form needs to be
// embedded verbatim (e.g. signedData inside a signer record).
type raw []byte

// Bytes strips the length prefix and returns the inner content.
func (r raw) Bytes() []byte { return []byte(r[4:]) }

var (
	bytesType  = reflect.TypeOf([]byte(nil))
	rawType    = reflect.TypeOf(raw(nil))
	uint32Type = reflect.TypeOf(uint32(0))
)

// digest is one (algorithm id, digest bytes) pair.
type digest struct {
	ID    uint32
	Value []byte
}

// signature is one (algorithm id, signature bytes) pair; same shape as
// digest, kept as a distinct type for readability at call sites.
type signature struct {
	ID    uint32
	Value []byte
}

// signedData is the inner structure a signer's record commits to.
type signedData struct {
	Digests      []digest
	Certificates [][]byte
	Attributes   []struct {
		ID    uint32
		Value []byte
	}
}

// signer is one entry of the v2 block's signers sequence.
type signer struct {
	SignedData raw
	Signatures []signature
	PublicKey  []byte
}

func marshal(src interface{}) (raw, error) {
	m := new(marshaller)
	if err := m.marshal(reflect.ValueOf(src)); err != nil {
		return nil, err
	}
	return raw(m.buf), nil
}

type marshaller struct {
	buf []byte
	pos int
}

func (m *marshaller) grow(n int) []byte {
	if cap(m.buf)-m.pos < n {
		buf := make([]byte, 2*cap(m.buf)+n)
		copy(buf, m.buf)
		m.buf = buf
	}
	m.buf = m.buf[:m.pos+n]
	ret := m.buf[m.pos : m.pos+n]
	m.pos += n
	return ret
}

func (m *marshaller) write(d []byte) {
	copy(m.grow(len(d)), d)
}

func (m *marshaller) marshal(v reflect.Value) error {
	if v.Type() == rawType {
		m.write(v.Bytes())
		return nil
	}
	switch {
	case v.Type() == uint32Type:
		binary.LittleEndian.PutUint32(m.grow(4), uint32(v.Uint()))
		return nil
	}
	start := m.pos
	m.grow(4)
	switch {
	case v.Type() == bytesType:
		m.write(v.Bytes())
	case v.Kind() == reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			if err := m.marshal(v.Index(i)); err != nil {
				return err
			}
		}
	case v.Kind() == reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := m.marshal(v.Field(i)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("apksig: cannot marshal type %s", v.Type())
	}
	end := m.pos
	binary.LittleEndian.PutUint32(m.buf[start:], uint32(end-start-4))
	return nil
}

func unmarshal(blob []byte, dest interface{}) error {
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return errors.New("apksig: unmarshal target must be a non-nil pointer")
	}
	rest, err := unmarshalR(blob, v.Elem())
	if err != nil {
		return err
	} else if len(rest) != 0 {
		return errTrailingData
	}
	return nil
}

func unmarshalR(blob []byte, v reflect.Value) ([]byte, error) {
	switch {
	case v.Type() == uint32Type:
		if len(blob) < 4 {
			return nil, io.ErrUnexpectedEOF
		}
		v.SetUint(uint64(binary.LittleEndian.Uint32(blob)))
		return blob[4:], nil
	}
	if len(blob) < 4 {
		return nil, io.ErrUnexpectedEOF
	}
	size := int(binary.LittleEndian.Uint32(blob))
	if size < 0 || 4+size > len(blob) {
		return nil, io.ErrUnexpectedEOF
	}
	remainder := blob[4+size:]
	body := blob[:4+size]
	blob = body[4:]
	switch {
	case v.Type() == bytesType:
		v.SetBytes(blob)
	case v.Type() == rawType:
		v.SetBytes(body)
	case v.Kind() == reflect.Slice:
		itemType := v.Type().Elem()
		v.Set(reflect.MakeSlice(v.Type(), 0, 0))
		for len(blob) > 0 {
			n := v.Len()
			v.Set(reflect.Append(v, reflect.Zero(itemType)))
			var err error
			blob, err = unmarshalR(blob, v.Index(n))
			if err != nil {
				return nil, err
			}
		}
	case v.Kind() == reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			var err error
			blob, err = unmarshalR(blob, v.Field(i))
			if err != nil {
				return nil, err
			}
		}
		if len(blob) > 0 {
			return nil, errTrailingData
		}
	default:
		return nil, fmt.Errorf("apksig: cannot unmarshal type %s", v.Type())
	}
	return remainder, nil
}
