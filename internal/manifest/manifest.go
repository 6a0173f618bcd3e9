// Package manifest implements the binary encoding of a band's entry list.
//
// A manifest is a short magic plus a big-endian version number, followed by
// the entries as a CBOR array. The version is checked before any of the body
// is interpreted; bytes written by a different format version are rejected,
// never guessed at.
package manifest

import (
	"bytes"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

// ErrUnsupportedVersion is returned by Decode for data that does not carry
// the magic and version this package writes.
var ErrUnsupportedVersion = errors.New("unsupported manifest format")

var magic = []byte("STMF")

// Version is the manifest format version written by Encode.
const Version uint16 = 1

const headerSize = len("STMF") + 2

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes entries. Decode(Encode(entries)) returns entries
// unchanged.
func Encode(entries []strata.Entry) ([]byte, error) {
	if entries == nil {
		entries = []strata.Entry{}
	}

	body, err := encMode.Marshal(entries)
	if err != nil {
		return nil, errors.Wrap(err, "cbor.Marshal")
	}

	buf := make([]byte, headerSize, headerSize+len(body))
	copy(buf, magic)
	binary.BigEndian.PutUint16(buf[len(magic):], Version)

	return append(buf, body...), nil
}

// Decode parses a manifest produced by Encode.
func Decode(buf []byte) ([]strata.Entry, error) {
	if len(buf) < headerSize || !bytes.Equal(buf[:len(magic)], magic) {
		return nil, errors.Wrap(ErrUnsupportedVersion, "missing manifest magic")
	}

	if v := binary.BigEndian.Uint16(buf[len(magic):headerSize]); v != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d, supported version is %d", v, Version)
	}

	var entries []strata.Entry
	if err := decMode.Unmarshal(buf[headerSize:], &entries); err != nil {
		return nil, errors.Wrap(err, "cbor.Unmarshal")
	}

	if entries == nil {
		entries = []strata.Entry{}
	}

	return entries, nil
}
