package strata

import (
	"testing"

	rtest "github.com/strata-backup/strata/internal/test"
)

var TestStrings = []struct {
	id   string
	data string
}{
	{"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", "abc"},
	{"c3ab8ff13720e8ad9047dd39466b3c8974e592c2fa383d4a3960714caef0c4f2", "foobar"},
	{"248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1", "abcdbcdecdefdefgefghfghighijhijkijkljklmklmnlmnomnopnopq"},
}

func TestHash(t *testing.T) {
	for _, test := range TestStrings {
		id, err := ParseID(test.id)
		rtest.OK(t, err)

		id2 := Hash([]byte(test.data))
		rtest.Assert(t, id.Equal(id2), "hash mismatch for %q", test.data)

		// test String()
		rtest.Equals(t, test.id, id.String())
	}
}

func TestParseIDErrors(t *testing.T) {
	_, err := ParseID("123456")
	rtest.Assert(t, err != nil, "expected error for short input")

	_, err = ParseID("123456789012345678901234567890123456789012345678901234567890123x")
	rtest.Assert(t, err != nil, "expected error for non-hex input")
}

func TestIDJSON(t *testing.T) {
	id := Hash([]byte("content"))

	buf, err := id.MarshalJSON()
	rtest.OK(t, err)

	var id2 ID
	rtest.OK(t, id2.UnmarshalJSON(buf))
	rtest.Equals(t, id, id2)
}

func TestIsNull(t *testing.T) {
	var null ID
	rtest.Assert(t, null.IsNull(), "zero ID is not null")
	rtest.Assert(t, !Hash(nil).IsNull(), "hash of empty input is null")
}
