package stringid

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestGenerateID(t *testing.T) {
	id := GenerateID()
	assert.Check(t, is.Len(id, 32))
	assert.NilError(t, ValidateID(id))

	// IDs must be unique
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := GenerateID()
		_, collision := seen[id]
		assert.Assert(t, !collision, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestGenerateIDIsOrdered(t *testing.T) {
	a := GenerateID()
	time.Sleep(2 * time.Millisecond)
	b := GenerateID()
	assert.Check(t, a < b, "expected %s < %s", a, b)
}

func TestTruncateID(t *testing.T) {
	assert.Check(t, is.Equal(TruncateID("012345678901234567"), "012345678901"))
	assert.Check(t, is.Equal(TruncateID("0123"), "0123"))
	assert.Check(t, is.Equal(TruncateID(""), ""))
}

func TestValidateID(t *testing.T) {
	assert.Check(t, ValidateID("") != nil)
	assert.Check(t, ValidateID("abc") != nil)
	assert.Check(t, ValidateID("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz") != nil)
	assert.Check(t, ValidateID(GenerateID()) == nil)
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, err := Timestamp(GenerateID())
	assert.NilError(t, err)
	assert.Check(t, ts.After(before), "timestamp %v not after %v", ts, before)
	assert.Check(t, ts.Before(time.Now().Add(time.Second)))

	_, err = Timestamp("not-an-id")
	assert.Check(t, err != nil)
}
