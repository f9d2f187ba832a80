package replid

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestNew(t *testing.T) {
	r := New()
	assert.Equal(t, len(r.Primary().String()), Size)
	sec, until := r.Secondary()
	assert.Equal(t, sec.IsZero(), true)
	assert.Equal(t, until, int64(-1))
}

func TestAccepts(t *testing.T) {
	r := New()
	primary := r.Primary()

	assert.Equal(t, r.Accepts(primary.String(), 100), true)
	assert.Equal(t, r.Accepts("deadbeef", 100), false)
}

func TestPromoteToLeader(t *testing.T) {
	r := New()
	old := r.Primary()

	newPrimary, secondary := r.PromoteToLeader(1000)
	assert.Equal(t, secondary, old)
	assert.Equal(t, newPrimary, r.Primary())
	assert.Equal(t, newPrimary != old, true)

	sec, until := r.Secondary()
	assert.Equal(t, sec, old)
	assert.Equal(t, until, int64(1001))

	assert.Equal(t, r.Accepts(old.String(), 1001), true)
	assert.Equal(t, r.Accepts(old.String(), 1002), false)
}

func TestRotatePrimary(t *testing.T) {
	r := New()
	old := r.Primary()
	next := r.RotatePrimary()
	assert.Equal(t, next != old, true)
	assert.Equal(t, r.Primary(), next)
}

func TestClearSecondary(t *testing.T) {
	r := New()
	r.PromoteToLeader(10)
	r.ClearSecondary()
	sec, until := r.Secondary()
	assert.Equal(t, sec.IsZero(), true)
	assert.Equal(t, until, int64(-1))
}

func TestMergePrimaryIsCommutativeAndConverges(t *testing.T) {
	a := New()
	b := New()

	idA := a.Primary()
	idB := b.Primary()

	merged1 := a.MergePrimary(idB)
	merged2 := b.MergePrimary(idA)

	assert.Equal(t, merged1, merged2)
}

func TestMergePrimaryIsInvolutivePerNibble(t *testing.T) {
	r := New()
	original := r.Primary()
	other := ParseID("1111111111111111111111111111111111111111")

	r.MergePrimary(other)
	back := r.MergePrimary(other)

	assert.Equal(t, back, original)
}

func TestParseID(t *testing.T) {
	id := ParseID("abc")
	assert.Equal(t, id.String()[:3], "abc")
	assert.Equal(t, id.String()[3:4], "0")
	assert.Equal(t, len(id.String()), Size)
}
