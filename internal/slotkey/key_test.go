package slotkey

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
)

func TestBuild(t *testing.T) {
	assert.Equal(t, Key("A@300x250"), Build("A", parcel.Size{W: 300, H: 250}))
	assert.Equal(t, "leaderboard@728x90", Build("leaderboard", parcel.Size{W: 728, H: 90}).String())
}

func TestBuildMatchesForParcel(t *testing.T) {
	p := &parcel.Parcel{XSlotRef: parcel.XSlotRef{AdUnitName: "A", Size: parcel.Size{W: 300, H: 250}}}
	assert.Equal(t, Build("A", parcel.Size{W: 300, H: 250}), ForParcel(p))
}

func TestBuildAllKeepsOrder(t *testing.T) {
	parcels := []*parcel.Parcel{
		{XSlotRef: parcel.XSlotRef{AdUnitName: "b", Size: parcel.Size{W: 1, H: 2}}},
		{XSlotRef: parcel.XSlotRef{AdUnitName: "a", Size: parcel.Size{W: 3, H: 4}}},
	}
	assert.Equal(t, []string{"b@1x2", "a@3x4"}, BuildAll(parcels))
	assert.Empty(t, BuildAll(nil))
}

func TestDistinctPairsDoNotCollide(t *testing.T) {
	names := []string{"A", "A1", "1", "A@x", ""}
	sizes := []parcel.Size{{W: 300, H: 250}, {W: 30, H: 250}, {W: 3002, H: 50}, {W: 728, H: 90}, {W: 1, H: 1}}

	seen := make(map[Key][2]interface{})
	for _, n := range names {
		for _, s := range sizes {
			k := Build(n, s)
			if prev, ok := seen[k]; ok {
				t.Fatalf("collision: %q from (%v,%v) and (%q,%v)", k, prev[0], prev[1], n, s)
			}
			seen[k] = [2]interface{}{n, s}
		}
	}
}

func TestSplit(t *testing.T) {
	name, size, ok := Key("slot@home@300x600").Split()
	assert.True(t, ok)
	assert.Equal(t, "slot@home", name)
	assert.Equal(t, parcel.Size{W: 300, H: 600}, size)

	_, _, ok = Key("no-separator").Split()
	assert.False(t, ok)

	_, _, ok = Key("slot@bogus").Split()
	assert.False(t, ok)
}
