// Package slotkey builds the composite ad-slot keys used to correlate
// outgoing slot requests with rows in a partner response.
package slotkey

import (
	"strings"

	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
)

// Separator joins the ad unit name and the size. Canonical size strings
// never contain it.
const Separator = "@"

// Key is a composite "<adUnitName>@<W>x<H>" slot key
type Key string

// Build returns the key for an ad unit name and size
func Build(adUnitName string, size parcel.Size) Key {
	return Key(adUnitName + Separator + size.String())
}

// ForParcel returns the key of a parcel's xSlot reference
func ForParcel(p *parcel.Parcel) Key {
	return Build(p.XSlotRef.AdUnitName, p.XSlotRef.Size)
}

// BuildAll returns the keys of parcels in order
func BuildAll(parcels []*parcel.Parcel) []string {
	keys := make([]string, 0, len(parcels))
	for _, p := range parcels {
		keys = append(keys, string(ForParcel(p)))
	}
	return keys
}

// Split recovers the ad unit name and size. The last separator is used so
// ad unit names may themselves contain "@".
func (k Key) Split() (string, parcel.Size, bool) {
	i := strings.LastIndex(string(k), Separator)
	if i < 0 {
		return "", parcel.Size{}, false
	}
	size, err := parcel.ParseSize(string(k)[i+len(Separator):])
	if err != nil {
		return "", parcel.Size{}, false
	}
	return string(k)[:i], size, true
}

func (k Key) String() string {
	return string(k)
}
