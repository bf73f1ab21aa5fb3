package parcel

// Architecture names a request grouping policy
type Architecture string

const (
	// ArchitectureSRA sends every parcel in a single request
	ArchitectureSRA Architecture = "sra"
	// ArchitectureMRA sends one request per parcel
	ArchitectureMRA Architecture = "mra"
)

// Partitioner splits a batch of parcels into independently dispatchable groups
type Partitioner interface {
	Partition(parcels []*Parcel) [][]*Parcel
}

// PartitionerFunc adapts a function to Partitioner
type PartitionerFunc func(parcels []*Parcel) [][]*Parcel

// Partition calls f
func (f PartitionerFunc) Partition(parcels []*Parcel) [][]*Parcel {
	return f(parcels)
}

// SRA groups all parcels into one request
type SRA struct{}

// Partition returns a single group, or none for an empty batch
func (SRA) Partition(parcels []*Parcel) [][]*Parcel {
	if len(parcels) == 0 {
		return nil
	}
	group := make([]*Parcel, len(parcels))
	copy(group, parcels)
	return [][]*Parcel{group}
}

// MRA sends each parcel on its own
type MRA struct{}

// Partition returns one group per parcel
func (MRA) Partition(parcels []*Parcel) [][]*Parcel {
	groups := make([][]*Parcel, 0, len(parcels))
	for _, p := range parcels {
		groups = append(groups, []*Parcel{p})
	}
	return groups
}

// ForArchitecture returns the partitioner for an architecture, defaulting to SRA
func ForArchitecture(a Architecture) Partitioner {
	if a == ArchitectureMRA {
		return MRA{}
	}
	return SRA{}
}
