package pose

import "maps"

// TagSizeFromID maps a tag id to its printed edge length in meters:
// [0,150] 150mm, ]150,300] 100mm, ]300,450] 50mm, above 20mm.
func TagSizeFromID(id int) float64 {
	switch {
	case id <= 150:
		return 0.150
	case id <= 300:
		return 0.100
	case id <= 450:
		return 0.050
	default:
		return 0.020
	}
}

// SizeTable overrides TagSizeFromID for individual ids. A nil table uses
// the default mapping for every id.
type SizeTable map[int]float64

func (t SizeTable) Size(id int) float64 {
	if s, ok := t[id]; ok {
		return s
	}
	return TagSizeFromID(id)
}

// Clone returns a copy safe to mutate.
func (t SizeTable) Clone() SizeTable {
	if t == nil {
		return SizeTable{}
	}
	return maps.Clone(t)
}
