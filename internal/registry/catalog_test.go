package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCatalogDecodeAppliesScaleAndOmitsAbsentFields(t *testing.T) {
	cat := &Catalog{Fields: []FieldDef{
		{Name: "soc", Register: 10, Width: 1, Scale: 1},
		{Name: "vbat", Register: 11, Width: 1, Scale: 0.1},
		{Name: "missing", Register: 99, Width: 1, Scale: 1},
	}}

	got := cat.Decode(map[uint16]uint16{10: 80, 11: 532})

	assert.Len(t, got, 2)
	assert.Equal(t, float64(80), got["soc"])
	assert.InDelta(t, 53.2, got["vbat"], 0.0001)
	assert.NotContains(t, got, "missing")
}

func TestCatalogDecodeZeroScaleDefaultsToOne(t *testing.T) {
	cat := &Catalog{Fields: []FieldDef{{Name: "raw", Register: 5, Width: 1}}}
	got := cat.Decode(map[uint16]uint16{5: 42})
	assert.Equal(t, float64(42), got["raw"])
}

func TestCatalogDecodeEmptyPairsProducesNoFields(t *testing.T) {
	cat := &Catalog{Fields: []FieldDef{{Name: "soc", Register: 10, Scale: 1}}}
	assert.Empty(t, cat.Decode(map[uint16]uint16{}))
}
