package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FieldDef names one numeric field decoded from a raw input-register page:
// which register it starts at, how many registers wide it is, and a
// scale factor applied on read (many inverter fields are reported as
// tenths or hundredths of their real-world unit).
type FieldDef struct {
	Name     string  `yaml:"name"`
	Register uint16  `yaml:"register"`
	Width    int     `yaml:"width"`
	Scale    float64 `yaml:"scale"`
}

// Catalog is the external register-definition contract: a pure
// raw-register-page -> named numeric fields mapping, loaded once from a
// YAML file at startup.
type Catalog struct {
	Fields []FieldDef `yaml:"fields"`
}

// LoadCatalog reads and parses a register catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read catalog %s: %w", path, err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("registry: parse catalog %s: %w", path, err)
	}
	return &cat, nil
}

// Decode applies the catalog to a page of raw little-endian uint16
// register pairs (as packet.TranslatedData.Pairs returns), producing a
// named-field map. Fields whose register isn't present in pairs are
// omitted rather than defaulted to zero, so callers can tell "absent"
// from "zero".
func (c *Catalog) Decode(pairs map[uint16]uint16) map[string]float64 {
	out := make(map[string]float64, len(c.Fields))
	for _, f := range c.Fields {
		v, ok := pairs[f.Register]
		if !ok {
			continue
		}
		scale := f.Scale
		if scale == 0 {
			scale = 1
		}
		out[f.Name] = float64(v) * scale
	}
	return out
}
