package hm

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

type Family string

const (
	BidCoS Family = "bidcos"
	Wired  Family = "wired"
)

// ParameterDef describes where a parameter lives in a device's
// configuration memory (BidCoS parameter list or HomeMatic Wired
// EEPROM).
type ParameterDef struct {
	ID    string `yaml:"id"`
	List  byte   `yaml:"list"`
	Index uint16 `yaml:"index"`
	// Bit is the lowest bit of a parameter smaller than a byte.
	Bit  uint8 `yaml:"bit"`
	Bits int   `yaml:"bits"`

	Default int64 `yaml:"default"`
	Min     int64 `yaml:"min"`
	Max     int64 `yaml:"max"`
}

// Size returns the number of bytes the parameter spans.
func (d *ParameterDef) Size() int {
	if d.Bits < 8 {
		return 1
	}
	return (d.Bits + 7) / 8
}

// SubByte reports whether the parameter shares its byte with others.
func (d *ParameterDef) SubByte() bool { return d.Bits < 8 }

func (d *ParameterDef) mask() byte {
	return byte(1<<d.Bits-1) << d.Bit
}

type Channel struct {
	Index byte   `yaml:"index"`
	Type  string `yaml:"type"`
	// Team channels can be grouped with the same channel of other
	// devices.
	Team bool `yaml:"team"`
	// Links is set for channels which can be linked to other channels.
	Links bool `yaml:"links"`

	Master []ParameterDef `yaml:"master"`
	Link   []ParameterDef `yaml:"link"`

	// EnforceLink lists link parameters written whenever a link is
	// created.
	EnforceLink map[string]int64 `yaml:"enforce_link"`
}

func (c *Channel) defs(typ ParamsetType) []ParameterDef {
	if typ == ParamsetLink {
		return c.Link
	}
	return c.Master
}

// Def returns the definition of parameter id.
func (c *Channel) Def(typ ParamsetType, id string) (*ParameterDef, bool) {
	defs := c.defs(typ)
	for i := range defs {
		if defs[i].ID == id {
			return &defs[i], true
		}
	}
	return nil, false
}

// Lists returns the parameter lists used by the parameter set, sorted.
func (c *Channel) Lists(typ ParamsetType) []byte {
	seen := make(map[byte]bool)
	var lists []byte
	for _, d := range c.defs(typ) {
		if !seen[d.List] {
			seen[d.List] = true
			lists = append(lists, d.List)
		}
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i] < lists[j] })
	return lists
}

type DeviceType struct {
	ID          uint16    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Family      Family    `yaml:"family"`
	WakeOnRadio bool      `yaml:"wake_on_radio"`
	Burst       bool      `yaml:"burst"`
	Channels    []Channel `yaml:"channels"`
}

func (t *DeviceType) Channel(index byte) (*Channel, bool) {
	for i := range t.Channels {
		if t.Channels[i].Index == index {
			return &t.Channels[i], true
		}
	}
	return nil, false
}

// TeamChannel returns the first channel supporting teams.
func (t *DeviceType) TeamChannel() (*Channel, bool) {
	for i := range t.Channels {
		if t.Channels[i].Team {
			return &t.Channels[i], true
		}
	}
	return nil, false
}

type typeKey struct {
	family Family
	id     uint16
}

// Registry holds the known device types.
type Registry struct {
	types map[typeKey]*DeviceType
}

//go:embed devicetypes.yaml
var defaultTypes []byte

// DefaultTypes returns the device types compiled into the binary.
func DefaultTypes() *Registry {
	r, err := LoadTypes(defaultTypes)
	if err != nil {
		panic(fmt.Sprintf("BUG: embedded device types: %v", err))
	}
	return r
}

// LoadTypes parses a YAML list of device types.
func LoadTypes(data []byte) (*Registry, error) {
	var types []*DeviceType
	if err := yaml.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("parsing device types: %w", err)
	}
	r := &Registry{types: make(map[typeKey]*DeviceType)}
	for _, t := range types {
		if t.Family == "" {
			t.Family = BidCoS
		}
		for ci := range t.Channels {
			for _, defs := range [][]ParameterDef{t.Channels[ci].Master, t.Channels[ci].Link} {
				for di := range defs {
					d := &defs[di]
					if d.Bits == 0 {
						d.Bits = 8
					}
					if d.Bits < 8 && int(d.Bit)+d.Bits > 8 {
						return nil, fmt.Errorf("%s: parameter %s crosses a byte boundary", t.Name, d.ID)
					}
				}
			}
		}
		k := typeKey{t.Family, t.ID}
		if _, ok := r.types[k]; ok {
			return nil, fmt.Errorf("duplicate device type %s 0x%04x", t.Family, t.ID)
		}
		r.types[k] = t
	}
	return r, nil
}

func (r *Registry) Lookup(family Family, id uint16) (*DeviceType, bool) {
	t, ok := r.types[typeKey{family, id}]
	return t, ok
}

// Types returns all types of family ordered by id.
func (r *Registry) Types(family Family) []*DeviceType {
	var types []*DeviceType
	for k, t := range r.types {
		if k.family == family {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i].ID < types[j].ID })
	return types
}
