package hm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/looplab/fsm"
)

type ParamsetType int

const (
	ParamsetMaster ParamsetType = iota
	ParamsetLink
)

func (t ParamsetType) String() string {
	if t == ParamsetLink {
		return "LINK"
	}
	return "MASTER"
}

// ParamsetKey identifies a parameter set. Remote and RemoteChannel are
// only set for link parameter sets.
type ParamsetKey struct {
	Type          ParamsetType
	Channel       byte
	Remote        int32
	RemoteChannel byte
}

func (k ParamsetKey) String() string {
	if k.Type == ParamsetLink {
		return fmt.Sprintf("%d/LINK/%06x:%d", k.Channel, k.Remote, k.RemoteChannel)
	}
	return fmt.Sprintf("%d/MASTER", k.Channel)
}

// Parameter is the last known value of a configuration parameter.
type Parameter struct {
	Data []byte
	// PartialData holds the bytes of a value whose configuration
	// response was split across packets. It is kept after the value is
	// complete so that a repeated final packet yields the same value.
	PartialData []byte
	// ID is the database row of the parameter, 0 if not yet stored.
	ID uint64
}

type Link struct {
	Address     int32  `json:"address"`
	Serial      string `json:"serial,omitempty"`
	Channel     byte   `json:"channel"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type TeamMember struct {
	Serial  string `json:"serial"`
	Channel byte   `json:"channel"`
}

// Peer is a device known to a central, or a virtual team device whose
// serial number starts with “*”.
type Peer struct {
	Family  Family
	Address int32
	Serial  string
	TypeID  uint16
	Type    *DeviceType

	mu            sync.Mutex
	id            uint64
	firmware      byte
	interfaceID   string
	params        map[ParamsetKey]map[string]*Parameter
	links         map[byte][]Link
	team          TeamMember
	teamAddress   int32
	members       []TeamMember
	configPending bool
	unreach       bool
	pairing       *fsm.FSM
}

func NewPeer(family Family, addr int32, serial string, typ *DeviceType, firmware byte, interfaceID string) *Peer {
	p := &Peer{
		Family:      family,
		Address:     addr,
		Serial:      serial,
		Type:        typ,
		firmware:    firmware,
		interfaceID: interfaceID,
		params:      make(map[ParamsetKey]map[string]*Parameter),
		links:       make(map[byte][]Link),
		pairing:     newPairingFSM(),
	}
	if typ != nil {
		p.TypeID = typ.ID
	}
	return p
}

// NewTeam returns the virtual team peer led by p.
func NewTeam(p *Peer, channel byte) *Peer {
	t := NewPeer(p.Family, p.Address, "*"+p.Serial, p.Type, 0, "")
	t.team = TeamMember{Serial: t.Serial, Channel: channel}
	t.teamAddress = p.Address
	return t
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s (%06x, %s)", p.Serial, p.Address, p.TypeName())
}

func (p *Peer) TypeName() string {
	if p.Type == nil {
		return fmt.Sprintf("unknown (0x%04x)", p.TypeID)
	}
	return p.Type.Name
}

func (p *Peer) IsTeam() bool { return strings.HasPrefix(p.Serial, "*") }

func (p *Peer) ID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Peer) SetID(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = id
}

func (p *Peer) Firmware() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firmware
}

func (p *Peer) SetFirmware(fw byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.firmware = fw
}

// FirmwareString formats the firmware version like the device label,
// e.g. 0x18 becomes “1.8”.
func (p *Peer) FirmwareString() string {
	fw := p.Firmware()
	return fmt.Sprintf("%d.%d", fw>>4, fw&0x0f)
}

func (p *Peer) InterfaceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interfaceID
}

func (p *Peer) SetInterfaceID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interfaceID = id
}

// SetConfigPending returns whether the value changed.
func (p *Peer) SetConfigPending(pending bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := p.configPending != pending
	p.configPending = pending
	return changed
}

func (p *Peer) ConfigPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configPending
}

// SetUnreach returns whether the value changed.
func (p *Peer) SetUnreach(unreach bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := p.unreach != unreach
	p.unreach = unreach
	return changed
}

func (p *Peer) Unreach() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unreach
}

func (p *Peer) paramsetLocked(key ParamsetKey) map[string]*Parameter {
	ps, ok := p.params[key]
	if !ok {
		ps = make(map[string]*Parameter)
		p.params[key] = ps
	}
	return ps
}

func (p *Peer) parameterLocked(key ParamsetKey, name string) *Parameter {
	ps := p.paramsetLocked(key)
	param, ok := ps[name]
	if !ok {
		param = &Parameter{}
		ps[name] = param
	}
	return param
}

// Parameter returns a copy of the parameter.
func (p *Peer) Parameter(key ParamsetKey, name string) (Parameter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	param, ok := p.params[key][name]
	if !ok {
		return Parameter{}, false
	}
	return Parameter{
		Data:        append([]byte(nil), param.Data...),
		PartialData: append([]byte(nil), param.PartialData...),
		ID:          param.ID,
	}, true
}

// SetParameter stores a value loaded from the database.
func (p *Peer) SetParameter(key ParamsetKey, name string, data []byte, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	param := p.parameterLocked(key, name)
	param.Data = append([]byte(nil), data...)
	param.ID = id
}

// SetParameterID records the database row of a stored parameter.
func (p *Peer) SetParameterID(key ParamsetKey, name string, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parameterLocked(key, name).ID = id
}

// Paramset returns the decoded values of all known parameters of key.
func (p *Peer) Paramset(key ParamsetKey) (map[string]int64, error) {
	ch, ok := p.channel(key.Channel)
	if !ok {
		return nil, fmt.Errorf("%v: unknown channel %d", p, key.Channel)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	values := make(map[string]int64)
	for _, d := range ch.defs(key.Type) {
		param, ok := p.params[key][d.ID]
		if !ok || len(param.Data) == 0 {
			continue
		}
		values[d.ID] = decodeValue(param.Data)
	}
	return values, nil
}

// ParamsetKeys returns the keys of all parameter sets holding values.
func (p *Peer) ParamsetKeys() []ParamsetKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]ParamsetKey, 0, len(p.params))
	for k := range p.params {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (p *Peer) channel(index byte) (*Channel, bool) {
	if p.Type == nil {
		return nil, false
	}
	return p.Type.Channel(index)
}

// Links returns the links of channel.
func (p *Peer) Links(channel byte) []Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Link(nil), p.links[channel]...)
}

// AllLinks returns the links of all channels.
func (p *Peer) AllLinks() map[byte][]Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := make(map[byte][]Link, len(p.links))
	for ch, links := range p.links {
		all[ch] = append([]Link(nil), links...)
	}
	return all
}

// AddLink returns false if the link already exists.
func (p *Peer) AddLink(channel byte, l Link) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.links[channel] {
		if existing.Address == l.Address && existing.Channel == l.Channel {
			return false
		}
	}
	p.links[channel] = append(p.links[channel], l)
	return true
}

// RemoveLink returns false if there was no such link.
func (p *Peer) RemoveLink(channel byte, addr int32, remoteChannel byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	links := p.links[channel]
	for i, l := range links {
		if l.Address == addr && l.Channel == remoteChannel {
			p.links[channel] = append(links[:i:i], links[i+1:]...)
			return true
		}
	}
	return false
}

// SetLinks replaces the links of channel, e.g. with a peer list read
// from the device.
func (p *Peer) SetLinks(channel byte, links []Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links[channel] = append([]Link(nil), links...)
}

// Team returns the team p belongs to and the team's address.
func (p *Peer) Team() (TeamMember, int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.team, p.teamAddress
}

func (p *Peer) SetTeam(team TeamMember, addr int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.team = team
	p.teamAddress = addr
}

// Members returns the members of a team peer.
func (p *Peer) Members() []TeamMember {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TeamMember(nil), p.members...)
}

func (p *Peer) AddMember(m TeamMember) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.members {
		if existing == m {
			return
		}
	}
	p.members = append(p.members, m)
}

// RemoveMember returns the number of remaining members.
func (p *Peer) RemoveMember(m TeamMember) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.members {
		if existing == m {
			p.members = append(p.members[:i:i], p.members[i+1:]...)
			break
		}
	}
	return len(p.members)
}

// MemoryByte is one byte of device configuration memory.
type MemoryByte struct {
	Index uint16
	Value byte
}

// SetValues encodes values into the parameter set key, stores them and
// returns the memory bytes of list which need to be written to the
// device, ordered by index.
func (p *Peer) SetValues(key ParamsetKey, list byte, values map[string]int64) ([]MemoryByte, error) {
	ch, ok := p.channel(key.Channel)
	if !ok {
		return nil, fmt.Errorf("%v: unknown channel %d", p, key.Channel)
	}
	for name, v := range values {
		d, ok := ch.Def(key.Type, name)
		if !ok {
			return nil, fmt.Errorf("%v: unknown parameter %q in %v", p, name, key)
		}
		if d.List != list {
			continue
		}
		if d.Max > d.Min && (v < d.Min || v > d.Max) {
			return nil, fmt.Errorf("%v: %s=%d out of range [%d, %d]", p, name, v, d.Min, d.Max)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	dirty := make(map[uint16]bool)
	for name, v := range values {
		d, _ := ch.Def(key.Type, name)
		if d.List != list {
			continue
		}
		param := p.parameterLocked(key, name)
		param.Data = encodeValue(d, v)
		for i := 0; i < d.Size(); i++ {
			dirty[d.Index+uint16(i)] = true
		}
	}

	var mem []MemoryByte
	for idx := range dirty {
		mem = append(mem, MemoryByte{Index: idx, Value: p.memoryByteLocked(ch, key, list, idx)})
	}
	sort.Slice(mem, func(i, j int) bool { return mem[i].Index < mem[j].Index })
	return mem, nil
}

// memoryByteLocked assembles the byte at idx from all parameters which
// share it, falling back to their defaults.
func (p *Peer) memoryByteLocked(ch *Channel, key ParamsetKey, list byte, idx uint16) byte {
	var b byte
	defs := ch.defs(key.Type)
	for i := range defs {
		d := &defs[i]
		if d.List != list || idx < d.Index || int(idx) >= int(d.Index)+d.Size() {
			continue
		}
		data := encodeValue(d, d.Default)
		if param, ok := p.params[key][d.ID]; ok && len(param.Data) > 0 {
			data = param.Data
		}
		if d.SubByte() {
			b |= (data[0] << d.Bit) & d.mask()
			continue
		}
		b = data[int(idx-d.Index)]
	}
	return b
}

func encodeValue(d *ParameterDef, v int64) []byte {
	if d.SubByte() {
		return []byte{byte(v) & (1<<d.Bits - 1)}
	}
	b := make([]byte, d.Size())
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func decodeValue(data []byte) int64 {
	var v int64
	for _, b := range data {
		v = v<<8 | int64(b)
	}
	return v
}

// PairingState returns the state of the pairing state machine.
func (p *Peer) PairingState() string {
	return p.pairing.Current()
}
