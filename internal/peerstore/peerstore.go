// Package peerstore saves and restores hm.Peer state through a Store.
package peerstore

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/database"
	"github.com/stapelberg/hmcentral/internal/hm"
)

// Store is implemented by *database.Store.
type Store interface {
	SavePeer(ctx context.Context, p database.PeerRecord) uint64
	DeletePeer(ctx context.Context, family string, id uint64) error
	Peers(ctx context.Context, family string) ([]database.PeerRecord, error)
	SaveParameter(ctx context.Context, p database.ParameterRecord) uint64
	Parameters(ctx context.Context, peerID uint64) ([]database.ParameterRecord, error)
	SaveVariable(ctx context.Context, family string, peerID uint64, v database.Variable) uint64
	Variables(ctx context.Context, family string, peerID uint64) (map[int]database.Variable, error)
}

// Variable indices of a peer.
const (
	VarFirmware      = 1
	VarInterfaceID   = 2
	VarLinks         = 3
	VarTeam          = 4
	VarTeamMembers   = 5
	VarConfigPending = 6
	VarUnreach       = 7
	VarPairingState  = 8
)

// VarCounters is the message counter table, stored for peer id 0.
const VarCounters = 100

type team struct {
	Serial  string `json:"serial"`
	Channel byte   `json:"channel"`
	Address int32  `json:"address"`
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// SavePeer stores p with all its variables and parameters and assigns
// the peer id on first save.
func SavePeer(ctx context.Context, s Store, p *hm.Peer) error {
	id := s.SavePeer(ctx, database.PeerRecord{
		ID:      p.ID(),
		Family:  string(p.Family),
		Address: p.Address,
		Serial:  p.Serial,
		TypeID:  p.TypeID,
	})
	if id == 0 {
		return fmt.Errorf("saving peer %v failed", p)
	}
	p.SetID(id)
	SaveVariables(ctx, s, p)
	for _, key := range p.ParamsetKeys() {
		SaveParamset(ctx, s, p, key)
	}
	return nil
}

func SaveVariables(ctx context.Context, s Store, p *hm.Peer) {
	id := p.ID()
	if id == 0 {
		return
	}
	family := string(p.Family)
	links, err := json.Marshal(p.AllLinks())
	if err != nil {
		log.Printf("%v: marshaling links: %v", p, err)
	}
	tm, addr := p.Team()
	teamJSON, _ := json.Marshal(team{Serial: tm.Serial, Channel: tm.Channel, Address: addr})
	members, _ := json.Marshal(p.Members())
	for _, v := range []database.Variable{
		{Index: VarFirmware, Int: int64(p.Firmware())},
		{Index: VarInterfaceID, String: p.InterfaceID()},
		{Index: VarLinks, Binary: links},
		{Index: VarTeam, Binary: teamJSON},
		{Index: VarTeamMembers, Binary: members},
		{Index: VarConfigPending, Int: boolInt(p.ConfigPending())},
		{Index: VarUnreach, Int: boolInt(p.Unreach())},
		{Index: VarPairingState, String: p.PairingState()},
	} {
		s.SaveVariable(ctx, family, id, v)
	}
}

// SaveVariable stores a single variable of p.
func SaveVariable(ctx context.Context, s Store, p *hm.Peer, index int) {
	id := p.ID()
	if id == 0 {
		return
	}
	v := database.Variable{Index: index}
	switch index {
	case VarFirmware:
		v.Int = int64(p.Firmware())
	case VarConfigPending:
		v.Int = boolInt(p.ConfigPending())
	case VarUnreach:
		v.Int = boolInt(p.Unreach())
	case VarPairingState:
		v.String = p.PairingState()
	default:
		SaveVariables(ctx, s, p)
		return
	}
	s.SaveVariable(ctx, string(p.Family), id, v)
}

// SaveParamset stores the values of key. Parameters which have not been
// saved before get their row id recorded.
func SaveParamset(ctx context.Context, s Store, p *hm.Peer, key hm.ParamsetKey) {
	id := p.ID()
	if id == 0 {
		return
	}
	values, err := p.Paramset(key)
	if err != nil {
		log.Printf("%v: %v", p, err)
		return
	}
	for name := range values {
		SaveParameter(ctx, s, p, key, name)
	}
}

func SaveParameter(ctx context.Context, s Store, p *hm.Peer, key hm.ParamsetKey, name string) {
	id := p.ID()
	if id == 0 {
		return
	}
	param, ok := p.Parameter(key, name)
	if !ok {
		return
	}
	rowID := s.SaveParameter(ctx, database.ParameterRecord{
		ID:            param.ID,
		PeerID:        id,
		ParamsetType:  int(key.Type),
		Channel:       key.Channel,
		RemoteAddress: key.Remote,
		RemoteChannel: key.RemoteChannel,
		Name:          name,
		Value:         param.Data,
	})
	if rowID != 0 && rowID != param.ID {
		p.SetParameterID(key, name, rowID)
	}
}

// Load restores all peers of family. Peers of unknown types are loaded
// without a type so that they can still be listed and deleted.
func Load(ctx context.Context, s Store, family hm.Family, types *hm.Registry) ([]*hm.Peer, error) {
	recs, err := s.Peers(ctx, string(family))
	if err != nil {
		return nil, err
	}
	peers := make([]*hm.Peer, 0, len(recs))
	for _, rec := range recs {
		typ, ok := types.Lookup(family, rec.TypeID)
		if !ok {
			log.WithFields(log.Fields{
				"serial": rec.Serial,
				"type":   fmt.Sprintf("0x%04x", rec.TypeID),
			}).Warn("peer of unknown device type")
		}
		p := hm.NewPeer(family, rec.Address, rec.Serial, typ, 0, "")
		p.TypeID = rec.TypeID
		p.SetID(rec.ID)

		vars, err := s.Variables(ctx, string(family), rec.ID)
		if err != nil {
			return nil, err
		}
		restoreVariables(p, vars)

		params, err := s.Parameters(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		for _, param := range params {
			key := hm.ParamsetKey{
				Type:          hm.ParamsetType(param.ParamsetType),
				Channel:       param.Channel,
				Remote:        param.RemoteAddress,
				RemoteChannel: param.RemoteChannel,
			}
			p.SetParameter(key, param.Name, param.Value, param.ID)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func restoreVariables(p *hm.Peer, vars map[int]database.Variable) {
	p.SetFirmware(byte(vars[VarFirmware].Int))
	p.SetInterfaceID(vars[VarInterfaceID].String)
	p.SetConfigPending(vars[VarConfigPending].Int != 0)
	p.SetUnreach(vars[VarUnreach].Int != 0)
	p.RestorePairingState(vars[VarPairingState].String)

	if b := vars[VarLinks].Binary; len(b) > 0 {
		var links map[byte][]hm.Link
		if err := json.Unmarshal(b, &links); err != nil {
			log.Printf("%v: corrupt links: %v", p, err)
		}
		for ch, l := range links {
			p.SetLinks(ch, l)
		}
	}
	if b := vars[VarTeam].Binary; len(b) > 0 {
		var t team
		if err := json.Unmarshal(b, &t); err == nil {
			p.SetTeam(hm.TeamMember{Serial: t.Serial, Channel: t.Channel}, t.Address)
		}
	}
	if b := vars[VarTeamMembers].Binary; len(b) > 0 {
		var members []hm.TeamMember
		if err := json.Unmarshal(b, &members); err == nil {
			for _, m := range members {
				p.AddMember(m)
			}
		}
	}
}

// SaveCounters stores the message counter table of a central.
func SaveCounters(ctx context.Context, s Store, family hm.Family, counters map[int32]byte) {
	s.SaveVariable(ctx, string(family), 0, database.Variable{
		Index:  VarCounters,
		Binary: hm.EncodeCounters(counters),
	})
}

func LoadCounters(ctx context.Context, s Store, family hm.Family) (map[int32]byte, error) {
	vars, err := s.Variables(ctx, string(family), 0)
	if err != nil {
		return nil, err
	}
	return hm.DecodeCounters(vars[VarCounters].Binary)
}
