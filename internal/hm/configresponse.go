package hm

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

// Run is a contiguous range of configuration memory.
type Run struct {
	Start uint16
	Data  []byte
}

func (r Run) end() int { return int(r.Start) + len(r.Data) }

// ParseParamResponse parses the payload of an INFO_PARAM_RESPONSE_PAIRS
// or INFO_PARAM_RESPONSE_SEQ packet. terminal is true for the packet
// which ends the response.
func ParseParamResponse(payload []byte) (runs []Run, terminal bool, err error) {
	if len(payload) < 1 {
		return nil, false, fmt.Errorf("empty param response")
	}
	switch payload[0] {
	case bidcos.InfoParamResponsePairs:
		kv := payload[1:]
		if len(kv)%2 != 0 {
			return nil, false, fmt.Errorf("param response pairs: odd length %d", len(kv))
		}
		for i := 0; i < len(kv); i += 2 {
			idx, val := kv[i], kv[i+1]
			if idx == 0x00 && val == 0x00 {
				return runs, true, nil
			}
			if n := len(runs); n > 0 && runs[n-1].end() == int(idx) {
				runs[n-1].Data = append(runs[n-1].Data, val)
				continue
			}
			runs = append(runs, Run{Start: uint16(idx), Data: []byte{val}})
		}
		return runs, false, nil

	case bidcos.InfoParamResponseSeq:
		if len(payload) < 2 {
			return nil, false, fmt.Errorf("param response seq: too short")
		}
		if payload[1] == 0x00 {
			return nil, true, nil
		}
		if len(payload) == 2 {
			return nil, false, nil
		}
		return []Run{{Start: uint16(payload[1]), Data: append([]byte(nil), payload[2:]...)}}, false, nil

	default:
		return nil, false, fmt.Errorf("not a param response: subtype 0x%02x", payload[0])
	}
}

// ParsePeerList parses the payload of an INFO_PEER_LIST packet. terminal
// is true once the all-zero entry was seen.
func ParsePeerList(payload []byte) (links []Link, terminal bool, err error) {
	if len(payload) < 1 || payload[0] != bidcos.InfoPeerList {
		return nil, false, fmt.Errorf("not a peer list")
	}
	entries := payload[1:]
	for len(entries) >= 4 {
		e := entries[:4]
		entries = entries[4:]
		if bytes.Equal(e, []byte{0, 0, 0, 0}) {
			return links, true, nil
		}
		links = append(links, Link{
			Address: bidcos.AddrInt([3]byte{e[0], e[1], e[2]}),
			Channel: e[3],
		})
	}
	return links, false, nil
}

// ApplyParamResponse maps runs of parameter list list onto the
// parameters of key. A value whose bytes are spread over several packets
// is assembled from the parts; the result is the same as if all bytes
// had arrived in one packet. It returns the names of all completed
// parameters.
func (p *Peer) ApplyParamResponse(key ParamsetKey, list byte, runs []Run) []string {
	ch, ok := p.channel(key.Channel)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var completed []string
	defs := ch.defs(key.Type)
	for i := range defs {
		d := &defs[i]
		if d.List != list {
			continue
		}
		start, end := int(d.Index), int(d.Index)+d.Size()
		for _, r := range runs {
			rs, re := int(r.Start), r.end()
			if end <= rs || start >= re {
				continue
			}
			param := p.parameterLocked(key, d.ID)
			switch {
			case start >= rs && end <= re:
				// complete value within this packet
				param.Data = extract(d, r.Data[start-rs:end-rs])
				param.PartialData = nil
				completed = append(completed, d.ID)

			case start >= rs:
				// value starts here and continues in the next packet
				param.PartialData = append([]byte(nil), r.Data[start-rs:]...)

			case end <= re:
				// value ends here
				if len(param.PartialData) != rs-start {
					continue
				}
				value := append(append([]byte(nil), param.PartialData...), r.Data[:end-rs]...)
				param.Data = extract(d, value)
				completed = append(completed, d.ID)

			default:
				// packet lies within the value
				if len(param.PartialData) == re-start {
					continue // repeated packet
				}
				if len(param.PartialData) != rs-start {
					param.PartialData = nil
					continue
				}
				param.PartialData = append(param.PartialData, r.Data...)
			}
		}
	}
	sort.Strings(completed)
	return completed
}

func extract(d *ParameterDef, raw []byte) []byte {
	if d.SubByte() {
		return []byte{(raw[0] & d.mask()) >> d.Bit}
	}
	return append([]byte(nil), raw...)
}
