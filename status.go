package main

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/http"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/central"
	"github.com/stapelberg/hmcentral/internal/hm"
)

const statusTmplContents = `
<!DOCTYPE html>
<title>hmcentral</title>
<body>
<h1>Peers</h1>
<table width="100%">
<tr>
<th>ID</th>
<th>Family</th>
<th>Address</th>
<th>Serial</th>
<th>Type</th>
<th>Firmware</th>
<th>Pairing</th>
<th>Config pending</th>
<th>Unreach</th>
<th>Measurements</th>
</tr>
{{ range .Peers }}
<tr>
<td>{{ .ID }}</td>
<td>{{ .Family }}</td>
<td>{{ .Address }}</td>
<td>{{ .Serial }}</td>
<td>{{ .Type }}</td>
<td>{{ .Firmware }}</td>
<td>{{ .PairingState }}</td>
<td>{{ if .ConfigPending }}yes{{ end }}</td>
<td>{{ if .Unreach }}yes{{ end }}</td>
<td>
{{ range .Telemetry }}
<ul>
{{ .HTML }}
</ul>
{{ end }}
</td>
</tr>
{{ end }}
</table>
`

var statusTmpl = template.Must(template.New("status").Parse(statusTmplContents))

type peerLister interface {
	Peers() []*hm.Peer
}

type telemetrySource interface {
	Telemetry(addr int32) []central.Telemetry
}

type peerRow struct {
	ID            uint64
	Family        hm.Family
	Address       string
	Serial        string
	Type          string
	Firmware      string
	PairingState  string
	ConfigPending bool
	Unreach       bool
	Telemetry     []central.Telemetry
}

func address(p *hm.Peer) string {
	if p.Family == hm.BidCoS {
		return bidcos.AddrHex(p.Address)
	}
	return fmt.Sprintf("%08X", uint32(p.Address))
}

func handleStatus(w http.ResponseWriter, r *http.Request, listers ...peerLister) {
	var rows []peerRow
	for _, l := range listers {
		ts, _ := l.(telemetrySource)
		for _, p := range l.Peers() {
			row := peerRow{
				ID:            p.ID(),
				Family:        p.Family,
				Address:       address(p),
				Serial:        p.Serial,
				Type:          p.TypeName(),
				Firmware:      p.FirmwareString(),
				PairingState:  p.PairingState(),
				ConfigPending: p.ConfigPending(),
				Unreach:       p.Unreach(),
			}
			if ts != nil {
				row.Telemetry = ts.Telemetry(p.Address)
			}
			rows = append(rows, row)
		}
	}

	var buf bytes.Buffer
	if err := statusTmpl.Execute(&buf, struct {
		Peers []peerRow
	}{
		Peers: rows,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	io.Copy(w, &buf)
}
