package wired

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/central"
)

const cliHelp = `List of commands:

help                                       print this help
peers list                                 list all peers
peers remove ID                            delete a peer
search                                     search the bus for new devices
queues list                                list the packet queues
paramset put SERIAL CHANNEL NAME=VALUE...  write master parameters
`

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// HandleCLICommand executes a command line and returns its output.
func (c *Central) HandleCLICommand(ctx context.Context, command string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic in command %q: %v", command, r)
			out = central.ErrorText
		}
	}()
	args := strings.Fields(command)
	if len(args) == 0 || args[0] == "help" {
		return cliHelp
	}
	var err error
	switch args[0] {
	case "peers":
		out, err = c.cliPeers(ctx, args[1:])
	case "search":
		var n int
		if n, err = c.SearchDevices(ctx); err == nil {
			out = fmt.Sprintf("Search completed. Found %d new devices.\n", n)
		}
	case "queues":
		out, err = c.cliQueues(args[1:])
	case "paramset":
		out, err = c.cliParamset(ctx, args[1:])
	default:
		return "Unknown command. Type help for a list of commands.\n"
	}
	if err != nil {
		log.Printf("command %q: %v", command, err)
		return central.ErrorText
	}
	return out
}

func (c *Central) cliPeers(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("usage: peers list|remove")
	}
	switch args[0] {
	case "list":
		var sb strings.Builder
		w := tabwriter.NewWriter(&sb, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAddress\tSerial Number\tType\tFirmware\tConfig Pending\tUnreach")
		for _, p := range c.Peers() {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				p.ID(),
				addrString(uint32(p.Address)),
				p.Serial,
				p.TypeName(),
				p.FirmwareString(),
				yesNo(p.ConfigPending()),
				yesNo(p.Unreach()))
		}
		if err := w.Flush(); err != nil {
			return "", err
		}
		return sb.String(), nil

	case "remove":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: peers remove ID")
		}
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return "", err
		}
		p, ok := c.PeerByID(id)
		if !ok {
			return "", fmt.Errorf("no peer with id %d", id)
		}
		if err := c.DeleteDevice(ctx, p.Serial); err != nil {
			return "", err
		}
		return "Peer removed.\n", nil
	}
	return "", fmt.Errorf("usage: peers list|remove")
}

func (c *Central) cliQueues(args []string) (string, error) {
	if len(args) != 1 || args[0] != "list" {
		return "", fmt.Errorf("usage: queues list")
	}
	queues := c.queues.Queues()
	if len(queues) == 0 {
		return "No queues.\n", nil
	}
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAddress\tType\tEntries\tPending")
	for _, q := range queues {
		fmt.Fprintf(w, "%d\t%s\t%v\t%d\t%s\n",
			q.ID(),
			addrString(uint32(q.Address())),
			q.Type(),
			q.Len(),
			yesNo(!q.PendingQueuesEmpty()))
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (c *Central) cliParamset(ctx context.Context, args []string) (string, error) {
	if len(args) < 4 || args[0] != "put" {
		return "", fmt.Errorf("usage: paramset put SERIAL CHANNEL NAME=VALUE...")
	}
	channel, err := strconv.Atoi(args[2])
	if err != nil {
		return "", err
	}
	values := make(map[string]int64)
	for _, kv := range args[3:] {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return "", fmt.Errorf("invalid parameter %q", kv)
		}
		v, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return "", fmt.Errorf("invalid value for %s: %w", name, err)
		}
		values[name] = v
	}
	if err := c.PutParamset(ctx, args[1], channel, values); err != nil {
		return "", err
	}
	return "Parameters queued.\n", nil
}
