package central

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
)

// ErrorText is the answer to every command which failed.
const ErrorText = "Error executing command. See log file for more details.\n"

const cliHelp = `List of commands:

help                                        print this help
peers list                                  list all peers
peers remove ID                             delete a peer without unpairing it
peers unpair ID                             unpair and delete a peer
pairing on [SECONDS]                        enable pairing mode
pairing off                                 disable pairing mode
queues list                                 list the packet queues
firmware update ID [manual]                 update the firmware of a peer
team set SERIAL CHANNEL [TEAM TEAMCHANNEL]  move a channel into a team
link add SENDER CHANNEL RECEIVER CHANNEL    link two channels
link remove SENDER CHANNEL RECEIVER CHANNEL remove a link
paramset put SERIAL CHANNEL NAME=VALUE...   write master parameters
`

// HandleCLICommand executes a command line and returns its output.
func (c *Central) HandleCLICommand(ctx context.Context, command string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic in command %q: %v", command, r)
			out = ErrorText
		}
	}()
	args := strings.Fields(command)
	if len(args) == 0 {
		return cliHelp
	}
	var err error
	switch args[0] {
	case "help":
		return cliHelp
	case "peers":
		out, err = c.cliPeers(ctx, args[1:])
	case "pairing":
		out, err = c.cliPairing(args[1:])
	case "queues":
		out, err = c.cliQueues(args[1:])
	case "firmware":
		out, err = c.cliFirmware(ctx, args[1:])
	case "team":
		out, err = c.cliTeam(ctx, args[1:])
	case "link":
		out, err = c.cliLink(ctx, args[1:])
	case "paramset":
		out, err = c.cliParamset(ctx, args[1:])
	default:
		return "Unknown command. Type help for a list of commands.\n"
	}
	if err != nil {
		log.Printf("command %q: %v", command, err)
		return ErrorText
	}
	return out
}

func usage(cmd string) error {
	return fmt.Errorf("usage: %s", cmd)
}

func (c *Central) peerArg(arg string) (*hm.Peer, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id %q", arg)
	}
	p, ok := c.PeerByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrPeerNotFound, id)
	}
	return p, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (c *Central) cliPeers(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", usage("peers list|remove|unpair")
	}
	switch args[0] {
	case "list":
		var sb strings.Builder
		w := tabwriter.NewWriter(&sb, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAddress\tSerial Number\tType\tFirmware\tConfig Pending\tUnreach")
		for _, p := range c.Peers() {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				p.ID(),
				strings.ToUpper(bidcos.AddrHex(p.Address)),
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

	case "remove", "unpair":
		if len(args) != 2 {
			return "", usage("peers " + args[0] + " ID")
		}
		p, err := c.peerArg(args[1])
		if err != nil {
			return "", err
		}
		flags := 0
		if args[0] == "remove" {
			flags = DeleteForce
		}
		if err := c.DeleteDevice(ctx, p.Serial, flags); err != nil {
			return "", err
		}
		if args[0] == "remove" {
			return "Peer removed.\n", nil
		}
		return "Unpairing peer.\n", nil
	}
	return "", usage("peers list|remove|unpair")
}

func (c *Central) cliPairing(args []string) (string, error) {
	if len(args) == 0 {
		return "", usage("pairing on|off")
	}
	switch args[0] {
	case "on":
		var d time.Duration
		if len(args) > 1 {
			secs, err := strconv.Atoi(args[1])
			if err != nil || secs <= 0 {
				return "", fmt.Errorf("invalid duration %q", args[1])
			}
			d = time.Duration(secs) * time.Second
		}
		c.SetInstallMode(true, d)
		return "Pairing mode enabled.\n", nil
	case "off":
		c.SetInstallMode(false, 0)
		return "Pairing mode disabled.\n", nil
	}
	return "", usage("pairing on|off")
}

func (c *Central) cliQueues(args []string) (string, error) {
	if len(args) != 1 || args[0] != "list" {
		return "", usage("queues list")
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
			strings.ToUpper(bidcos.AddrHex(q.Address())),
			q.Type(),
			q.Len(),
			yesNo(!q.PendingQueuesEmpty()))
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (c *Central) cliFirmware(ctx context.Context, args []string) (string, error) {
	if len(args) < 2 || args[0] != "update" {
		return "", usage("firmware update ID [manual]")
	}
	p, err := c.peerArg(args[1])
	if err != nil {
		return "", err
	}
	manual := len(args) > 2 && args[2] == "manual"
	code, msg := c.UpdateFirmware(ctx, p.ID(), manual)
	if code != FirmwareOK {
		return "", fmt.Errorf("firmware update of %v: %s (%d)", p, msg, code)
	}
	return msg + "\n", nil
}

func (c *Central) cliTeam(ctx context.Context, args []string) (string, error) {
	if len(args) != 3 && len(args) != 5 || args[0] != "set" {
		return "", usage("team set SERIAL CHANNEL [TEAM TEAMCHANNEL]")
	}
	channel, err := strconv.Atoi(args[2])
	if err != nil {
		return "", err
	}
	var team string
	var teamChannel int
	if len(args) == 5 {
		team = args[3]
		if teamChannel, err = strconv.Atoi(args[4]); err != nil {
			return "", err
		}
	}
	if err := c.SetTeam(ctx, args[1], channel, team, teamChannel); err != nil {
		return "", err
	}
	return "Team set.\n", nil
}

func (c *Central) cliLink(ctx context.Context, args []string) (string, error) {
	if len(args) != 5 || (args[0] != "add" && args[0] != "remove") {
		return "", usage("link add|remove SENDER CHANNEL RECEIVER CHANNEL")
	}
	senderChannel, err := strconv.Atoi(args[2])
	if err != nil {
		return "", err
	}
	receiverChannel, err := strconv.Atoi(args[4])
	if err != nil {
		return "", err
	}
	if args[0] == "add" {
		if err := c.AddLink(ctx, args[1], senderChannel, args[3], receiverChannel, "", ""); err != nil {
			return "", err
		}
		return "Link added.\n", nil
	}
	if err := c.RemoveLink(ctx, args[1], senderChannel, args[3], receiverChannel); err != nil {
		return "", err
	}
	return "Link removed.\n", nil
}

func (c *Central) cliParamset(ctx context.Context, args []string) (string, error) {
	if len(args) < 4 || args[0] != "put" {
		return "", usage("paramset put SERIAL CHANNEL NAME=VALUE...")
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
	if err := c.PutParamset(ctx, args[1], channel, hm.ParamsetMaster, "", 0, values); err != nil {
		return "", err
	}
	return "Parameters queued.\n", nil
}
