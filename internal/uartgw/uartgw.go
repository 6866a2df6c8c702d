// Package uartgw implements communicating with a HM-MOD-RPI-PCB
// HomeMatic gateway.
/*

The HM-MOD-RPI-PCB uses a frame-based protocol. When reading frames,
0xfc is an escape byte and needs to be replaced:

    0xfc 0x7d represents 0xfd
    0xfc 0x7c represents 0xfc

This technique results in 0xfd always meaning “start of a frame”,
which means we can re-synchronize on 0xfd after reading invalid data.

Each frame has the following format:

    uint8  frame delimiter (always 0xfd)
    uint16 length (big endian)
    []byte packet
    uint16 crc (big endian)

See the bidcosTable variable for the specific CRC16 parameters.

Each packet has the following format:

    uint8  destination (see uartdest)
    uint8  message counter
    uint8  command (see uartcmd)
    []byte payload

Note that command values depend on the state of the UARTGW, i.e. the
same value means something different in bootloader state
vs. application code state.

The gateway answers every command with an ACK frame carrying the
message counter of the command. Received BidCoS packets arrive as
AppRecv frames at any time, which is why Run reads all frames and
hands ACKs to whoever waits for them.

*/
package uartgw

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sigurn/crc16"
	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

var (
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hm",
			Subsystem: "uartgw",
			Name:      "FramesReceived",
			Help:      "number of frames received from the HM-MOD-RPI-PCB",
		},
		[]string{"cmd"})

	checksumErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hm",
			Subsystem: "uartgw",
			Name:      "ChecksumErrors",
			Help:      "number of frames with an invalid checksum",
		})
)

func init() {
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(checksumErrors)
}

// ErrChecksum is returned by ReadPacket for corrupted frames.
var ErrChecksum = errors.New("uartgw: invalid checksum")

// DefaultAckTimeout is how long the gateway gets to acknowledge a
// command while Run is active.
const DefaultAckTimeout = 2 * time.Second

type UARTGW struct {
	FirmwareVersion string
	SerialNumber    string

	// HMID is the HomeMatic ID of the UARTGW and must not be changed.
	HMID [3]byte

	// AckTimeout defaults to DefaultAckTimeout.
	AckTimeout time.Duration

	id   string
	uart io.ReadWriter
	br   *bufio.Reader
	esc  *unescapingReader

	// devstate is only modified during init, before Run starts.
	devstate uartdest

	wmu    sync.Mutex // serializes writes, guards msgcnt
	msgcnt uint8

	mu      sync.Mutex
	running bool
	waiters map[uint8]chan *Packet
}

func newGW(id string, uart io.ReadWriter, hmid [3]byte) *UARTGW {
	br := bufio.NewReader(uart)
	return &UARTGW{
		HMID:       hmid,
		AckTimeout: DefaultAckTimeout,
		id:         id,
		uart:       uart,
		br:         br,
		esc:        &unescapingReader{r: br},
		waiters:    make(map[uint8]chan *Packet),
	}
}

// NewUARTGW initializes a UARTGW which is expected to have just been reset.
func NewUARTGW(id string, uart io.ReadWriter, HMID [3]byte, now time.Time) (*UARTGW, error) {
	gw := newGW(id, uart, HMID)
	return gw, gw.init(now)
}

// ID identifies the gateway to the central.
func (u *UARTGW) ID() string { return u.id }

type uartdest uint8

const (
	OS      uartdest = 0
	App     uartdest = 1
	Dual    uartdest = 254
	DualErr uartdest = 255
)

func (u uartdest) String() string {
	switch u {
	case OS:
		return "OS"
	case App:
		return "App"
	case Dual:
		return "Dual"
	case DualErr:
		return "DualErr"
	default:
		return "<invalid dest>"
	}
}

type uartcmd uint8

// c.f. https://svn.fhem.de/trac/browser/trunk/fhem/FHEM/00_HMUARTLGW.pm?rev=13367#L23
const (
	// While UARTGW is in state Bootloader
	OSGetApp uartcmd = iota
	OSGetFirmware
	OSChangeApp
	OSAck
	OSUpdateFirmware
	OSNormalMode
	OSUpdateMode
	OSGetCredits
	OSEnableCredits
	OSEnableCSMACA
	OSGetSerial
	OSSetTime

	AppSetHMID
	AppGetHMID
	AppSend
	AppSetCurrentKey
	AppAck
	AppRecv
	AppAddPeer
	AppRemovePeer
	AppGetPeers
	AppPeerAddAES
	AppPeerRemoveAES
	AppSetTempKey
	AppSetPreviousKey
	AppDefaultHMID

	DualGetApp
	DualChangeApp
)

var cmdNames = map[uartcmd]string{
	OSGetApp:          "OSGetApp",
	OSGetFirmware:     "OSGetFirmware",
	OSChangeApp:       "OSChangeApp",
	OSAck:             "OSAck",
	OSUpdateFirmware:  "OSUpdateFirmware",
	OSNormalMode:      "OSNormalMode",
	OSUpdateMode:      "OSUpdateMode",
	OSGetCredits:      "OSGetCredits",
	OSEnableCredits:   "OSEnableCredits",
	OSEnableCSMACA:    "OSEnableCSMACA",
	OSGetSerial:       "OSGetSerial",
	OSSetTime:         "OSSetTime",
	AppSetHMID:        "AppSetHMID",
	AppGetHMID:        "AppGetHMID",
	AppSend:           "AppSend",
	AppSetCurrentKey:  "AppSetCurrentKey",
	AppAck:            "AppAck",
	AppRecv:           "AppRecv",
	AppAddPeer:        "AppAddPeer",
	AppRemovePeer:     "AppRemovePeer",
	AppGetPeers:       "AppGetPeers",
	AppPeerAddAES:     "AppPeerAddAES",
	AppPeerRemoveAES:  "AppPeerRemoveAES",
	AppSetTempKey:     "AppSetTempKey",
	AppSetPreviousKey: "AppSetPreviousKey",
	AppDefaultHMID:    "AppDefaultHMID",
}

// wire values per device state
var (
	osCommands = map[uint8]uartcmd{
		0x00: OSGetApp,
		0x02: OSGetFirmware,
		0x03: OSChangeApp,
		0x04: OSAck,
		0x05: OSUpdateFirmware,
		0x06: OSNormalMode,
		0x07: OSUpdateMode,
		0x08: OSGetCredits,
		0x09: OSEnableCredits,
		0x0a: OSEnableCSMACA,
		0x0b: OSGetSerial,
		0x0e: OSSetTime,
	}
	appCommands = map[uint8]uartcmd{
		// XXX: not sure if AppSetHMID can ever be received from the
		// device, but suddenly receiving 0x00 might mean the
		// coprocessor entered the bootloader again.
		0x00: OSGetApp,
		0x01: AppGetHMID,
		0x02: AppSend,
		0x03: AppSetCurrentKey,
		0x04: AppAck,
		0x05: AppRecv,
		0x06: AppAddPeer,
		0x07: AppRemovePeer,
		0x08: AppGetPeers,
		0x09: AppPeerAddAES,
		0x0a: AppPeerRemoveAES,
		0x0b: AppSetTempKey,
		0x0f: AppSetPreviousKey,
		0x10: AppDefaultHMID,
	}
	cmdBytes = func() map[uartcmd]byte {
		m := make(map[uartcmd]byte)
		for b, c := range osCommands {
			m[c] = b
		}
		for b, c := range appCommands {
			if b != 0x00 {
				m[c] = b
			}
		}
		m[AppSetHMID] = 0x00
		return m
	}()
)

func (u *UARTGW) Command(cmd uint8) (uartcmd, error) {
	var table map[uint8]uartcmd
	switch u.devstate {
	case OS:
		table = osCommands
	case App:
		table = appCommands
	default:
		return OSGetApp, fmt.Errorf("unknown device state: %v", u.devstate)
	}
	c, ok := table[cmd]
	if !ok {
		return OSGetApp, fmt.Errorf("unknown command: %v (state %v)", cmd, u.devstate)
	}
	return c, nil
}

func (c uartcmd) Byte() (byte, error) {
	b, ok := cmdBytes[c]
	if !ok {
		return 0x00, fmt.Errorf("unknown command: %v", c)
	}
	return b, nil
}

func (c uartcmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return fmt.Sprintf("<invalid cmd (%x)>", uint8(c))
}

// Packet is a package received from the HM-MOD-RPI-PCB serial gateway (“UARTGW”).
type Packet struct {
	Dst     uartdest
	msgcnt  uint8
	Cmd     uartcmd
	Payload []byte
}

func (u Packet) String() string {
	return fmt.Sprintf("dest: %s, msgcnt: %d, cmd: %s, payload: %x", u.Dst, u.msgcnt, u.Cmd, u.Payload)
}

var bidcosTable = crc16.MakeTable(crc16.Params{
	Poly:   0x8005,
	Init:   0xd77f,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x0000,
	Check:  0x0000,
	Name:   "BidCoS",
})

// encodeFrame returns the escaped frame of packet, ready for the wire.
func encodeFrame(dst uartdest, msgcnt uint8, cmd byte, payload []byte) []byte {
	raw := make([]byte, 0, 6+len(payload)+2)
	raw = append(raw, frameDelimiter)
	raw = binary.BigEndian.AppendUint16(raw, uint16(3+len(payload)))
	raw = append(raw, byte(dst), msgcnt, cmd)
	raw = append(raw, payload...)
	raw = binary.BigEndian.AppendUint16(raw, crc16.Checksum(raw, bidcosTable))

	// Now that the frame is introduced, start escaping.
	frame := make([]byte, 1, 2*len(raw))
	frame[0] = frameDelimiter
	return escape(frame, raw[1:])
}

func (u *UARTGW) ReadPacket() (*Packet, error) {
	for {
		b, err := u.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameDelimiter {
			log.Printf("skipping non-frame-delimiter byte %x", b)
			continue
		}

		// Get packet length, read payload
		header := []byte{frameDelimiter, 0, 0}
		if _, err := io.ReadFull(u.esc, header[1:]); err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint16(header[1:])
		frame := make([]byte, int(length)+2)
		if _, err := io.ReadFull(u.esc, frame); err != nil {
			return nil, err
		}

		// Calculate and verify checksum
		want := crc16.Checksum(append(header, frame[:length]...), bidcosTable)
		if got := binary.BigEndian.Uint16(frame[length:]); got != want {
			checksumErrors.Inc()
			return nil, fmt.Errorf("%w: got %x, want %x", ErrChecksum, got, want)
		}
		if length < 3 {
			return nil, fmt.Errorf("frame too short: %x", frame)
		}

		cmd, err := u.Command(frame[2])
		if err != nil {
			return nil, err
		}
		framesReceived.WithLabelValues(cmd.String()).Inc()
		return &Packet{
			Dst:     uartdest(frame[0]),
			msgcnt:  frame[1],
			Cmd:     cmd,
			Payload: frame[3:length],
		}, nil
	}
}

func (u *UARTGW) writeLocked(pkt *Packet) error {
	cmd, err := pkt.Cmd.Byte()
	if err != nil {
		return err
	}
	pkt.msgcnt = u.msgcnt
	if _, err := u.uart.Write(encodeFrame(pkt.Dst, pkt.msgcnt, cmd, pkt.Payload)); err != nil {
		return err
	}
	u.msgcnt++
	return nil
}

func (u *UARTGW) WritePacket(pkt *Packet) error {
	u.wmu.Lock()
	defer u.wmu.Unlock()
	return u.writeLocked(pkt)
}

// roundTrip writes pkt and returns the gateway’s answer. Before Run,
// the answer is read directly.
func (u *UARTGW) roundTrip(pkt *Packet) (*Packet, error) {
	u.mu.Lock()
	running := u.running
	u.mu.Unlock()
	if !running {
		if err := u.WritePacket(pkt); err != nil {
			return nil, err
		}
		for {
			resp, err := u.ReadPacket()
			if err != nil {
				return nil, err
			}
			if u.devstate == App && resp.Cmd == AppRecv {
				log.Debugf("[%s] dropping radio packet received before Run: %x", u.id, resp.Payload)
				continue
			}
			return resp, nil
		}
	}

	ch := make(chan *Packet, 1)
	u.wmu.Lock()
	cnt := u.msgcnt
	u.mu.Lock()
	u.waiters[cnt] = ch
	u.mu.Unlock()
	err := u.writeLocked(pkt)
	u.wmu.Unlock()
	defer func() {
		u.mu.Lock()
		delete(u.waiters, cnt)
		u.mu.Unlock()
	}()
	if err != nil {
		return nil, err
	}

	t := time.NewTimer(u.AckTimeout)
	defer t.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-t.C:
		return nil, fmt.Errorf("no answer to %v within %v", pkt.Cmd, u.AckTimeout)
	}
}

// expectAck performs a round trip which the gateway has to acknowledge.
func (u *UARTGW) expectAck(pkt *Packet) (*Packet, error) {
	resp, err := u.roundTrip(pkt)
	if err != nil {
		return nil, err
	}
	if got, want := resp.Cmd, AppAck; got != want {
		return nil, fmt.Errorf("unexpected UARTGW packet cmd: got %v, want %v", got, want)
	}
	return resp, nil
}

func (u *UARTGW) deliver(pkt *Packet) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	ch, ok := u.waiters[pkt.msgcnt]
	if !ok {
		return false
	}
	select {
	case ch <- pkt:
	default:
	}
	return true
}

func (u *UARTGW) init(now time.Time) error {
	// on the wire: FD000C000000436F5F4350555F424C7251
	pkt, err := u.ReadPacket()
	if err != nil {
		return err
	}
	if got, want := pkt.Cmd, OSGetApp; got != want {
		return fmt.Errorf("unexpected UARTGW packet cmd: got %v, want %v", got, want)
	}
	if got, want := string(pkt.Payload), "Co_CPU_BL"; got != want {
		return fmt.Errorf("unexpected UARTGW application: got %q, want %q", got, want)
	}

	if err := u.switchToApp(); err != nil {
		return fmt.Errorf("switching from bootloader to application: %w", err)
	}

	if err := u.getFirmwareVersion(); err != nil {
		return fmt.Errorf("getting firmware version: %w", err)
	}

	if err := u.enableCSMACA(); err != nil {
		return fmt.Errorf("enabling CSMA/CA: %w", err)
	}

	if err := u.getSerialNumber(); err != nil {
		return fmt.Errorf("getting serial number: %w", err)
	}

	if err := u.SetTime(now); err != nil {
		return fmt.Errorf("setting time: %w", err)
	}

	if err := u.setCurrentKey(); err != nil {
		return fmt.Errorf("setting current key: %w", err)
	}

	if err := u.setHMID(); err != nil {
		return fmt.Errorf("setting HMID: %w", err)
	}

	return nil
}

// switchToApp switches from bootloader to application code.
func (u *UARTGW) switchToApp() error {
	// on the wire: FD0003000003180A
	// answer: FD000400000401993D
	pkt, err := u.roundTrip(&Packet{Cmd: OSChangeApp})
	if err != nil {
		return err
	}
	if got, want := pkt.Cmd, OSAck; got != want {
		return fmt.Errorf("unexpected UARTGW packet cmd: got %v, want %v", got, want)
	}

	// on the wire: FD000D000000436F5F4350555F417070D831
	pkt, err = u.ReadPacket()
	if err != nil {
		return err
	}
	if got, want := pkt.Cmd, OSGetApp; got != want {
		return fmt.Errorf("unexpected UARTGW packet cmd: got %v, want %v", got, want)
	}
	if got, want := string(pkt.Payload), "Co_CPU_App"; got != want {
		return fmt.Errorf("unexpected UARTGW application: got %q, want %q", got, want)
	}

	u.devstate = App
	return nil
}

func (u *UARTGW) getFirmwareVersion() error {
	// on the wire: FD00030001021E0C
	// answer: FD000A00010402010003010201AA8A
	pkt, err := u.expectAck(&Packet{Cmd: OSGetFirmware})
	if err != nil {
		return err
	}
	if got, want := len(pkt.Payload), 7; got < want {
		return fmt.Errorf("short firmware version answer: %x", pkt.Payload)
	}
	version := pkt.Payload[4:]
	u.FirmwareVersion = fmt.Sprintf("%d.%d.%d", version[0], version[1], version[2])
	return nil
}

// enableCSMACA enables Carrier sense multiple access with collision avoidance
func (u *UARTGW) enableCSMACA() error {
	// on the wire: FD000400020A003D10
	// answer: FD0004000204011916
	_, err := u.expectAck(&Packet{
		Cmd:     OSEnableCSMACA,
		Payload: []byte{0x01},
	})
	return err
}

func (u *UARTGW) getSerialNumber() error {
	// on the wire: FD000300030B9239
	// answer: FD000E000304024E4551313333303938306AB9
	pkt, err := u.expectAck(&Packet{Cmd: OSGetSerial})
	if err != nil {
		return err
	}
	if len(pkt.Payload) < 2 {
		return fmt.Errorf("short serial number answer: %x", pkt.Payload)
	}
	u.SerialNumber = string(pkt.Payload[1:])
	return nil
}

// SetTime sets the clock of the gateway, which it uses for AES
// signatures. It needs to be refreshed periodically.
func (u *UARTGW) SetTime(now time.Time) error {
	// on the wire: FD000800040E58A7116300548E
	// answer: FD000400040401196E
	payload := binary.BigEndian.AppendUint32(nil, uint32(now.Unix()))
	_, offset := now.Zone()
	payload = append(payload, byte(offset/1800))
	_, err := u.expectAck(&Packet{Cmd: OSSetTime, Payload: payload})
	return err
}

func (u *UARTGW) setCurrentKey() error {
	// on the wire: FD001401050300112233445566778899AABBCCDDEEFF024C6D
	// answer: FD0004010504010D7A
	keyPayload := []byte{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF,
		02, // key index
	}
	_, err := u.expectAck(&Packet{
		Dst:     App,
		Cmd:     AppSetCurrentKey,
		Payload: keyPayload,
	})
	return err
}

func (u *UARTGW) setHMID() error {
	// on the wire: FD0006010600FC7DB02CD166
	// answer: FD0004010604010D46
	_, err := u.expectAck(&Packet{
		Dst:     App,
		Cmd:     AppSetHMID,
		Payload: u.HMID[:],
	})
	return err
}

func (u *UARTGW) addPeer(addr []byte, keyIndex, wakeUp byte) error {
	// on the wire: FD000901080640C2A8000000022E
	// answer: FD00100108040701010001FFFFFFFFFFFFFFFFCAAF
	_, err := u.expectAck(&Packet{
		Dst:     App,
		Cmd:     AppAddPeer,
		Payload: []byte{addr[0], addr[1], addr[2], keyIndex, wakeUp, 0x00},
	})
	return err
}

// AddPeer makes the gateway accept and acknowledge packets of the
// device at addr.
func (u *UARTGW) AddPeer(addr []byte, channels int) error {
	if len(addr) != 3 {
		return fmt.Errorf("invalid BidCoS address %x", addr)
	}
	// Repeat the message twice because the CCU2 does that
	// (cargo-culted from homegear).
	for i := 0; i < 2; i++ {
		if err := u.addPeer(addr, 0x00, 0x00); err != nil {
			return err
		}
	}

	// on the wire: FD000D010A0A40C2A8000102030405068B17
	removeAESPayload := make([]byte, 0, 3+channels)
	removeAESPayload = append(removeAESPayload, addr...)
	for i := 0; i < channels; i++ {
		removeAESPayload = append(removeAESPayload, byte(i))
	}
	if _, err := u.expectAck(&Packet{
		Dst:     App,
		Cmd:     AppPeerRemoveAES,
		Payload: removeAESPayload,
	}); err != nil {
		return err
	}

	if err := u.addPeer(addr, 0x00, 0x00); err != nil {
		return err
	}
	// key index 0, i.e. no encryption; don’t wake up
	return u.addPeer(addr, 0x00, 0x00)
}

// EnableUpdateMode switches the radio to the firmware update
// frequency.
func (u *UARTGW) EnableUpdateMode() error {
	_, err := u.expectAck(&Packet{Dst: OS, Cmd: OSUpdateMode})
	return err
}

// DisableUpdateMode switches the radio back to normal operation.
func (u *UARTGW) DisableUpdateMode() error {
	_, err := u.expectAck(&Packet{Dst: OS, Cmd: OSNormalMode})
	return err
}

// SendPacket transmits pkt. The gateway’s acknowledgement of the
// transmission is not waited for: answers of the device arrive as
// regular packets.
func (u *UARTGW) SendPacket(pkt *bidcos.Packet) error {
	return u.WritePacket(&Packet{
		Dst:     App,
		Cmd:     AppSend,
		Payload: pkt.Encode(),
	})
}

// Run reads frames until ctx is canceled or reading fails. Received
// BidCoS packets are passed to receive, one at a time and outside of
// the reading goroutine, so that receive may call methods which wait
// for the gateway.
func (u *UARTGW) Run(ctx context.Context, receive bidcos.ReceiveFunc) error {
	u.mu.Lock()
	u.running = true
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.running = false
		u.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		if c, ok := u.uart.(io.Closer); ok {
			c.Close()
		}
	}()
	go func() {
		t := time.NewTicker(1 * time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				if err := u.SetTime(now); err != nil {
					log.Errorf("setting time: %v", err)
				}
			}
		}
	}()

	rx := make(chan *bidcos.Packet, 64)
	defer close(rx)
	go func() {
		for pkt := range rx {
			receive(u.id, pkt)
		}
	}()

	for {
		pkt, err := u.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrChecksum) {
				log.Printf("skipping corrupted frame: %v", err)
				continue
			}
			return err
		}
		switch pkt.Cmd {
		case AppRecv:
			bpkt, err := bidcos.Decode(pkt.Payload)
			if err != nil {
				log.Printf("skipping invalid bidcos packet: %v", err)
				continue
			}
			rx <- bpkt
		case AppAck, OSAck:
			if !u.deliver(pkt) {
				log.Debugf("unsolicited UARTGW ACK: %v", pkt)
			}
		default:
			log.Printf("unexpected UARTGW packet: %v", pkt)
		}
	}
}
