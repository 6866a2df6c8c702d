package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"time"

	"github.com/gokrazy/gokrazy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/central"
	"github.com/stapelberg/hmcentral/internal/config"
	"github.com/stapelberg/hmcentral/internal/database"
	"github.com/stapelberg/hmcentral/internal/events"
	"github.com/stapelberg/hmcentral/internal/gpio"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/influxdb"
	"github.com/stapelberg/hmcentral/internal/mqtt"
	"github.com/stapelberg/hmcentral/internal/packetmanager"
	"github.com/stapelberg/hmcentral/internal/queue"
	"github.com/stapelberg/hmcentral/internal/rs485"
	"github.com/stapelberg/hmcentral/internal/serial"
	"github.com/stapelberg/hmcentral/internal/uartgw"
	"github.com/stapelberg/hmcentral/internal/wired"
)

// flags
var (
	configPath = flag.String("config",
		"",
		"path to the YAML configuration file (defaults apply without one)")

	listenAddress = flag.String("listen",
		"",
		"host:port to listen on, overrides http.listen of the configuration")
)

func setupLogging(cfg config.LoggingConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func queueOptions(cfg config.QueueConfig) queue.ManagerOptions {
	return queue.ManagerOptions{
		Queue: queue.Options{
			ResendSettle:    cfg.ResendSettle,
			ResendWait:      cfg.ResendWait,
			ResendWaitBurst: cfg.ResendWaitBurst,
			ResendJitter:    cfg.ResendJitter,
			Retries:         cfg.Retries,
		},
		CleanupInterval:  cfg.CleanupInterval,
		LongIdleTimeout:  cfg.LongIdleTimeout,
		ShortIdleTimeout: cfg.ShortIdleTimeout,
	}
}

func packetManagerOptions(cfg config.PacketManagerConfig) packetmanager.Options {
	return packetmanager.Options{
		SweepInterval: cfg.SweepInterval,
		MaxAge:        cfg.MaxAge,
	}
}

// openUARTGW resets the HM-MOD-RPI-PCB to ensure we are starting in a
// known-good state and initializes it.
func openUARTGW(cfg config.UARTGWConfig, hmid [3]byte) (*uartgw.UARTGW, error) {
	log.Printf("opening serial port %s", cfg.SerialPort)
	uart, err := serial.Open(cfg.SerialPort, 115200)
	if err != nil {
		return nil, err
	}

	if cfg.ResetPin != "" {
		log.Printf("resetting HM-MOD-RPI-PCB via GPIO %s", cfg.ResetPin)
		if err := gpio.Configure(cfg.ResetPin); err != nil {
			return nil, fmt.Errorf("configuring GPIO: %w", err)
		}
		if err := gpio.ResetUARTGW(cfg.ResetPin, uart.Fd()); err != nil {
			return nil, fmt.Errorf("resetting: %w", err)
		}
	}

	if err := serial.Blocking(uart); err != nil {
		return nil, err
	}

	gw, err := uartgw.NewUARTGW(cfg.ID, uart, hmid, time.Now())
	if err != nil {
		return nil, err
	}
	log.Printf("initialized UARTGW %s (firmware %s)", gw.SerialNumber, gw.FirmwareVersion)
	return gw, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	store := database.NewStore(db)

	sink := events.Multi{events.Log{}}
	if cfg.MQTT.Enabled {
		pub, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return err
		}
		defer pub.Close()
		sink = append(sink, pub)
	}
	if cfg.InfluxDB.Enabled {
		w, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return err
		}
		defer w.Close()
		sink = append(sink, w)
	}

	types := hm.DefaultTypes()
	hmid, err := cfg.CentralAddress()
	if err != nil {
		return err
	}

	errc := make(chan error, 4)

	var ifaces []bidcos.Interface
	var gw *uartgw.UARTGW
	if cfg.Interfaces.UARTGW.Enabled {
		if gw, err = openUARTGW(cfg.Interfaces.UARTGW, hmid); err != nil {
			return fmt.Errorf("HM-MOD-RPI-PCB: %w", err)
		}
		ifaces = append(ifaces, gw)
	}
	bc := central.New(central.Config{
		Address:              hmid,
		InstallModeDuration:  cfg.Central.InstallModeDuration,
		FirmwareDir:          cfg.Firmware.Dir,
		FirmwareBlockRetries: cfg.Firmware.BlockRetries,
		Queue:                queueOptions(cfg.Queue),
		PacketManager:        packetManagerOptions(cfg.PacketManager),
	}, store, sink, types, ifaces...)
	defer bc.Dispose()
	if err := bc.Load(ctx); err != nil {
		return err
	}
	if gw != nil {
		log.Printf("entering BidCoS packet handling main loop")
		go func() { errc <- gw.Run(ctx, bc.OnPacketReceived) }()
	}

	srv := &cliServer{bidcos: bc}
	listers := []peerLister{bc}
	if cfg.Interfaces.RS485.Enabled {
		addr, err := cfg.CentralWiredAddress()
		if err != nil {
			return err
		}
		bus, err := rs485.Open(cfg.Interfaces.RS485.ID, cfg.Interfaces.RS485.Port, cfg.Interfaces.RS485.BaudRate)
		if err != nil {
			return err
		}
		defer bus.Close()
		wc := wired.New(wired.Config{
			Address:       uint32(addr),
			Queue:         queueOptions(cfg.Queue),
			PacketManager: packetManagerOptions(cfg.PacketManager),
		}, store, sink, types, bus)
		defer wc.Dispose()
		if err := wc.Load(ctx); err != nil {
			return err
		}
		go func() { errc <- bus.Run(ctx, wc.OnPacketReceived) }()
		srv.wired = wc
		listers = append(listers, wc)
	}

	ln, err := listenUnix(cfg.CLI.SocketPath)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	go func() { errc <- srv.serve(ctx, ln) }()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { handleStatus(w, r, listers...) })
	http.Handle("/metrics", promhttp.Handler())
	hsrv := &http.Server{Addr: cfg.HTTP.Listen}
	go func() {
		if err := hsrv.ListenAndServe(); err != http.ErrServerClosed {
			errc <- err
		}
	}()
	defer hsrv.Close()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *listenAddress != "" {
		cfg.HTTP.Listen = *listenAddress
	}
	if err := setupLogging(cfg.Logging); err != nil {
		log.Fatal(err)
	}

	gokrazy.WaitForClock()

	// TODO(later): drop privileges (only need network + serial port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}
