package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soypat/meterbridge/digest"
	"github.com/soypat/meterbridge/internal/admin"
	"github.com/soypat/meterbridge/internal/config"
	"github.com/soypat/meterbridge/internal/publish"
	"github.com/soypat/meterbridge/modbusrtu"
	"github.com/soypat/meterbridge/modbustcp"
	"github.com/soypat/meterbridge/netcore"
	"github.com/soypat/meterbridge/solarapi"
	"github.com/soypat/meterbridge/sunspec"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scrape the inverter and serve the meter",
	Long: `Starts the Modbus TCP meter server and the inverter scraper. The RTU
server, the admin HTTP channel and the MQTT publisher start when configured.

Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack := netcore.NewStack(netcore.StackConfig{Logger: log.With("component", "netcore")})
	meter := sunspec.NewMeter(sunspec.DefaultIdentity)
	meter.ApplyDefaults()

	sv, err := modbustcp.NewServer(modbustcp.ServerConfig{
		Address:      cfg.Modbus.Listen,
		Stack:        stack,
		DataModel:    meter,
		UnitID:       cfg.Modbus.UnitID,
		PollInterval: cfg.Modbus.PollInterval,
		Backlog:      cfg.Modbus.Backlog,
		Logger:       log.With("component", "modbustcp"),
	})
	if err != nil {
		return err
	}
	if err := sv.Start(); err != nil {
		return err
	}
	defer sv.Stop()
	log.Info("modbus tcp listening", slog.String("addr", sv.Addr().String()), slog.Int("unit", int(cfg.Modbus.UnitID)))

	scraper, err := solarapi.NewScraper(solarapi.Config{
		Addr:     cfg.SolarAPI.Address,
		Stack:    stack,
		Meter:    meter,
		Timeout:  cfg.SolarAPI.Timeout,
		Interval: cfg.SolarAPI.Interval,
		Logger:   log.With("component", "solarapi"),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scraper.Run(ctx, linkUp) })

	if cfg.MQTT.Broker != "" {
		client := publish.Dial(publish.DialConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Logger:   log.With("component", "mqtt"),
		})
		defer client.Disconnect(250)
		pub, err := publish.New(publish.Config{
			Client: client,
			Topic:  cfg.MQTT.Topic,
			QoS:    cfg.MQTT.QoS,
			Retain: true,
			Logger: log.With("component", "publish"),
		})
		if err != nil {
			return err
		}
		scraper.AddListener(pub.Offer)
		g.Go(func() error { return pub.Run(ctx) })
	}

	if cfg.RTU.Device != "" {
		port, err := serial.Open(cfg.RTU.Device, &serial.Mode{
			BaudRate: cfg.RTU.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return err
		}
		rtu, err := modbusrtu.NewServer(port, modbusrtu.ServerConfig{
			Address:   cfg.RTU.UnitID,
			DataModel: meter,
			Bracket:   stack,
			Logger:    log.With("component", "modbusrtu"),
		})
		if err != nil {
			port.Close()
			return err
		}
		g.Go(func() error { return rtu.Serve(ctx) })
		g.Go(func() error {
			// Unblocks the pending read in Serve.
			<-ctx.Done()
			return port.Close()
		})
		log.Info("modbus rtu serving", slog.String("device", cfg.RTU.Device), slog.Int("unit", int(cfg.RTU.UnitID)))
	}

	if cfg.Admin.Listen != "" {
		if err := serveAdmin(ctx, g, cfg, stack, meter, log); err != nil {
			return err
		}
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	st := scraper.Stats()
	log.Info("shutdown", slog.Uint64("scrapes", st.Completions), slog.Uint64("dials", st.Dials))
	return err
}

func serveAdmin(ctx context.Context, g *errgroup.Group, cfg *config.Config, stack *netcore.Stack, meter *sunspec.Meter, log *slog.Logger) error {
	cred := new(digest.Credential)
	if err := cred.LoadFile(cfg.Admin.PasswordFile); err != nil {
		return err
	}
	h, err := admin.New(admin.Config{
		Meter:        meter,
		Bracket:      stack,
		Credential:   cred,
		PasswordFile: cfg.Admin.PasswordFile,
		Logger:       log.With("component", "admin"),
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	log.Info("admin listening", slog.String("addr", cfg.Admin.Listen))
	return nil
}

// linkUp reports whether any non-loopback interface is up with an address.
func linkUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addrs, err := iface.Addrs(); err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}
