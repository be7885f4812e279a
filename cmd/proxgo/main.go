package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/ProxGo/internal/config"
	"github.com/cjeanneret/ProxGo/internal/debug"
	"github.com/cjeanneret/ProxGo/internal/hw/button"
	"github.com/cjeanneret/ProxGo/internal/hw/gpio"
	"github.com/cjeanneret/ProxGo/internal/hw/indicator"
	"github.com/cjeanneret/ProxGo/internal/hw/stepper"
	"github.com/cjeanneret/ProxGo/internal/logic/proxy"
	"github.com/cjeanneret/ProxGo/internal/logic/runloop"
	"github.com/cjeanneret/ProxGo/internal/protocol"
	"github.com/cjeanneret/ProxGo/internal/telemetry"
	"github.com/cjeanneret/ProxGo/internal/transport"
	"github.com/cjeanneret/ProxGo/internal/web"
)

// failureGap separates the beeps of the degraded-mode pattern.
const failureGap = 200 * time.Millisecond

// overrides holds CLI values that replace config entries.
// Zero values (and -1 for the debug level) mean "use config".
type overrides struct {
	Listen  string
	Speed   int
	Debug   int
	WebPort int
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	listen := flag.String("listen", "", "override server.listen (host:port)")
	speed := flag.Int("speed", 0, "override defaults.speed in steps/s")
	debugLevel := flag.Int("debug", -1, "override defaults.debug_level (0-4)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	ov := overrides{Listen: *listen, Speed: *speed, Debug: *debugLevel, WebPort: webPort.port()}
	if err := validateCLIOverrides(ov); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, ov)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration after overrides: %v", err)
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("proxgo: %v", err)
	}
}

// run wires the hardware, transports and outer surfaces, then drives the
// poll loop until ctx is cancelled. Only a GPIO failure is fatal; anything
// else leaves the proxy running in degraded mode.
func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	degraded := false
	fail := func(what string, err error) {
		debug.Error(fmt.Errorf("%s: %w", what, err))
		degraded = true
	}

	// GPIO
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	g, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err := g.Close(); err != nil {
			debug.Error(fmt.Errorf("closing GPIO driver: %w", err))
		}
	}()

	// Motor, feedback, inputs
	debug.Step(2, "Initializing stepper, indicator and buttons")
	pulser := stepper.NewPulser(g, stepper.Config{
		StepPin:    cfg.Stepper.StepPin,
		DirPin:     cfg.Stepper.DirPin,
		EnablePin:  cfg.Stepper.EnablePin,
		PulseWidth: cfg.PulseWidth(),
	})
	debug.PrintStruct("Stepper config", cfg.Stepper)

	var notifier indicator.Notifier = indicator.Nop{}
	if cfg.Indicator.BuzzerPin > 0 || cfg.Indicator.LightPin > 0 {
		notifier = indicator.NewGPIO(g, cfg.Indicator.BuzzerPin, cfg.Indicator.LightPin)
	}

	opts := []proxy.Option{proxy.WithNotifier(notifier)}
	if cfg.Buttons.ButtonPin > 0 {
		opts = append(opts, proxy.WithButton(newButton(g, cfg, cfg.Buttons.ButtonPin)))
	}
	ctrl := proxy.New(pulser, proxy.Config{
		StepsPerRevolution: cfg.Stepper.StepsPerRev,
		Speed:              cfg.Defaults.Speed,
		MaxSpeed:           cfg.Defaults.MaxSpeed,
		Mode:               cfg.Mode(),
	}, opts...)

	var upper, lower runloop.Input
	if cfg.Buttons.UpperLimitPin > 0 {
		upper = newButton(g, cfg, cfg.Buttons.UpperLimitPin)
	}
	if cfg.Buttons.LowerLimitPin > 0 {
		lower = newButton(g, cfg, cfg.Buttons.LowerLimitPin)
	}

	// Transports
	debug.Step(3, "Opening transports")
	hub := transport.NewHub(transport.Options{
		MaxLinks:    cfg.Server.MaxLinks,
		IdleTimeout: cfg.IdleTimeout(),
		FrameSize:   protocol.PacketSize,
	})
	defer hub.Close()

	if addr, err := hub.ListenTCP(cfg.Server.Listen); err != nil {
		fail("TCP listener", err)
	} else {
		debug.Value("TCP listener", addr.String())
	}
	if cfg.Serial != nil {
		if ch, err := hub.OpenSerial(cfg.Serial.Device, cfg.Serial.Baud); err != nil {
			fail("serial line", err)
		} else {
			debug.Info("Serial line %s on channel %d", cfg.Serial.Device, ch)
		}
	}

	srv := protocol.NewServer(hub, protocol.NewHandler(ctrl, cfg.Defaults.Version, notifier))

	loopOpts := []runloop.Option{
		runloop.WithReceiveTimeout(cfg.ReceiveTimeout()),
		runloop.WithLimitSwitches(upper, lower),
	}

	// Telemetry
	if cfg.MQTT != nil {
		debug.Step(4, "Connecting to MQTT broker")
		pub, err := telemetry.Connect(telemetry.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Format:   cfg.MQTT.Format,
			QoS:      byte(cfg.MQTT.QoS),
		})
		if err != nil {
			fail("MQTT", err)
		} else {
			defer pub.Close()
			loopOpts = append(loopOpts, runloop.WithPublisher(pub))
		}
	}

	var broadcaster *web.StatusBroadcaster
	if cfg.Web.Port > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		loopOpts = append(loopOpts, runloop.WithPublisher(broadcaster))
	}

	loop := runloop.New(ctrl, srv, loopOpts...)

	// Web
	webDone := make(chan struct{})
	if broadcaster != nil {
		debug.Step(5, "Starting web server")
		deps := web.Deps{
			Broadcaster: broadcaster,
			Board:       loop.Board(),
			Submit:      loop.Submit,
			Links:       hub.Links,
		}
		if cfg.Web.WebSocket {
			deps.WebSocket = hub.WebSocketHandler()
		}
		ws, err := web.NewServer(fmt.Sprintf(":%d", cfg.Web.Port), deps)
		if err != nil {
			fail("web server", err)
			close(webDone)
		} else {
			go func() {
				defer close(webDone)
				if err := ws.Run(ctx); err != nil {
					debug.Error(fmt.Errorf("web server: %w", err))
				}
			}()
		}
	} else {
		close(webDone)
	}

	if degraded {
		debug.Warn("Running in degraded mode")
		indicator.Sequence(notifier, failureGap, indicator.FailurePattern...)
	}

	debug.Section("Proxy ready")
	err = loop.Run(ctx)
	cancel()
	ctrl.SavePower()
	<-webDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("poll loop: %w", err)
	}
	stats := srv.Stats()
	debug.Summary("Shut down")
	debug.Info("%s", stats.String())
	return nil
}

func newButton(g gpio.Driver, cfg *config.Config, pin int) *button.Button {
	return button.New(g, pin, cfg.ActiveLow(), cfg.Buttons.DebounceSamples)
}

// validateCLIOverrides checks the values given on the command line.
// Zero values (and -1 for the debug level) are ignored.
func validateCLIOverrides(ov overrides) error {
	if ov.Listen != "" {
		_, port, err := net.SplitHostPort(ov.Listen)
		if err != nil {
			return fmt.Errorf("listen must be host:port, got %q: %w", ov.Listen, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil || p < 0 || p > 65535 {
			return fmt.Errorf("listen port must be 0-65535, got %q", port)
		}
	}
	if ov.Speed < 0 {
		return fmt.Errorf("speed must be > 0, got %d", ov.Speed)
	}
	if ov.Debug < -1 || ov.Debug > 4 {
		return fmt.Errorf("debug must be between 0 and 4, got %d", ov.Debug)
	}
	if ov.WebPort < 0 || ov.WebPort > 65535 {
		return fmt.Errorf("web port must be 1-65535, got %d", ov.WebPort)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only set values are applied.
func applyOverrides(cfg *config.Config, ov overrides) {
	if ov.Listen != "" {
		cfg.Server.Listen = ov.Listen
	}
	if ov.Speed > 0 {
		cfg.Defaults.Speed = ov.Speed
	}
	if ov.Debug >= 0 {
		cfg.Defaults.DebugLevel = ov.Debug
	}
	if ov.WebPort > 0 {
		cfg.Web.Port = ov.WebPort
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
