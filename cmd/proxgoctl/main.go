// proxgoctl drives a running proxy over TCP, WebSocket or a serial line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/ProxGo/internal/client"
	"github.com/cjeanneret/ProxGo/internal/debug"
)

var (
	addr         string
	wsURL        string
	serialDevice string
	baudRate     int
	timeout      time.Duration
	debugLevel   int
)

var rootCmd = &cobra.Command{
	Use:   "proxgoctl",
	Short: "Control a ProxGo proxy",
	Long: `proxgoctl talks the 5-byte proxy protocol to a running proxgo daemon.

Connection modes:
  TCP:       --addr 192.168.4.1:8090 (default)
  WebSocket: --ws ws://host:8080/ws
  Serial:    --serial /dev/ttyUSB0 [--baud 115200]

Positions are normalized: 0 is the lower bound, 1 the upper bound.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debugLevel < 0 || debugLevel > 4 {
			return fmt.Errorf("--debug must be between 0 and 4, got %d", debugLevel)
		}
		if timeout <= 0 {
			return fmt.Errorf("--timeout must be positive, got %s", timeout)
		}
		debug.Init(debugLevel)
		debug.SetOutput(os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "192.168.4.1:8090", "proxy TCP address (host:port)")
	rootCmd.PersistentFlags().StringVar(&wsURL, "ws", "", "WebSocket URL (ws:// or wss://), replaces --addr")
	rootCmd.PersistentFlags().StringVarP(&serialDevice, "serial", "s", "", "serial device, replaces --addr")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "baud rate (serial only)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", client.DefaultTimeout, "connect and request timeout")
	rootCmd.PersistentFlags().IntVar(&debugLevel, "debug", 0, "debug level 0-4, printed on stderr")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// connect opens the link selected by the persistent flags.
func connect(ctx context.Context) (*client.Client, string, error) {
	switch {
	case wsURL != "":
		c, err := client.DialWebSocket(ctx, wsURL)
		return c, wsURL, err
	case serialDevice != "":
		c, err := client.DialSerial(serialDevice, baudRate)
		return c, fmt.Sprintf("%s @ %d baud", serialDevice, baudRate), err
	default:
		c, err := client.Dial(ctx, addr)
		return c, addr, err
	}
}

// withClient connects, runs fn under one --timeout budget and says goodbye.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, info, err := connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()
	debug.Info("Connected to %s", info)
	return fn(ctx, c)
}
