package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cjeanneret/ProxGo/internal/client"
	"github.com/cjeanneret/ProxGo/internal/protocol"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console of command;payload lines",
	Long: `Read lines from stdin and send them to the proxy.

  <command>;<payload>   send a packet, command is a code (0-12) or a name
  <command>             same with payload 0
  C                     connection check
  reconnect             drop and re-open the connection
  help                  list the commands
  #                     quit

Button events are printed as they arrive.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		con := &console{
			in:          cmd.InOrStdin(),
			out:         cmd.OutOrStdout(),
			interactive: term.IsTerminal(int(os.Stdin.Fd())),
			timeout:     timeout,
			dial: func(ctx context.Context) (*client.Client, string, error) {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				return connect(ctx)
			},
		}
		return con.run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	replyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	eventStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

type lineKind int

const (
	lineEmpty lineKind = iota
	lineQuit
	lineCheck
	lineReconnect
	lineHelp
	linePacket
)

type consoleLine struct {
	kind    lineKind
	cmd     protocol.Command
	payload float32
}

// parseConsoleLine understands the console grammar. Event codes are refused
// since only the proxy sends them.
func parseConsoleLine(s string) (consoleLine, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return consoleLine{kind: lineEmpty}, nil
	case "#":
		return consoleLine{kind: lineQuit}, nil
	case "C":
		return consoleLine{kind: lineCheck}, nil
	case "reconnect":
		return consoleLine{kind: lineReconnect}, nil
	case "help", "?":
		return consoleLine{kind: lineHelp}, nil
	}

	name, payload, hasPayload := strings.Cut(s, ";")
	cmd, err := protocol.ParseCommand(name)
	if err != nil {
		return consoleLine{}, err
	}
	if cmd.IsEvent() {
		return consoleLine{}, fmt.Errorf("%s is sent by the proxy, not to it", cmd)
	}
	line := consoleLine{kind: linePacket, cmd: cmd}
	if hasPayload {
		v, err := strconv.ParseFloat(strings.TrimSpace(payload), 32)
		if err != nil {
			return consoleLine{}, fmt.Errorf("payload %q: %w", payload, err)
		}
		line.payload = float32(v)
	}
	return line, nil
}

// formatReply renders a response the way a person wants to read it.
func formatReply(p protocol.Packet) string {
	if p.IsAck() {
		return p.Command.String() + ": OK"
	}
	switch p.Command {
	case protocol.CheckCurrentPosition:
		return fmt.Sprintf("position %.4f", p.Payload)
	case protocol.SendNewTargetPosition, protocol.CheckExpectedTime:
		return fmt.Sprintf("expected %s", time.Duration(p.Payload)*time.Millisecond)
	case protocol.CheckIsTargetReached:
		if p.Payload == 1 {
			return "target reached"
		}
		return "target not yet reached"
	case protocol.CheckCurrentSpeed:
		return fmt.Sprintf("speed %d steps/s", int(p.Payload))
	case protocol.VersionInfo:
		return fmt.Sprintf("version %.2f", p.Payload)
	}
	return fmt.Sprintf("%s: %g", p.Command, p.Payload)
}

type console struct {
	in          io.Reader
	out         io.Writer
	interactive bool
	timeout     time.Duration
	dial        func(ctx context.Context) (*client.Client, string, error)

	outMu sync.Mutex
	c     *client.Client
}

func (con *console) println(style lipgloss.Style, format string, args ...interface{}) {
	con.outMu.Lock()
	defer con.outMu.Unlock()
	fmt.Fprintln(con.out, style.Render(fmt.Sprintf(format, args...)))
}

func (con *console) prompt() {
	if !con.interactive {
		return
	}
	con.outMu.Lock()
	defer con.outMu.Unlock()
	fmt.Fprint(con.out, promptStyle.Render("proxgo> "))
}

func (con *console) connect(ctx context.Context) error {
	c, info, err := con.dial(ctx)
	if err != nil {
		return err
	}
	con.c = c
	go con.printEvents(c)
	con.println(replyStyle, "connected to %s", info)
	return nil
}

func (con *console) printEvents(c *client.Client) {
	for ev := range c.Events() {
		con.println(eventStyle, "button %s at %.3f", ev.Button, ev.Position)
	}
}

func (con *console) disconnect() {
	if con.c != nil {
		con.c.Close()
		con.c = nil
	}
}

// run reads lines until '#', EOF or ctx ends. A failed connect is not fatal:
// "reconnect" tries again.
func (con *console) run(ctx context.Context) error {
	con.println(lipgloss.NewStyle(), "ProxGo console. Type 'command;payload', 'help' or '#'.")
	if err := con.connect(ctx); err != nil {
		con.println(errStyle, "could not connect: %v", err)
	}
	defer con.disconnect()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		sc := bufio.NewScanner(con.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	for {
		con.prompt()
		var text string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			text = l
		}

		line, err := parseConsoleLine(text)
		if err != nil {
			con.println(errStyle, "%v", err)
			continue
		}
		switch line.kind {
		case lineEmpty:
		case lineQuit:
			return nil
		case lineHelp:
			con.printHelp()
		case lineReconnect:
			con.disconnect()
			if err := con.connect(ctx); err != nil {
				con.println(errStyle, "could not connect: %v", err)
			}
		case lineCheck:
			con.check(ctx)
		case linePacket:
			con.send(ctx, line)
		}
	}
}

func (con *console) check(ctx context.Context) {
	if con.c == nil {
		con.println(errStyle, "alive: false (not connected)")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, con.timeout)
	defer cancel()
	if err := con.c.Check(ctx); err != nil {
		con.println(errStyle, "alive: false (%v)", err)
		return
	}
	con.println(replyStyle, "alive: true")
}

func (con *console) send(ctx context.Context, line consoleLine) {
	if con.c == nil {
		con.println(errStyle, "not connected, type 'reconnect'")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, con.timeout)
	defer cancel()

	p, err := con.c.Request(ctx, line.cmd, line.payload)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		con.println(errStyle, "%s: no answer", line.cmd)
	case err != nil:
		con.println(errStyle, "%v", err)
	case line.cmd == protocol.Disconnect:
		con.println(replyStyle, "%s sent", line.cmd)
	default:
		con.println(replyStyle, "%s", formatReply(p))
	}
}

func (con *console) printHelp() {
	var b strings.Builder
	for c := protocol.Command(0); c.Known(); c++ {
		if c.IsEvent() {
			continue
		}
		fmt.Fprintf(&b, "  %2d  %s\n", c, c)
	}
	con.println(lipgloss.NewStyle(), "%s", strings.TrimRight(b.String(), "\n"))
}
