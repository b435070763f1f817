// Command utpcat is a netcat-style demonstration of the uTP transport:
// it either dials a remote uTP listener or accepts one inbound
// connection, then shuffles bytes between the socket and stdio.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"

	"github.com/quietpeer/goutp/internal/slogutil"
	"github.com/quietpeer/goutp/lib/utp"
)

type cli struct {
	Debug        string `help:"Comma-separated per-package debug overrides, e.g. utp,manager:WARN (see GOUTPTRACE)."`
	Syslog       bool   `help:"Prefix log lines with a syslog-style priority instead of a level string."`
	ListPackages bool   `help:"Print known log packages and their current levels, then exit."`

	Listen struct {
		Addr string `arg:"" help:"Local UDP address to listen on, e.g. :9001"`
	} `cmd:"" help:"Accept a single incoming uTP connection."`
	Dial struct {
		Addr string `arg:"" help:"Remote UDP address to connect to."`
	} `cmd:"" help:"Dial a remote uTP listener."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c, kong.Name("utpcat"), kong.Description("netcat over uTP"))

	if c.Syslog {
		slogutil.SetLineFormat(slogutil.LineFormat{LevelSyslog: true})
	}
	if c.Debug != "" {
		slogutil.SetLevelOverrides(c.Debug)
	}
	if c.ListPackages {
		descrs := slogutil.PackageDescrs()
		levels := slogutil.PackageLevels()
		for pkg, descr := range descrs {
			fmt.Printf("%-12s %-8s %s\n", pkg, levels[pkg], descr)
		}
		return
	}

	start := time.Now()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var err error
	switch kctx.Command() {
	case "listen <addr>":
		err = runListen(ctx, c.Listen.Addr)
	case "dial <addr>":
		err = runDial(ctx, c.Dial.Addr)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}
	if lines := slogutil.ErrorRecorder.Since(start); len(lines) > 0 {
		fmt.Fprintf(os.Stderr, "utpcat: %d error(s) logged during this run:\n", len(lines))
		for _, line := range lines {
			_, _ = line.WriteTo(os.Stderr, slogutil.DefaultLineFormat)
		}
	}
	if err != nil {
		slog.Error("utpcat exiting", slogutil.Error(err))
		fmt.Fprintln(os.Stderr, "utpcat:", err)
		os.Exit(1)
	}
}

func runListen(ctx context.Context, addr string) error {
	mgr, err := utp.NewManager("udp", addr, utp.DefaultSettings(), prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	go mgr.Serve(ctx)

	fmt.Fprintln(os.Stderr, "listening on", mgr.LocalAddr())
	stream, err := mgr.Accept(ctx)
	if err != nil {
		return err
	}
	return pump(stream)
}

func runDial(ctx context.Context, addr string) error {
	mgr, err := utp.NewManager("udp", ":0", utp.DefaultSettings(), prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	go mgr.Serve(ctx)

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	stream, err := mgr.Dial(ctx, raddr)
	if err != nil {
		return err
	}
	return pump(stream)
}

// pump shuffles bytes between the stream and stdio until either side
// closes, mirroring the shape of a classic netcat loop.
func pump(stream *utp.Stream) error {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(stream, os.Stdin)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, stream)
		errc <- err
	}()
	err := <-errc
	stream.Close()
	return err
}
