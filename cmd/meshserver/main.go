// Command meshserver runs the UDP rendezvous server: register/discover for
// nodes that haven't opted into the DHT.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"meshnet/internal/meshnet/config"
	"meshnet/internal/meshnet/discoveryserver"
	"meshnet/internal/meshnet/logging"
)

func main() {
	bind := flag.String("bind", "0.0.0.0", "address to bind")
	port := flag.Int("port", 8000, "UDP port to listen on")
	flag.Parse()

	if err := config.ValidatePort(*port); err != nil {
		fmt.Fprintf(os.Stderr, "meshserver: %v\n", err)
		os.Exit(1)
	}

	addr := &net.UDPAddr{IP: net.ParseIP(*bind), Port: *port}
	logger := logging.NewStdLogger()

	srv, err := discoveryserver.New(discoveryserver.Config{
		NodeID:   "server",
		BindAddr: addr,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshserver: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Core.ReceiveLoop(ctx) })
	g.Go(func() error { srv.Run(ctx); return nil })

	logger.Printf("meshserver: listening on %s", addr)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "meshserver: %v\n", err)
		os.Exit(1)
	}
}
