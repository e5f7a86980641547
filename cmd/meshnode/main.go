// Command meshnode runs a full VPN mesh participant: TUN ingress/egress,
// pre-shared-key encryption, rendezvous registration, and hole-punching.
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
	"meshnet/internal/meshnet/logging"
	"meshnet/internal/meshnet/mesh"
	"meshnet/internal/meshnet/nodeid"
	"meshnet/internal/meshnet/tundev"
	"meshnet/internal/meshnet/vpn"
)

func main() {
	id := flag.String("id", "", "this node's mesh id")
	port := flag.Int("port", 0, "UDP port to bind (0 = any free port)")
	server := flag.String("server", "", "rendezvous server host:port")
	tunCIDR := flag.String("tun", "", "this node's TUN address, e.g. 10.0.0.2/24")
	networkCIDR := flag.String("network", "", "overlay network CIDR, e.g. 10.0.0.0/24")
	keyHex := flag.String("key", "", "64 hex character pre-shared key")
	flag.Parse()

	logger := logging.NewStdLogger()

	if *id == "" {
		*id = nodeid.NewMeshID()
	}

	key, err := config.ParseKeyHex(*keyHex)
	if err != nil {
		fatal(err)
	}
	tunPrefix, err := config.ParseCIDR(*tunCIDR)
	if err != nil {
		fatal(err)
	}
	networkPrefix, err := config.ParseCIDR(*networkCIDR)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(config.NodeSettings{
		NodeID: *id, Port: *port, TunCIDR: tunPrefix, NetworkCIDR: networkPrefix, Key: key,
	}); err != nil {
		fatal(err)
	}

	serverAddr, err := net.ResolveUDPAddr("udp4", *server)
	if err != nil {
		fatal(fmt.Errorf("meshnode: resolve server address: %w", err))
	}
	bindAddr := &net.UDPAddr{IP: net.IPv4zero, Port: *port}

	tun := tundev.NewLinuxTUN(fmt.Sprintf("mesh%s", *id), 1500)

	node, err := vpn.New(vpn.Config{
		Mesh: mesh.Config{
			NodeID:     *id,
			BindAddr:   bindAddr,
			ServerAddr: serverAddr,
			Logger:     logger,
		},
		Network: networkPrefix,
		Key:     key,
		Logger:  logger,
	}, tun)
	if err != nil {
		fatal(err)
	}
	defer node.Close()

	if err := node.StartTun(); err != nil {
		fatal(err)
	}
	if err := node.Register(); err != nil {
		logger.Printf("meshnode: initial register failed: %v", err)
	}
	if err := node.Discover(); err != nil {
		logger.Printf("meshnode: initial discover failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Core.ReceiveLoop(ctx) })
	g.Go(func() error { node.Run(ctx); return nil })

	logger.Printf("meshnode: %s listening on %s, overlay ip %s", *id, bindAddr, node.SelfIP())
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "meshnode: %v\n", err)
	os.Exit(1)
}
