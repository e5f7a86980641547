// Command meshdht runs a Kademlia-style DHT node: the decentralized
// alternative to the rendezvous server for peer discovery.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"meshnet/internal/meshnet/config"
	"meshnet/internal/meshnet/dht"
	"meshnet/internal/meshnet/logging"
)

func main() {
	id := flag.String("id", "", "40-hex-character DHT node id")
	port := flag.Int("port", 0, "UDP port to bind")
	bootstrap := flag.String("bootstrap", "", "seed node host:port")
	flag.Parse()

	logger := logging.NewStdLogger()

	if err := config.ValidatePort(*port); err != nil {
		fatal(err)
	}

	bindAddr := &net.UDPAddr{IP: net.IPv4zero, Port: *port}
	node, err := dht.New(*id, bindAddr, logger)
	if err != nil {
		fatal(err)
	}
	defer node.Close()

	if *bootstrap != "" {
		seedAddr, err := net.ResolveUDPAddr("udp4", *bootstrap)
		if err != nil {
			fatal(fmt.Errorf("meshdht: resolve bootstrap address: %w", err))
		}
		if !node.Bootstrap([]*net.UDPAddr{seedAddr}) {
			logger.Printf("meshdht: bootstrap to %s did not succeed", *bootstrap)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.ReceiveLoop(ctx) })
	g.Go(func() error {
		node.RunMaintenance(ctx, func(target string) {
			data, _ := dhtFindNode(*id, target)
			for _, c := range node.FindNodes(target) {
				_, _ = node.Conn.WriteToUDP(data, c.Addr)
			}
		})
		return nil
	})

	logger.Printf("meshdht: %s listening on %s", *id, bindAddr)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		fatal(err)
	}
}

func dhtFindNode(selfID, target string) ([]byte, error) {
	msg := dht.Message{Type: "FIND_NODE", NodeID: selfID, MsgID: target[:8], Target: target}
	return json.Marshal(msg)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "meshdht: %v\n", err)
	os.Exit(1)
}
