// Command jupiter-client invokes one service on a running daemon and
// prints the result. The remaining command line arguments are joined
// into the call's argument bytes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/freeCoder-ahl/Jupiter/internal/client"
	"github.com/freeCoder-ahl/Jupiter/internal/wire"
)

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:8090", "TCP address of the daemon")
		wsURL   = flag.String("ws", "", "WebSocket endpoint such as ws://host:port/rpc; overrides -addr")
		service = flag.String("service", "echo", "Service name to invoke")
		timeout = flag.Duration("timeout", 10*time.Second, "Call timeout")
	)
	flag.Parse()

	args := []byte(strings.Join(flag.Args(), " "))

	var (
		c   *client.Client
		err error
	)
	if *wsURL != "" {
		c, err = client.DialWS(*wsURL)
	} else {
		c, err = client.Dial(*addr)
	}
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	body, status, err := c.Call(ctx, *service, args)
	if err != nil {
		log.Fatalf("Call failed: %v", err)
	}
	if status != wire.StatusOK {
		fmt.Fprintf(os.Stderr, "%s: %s\n", status, body)
		os.Exit(1)
	}
	fmt.Printf("%s\n", body)
}
