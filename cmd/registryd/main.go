// Command registryd runs the registry (Master) daemon: the single CLI
// binary in scope per spec.md §6.
package main

import (
	"flag"
	"net"
	"os"

	"github.com/4paradigm/prpc/cmn/nlog"
	"github.com/4paradigm/prpc/master"
)

func main() {
	endpoint := flag.String("endpoint", "", "registry listen address, ip[:port] (random free port if omitted)")
	root := flag.String("root", "root", "registry tree root name")
	flag.Parse()

	if *endpoint == "" {
		nlog.Errorf("registryd: -endpoint is required")
		os.Exit(1)
	}
	addr := withPort(*endpoint)

	srv, err := master.NewServer(*root)
	if err != nil {
		nlog.Errorf("registryd: %v", err)
		os.Exit(1)
	}

	go func() {
		if err := srv.Serve(addr); err != nil {
			nlog.Errorf("registryd: serve: %v", err)
			os.Exit(1)
		}
	}()

	// Blocks until an EXIT request has been processed and every client
	// connection it was waiting on has disconnected (spec.md §6 "Exit on
	// receipt of an EXIT request, after all clients have disconnected").
	srv.Wait()
	nlog.Infof("registryd: exiting")
}

// withPort appends ":0" when endpoint names a bare IP with no port, so
// net.Listen picks a random free port (the bind address is then logged by
// Server.Serve, satisfying spec.md §6's "a random free port... is chosen
// and logged").
func withPort(endpoint string) string {
	if _, _, err := net.SplitHostPort(endpoint); err == nil {
		return endpoint
	}
	return net.JoinHostPort(endpoint, "0")
}
