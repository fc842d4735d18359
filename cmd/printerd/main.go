// printerd is the printing-dispatch daemon's process entry point: it
// loads configuration, wires the driver registry and the JSON-RPC
// endpoint together, and serves connections on a unix socket until
// signaled to stop.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/makerforge/printerd/internal/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	socketPath := flag.String("socket", "", "unix socket path to listen on (default: ~/.printerd/printerd.sock)")
	dataDir := flag.String("data-dir", "", "base directory for runtime data (default: ~/.printerd/data)")
	profileDir := flag.String("profile-dir", "", "profile directory to create at startup; profiles are not loaded from it (default: ~/.printerd/profiles)")
	pollInterval := flag.Duration("poll-interval", 0, "configured poll interval; not applied to machines, which poll every 5s (default: 5s)")
	flag.Parse()

	cfg := config.Load(*socketPath, *dataDir, *profileDir, *pollInterval)
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	logger := log.Default()
	d := NewDaemon(logger)

	os.Remove(cfg.SocketPath)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.Serve(cfg.SocketPath)
	}()

	log.Printf("printerd ready (pid %d, socket %s)", os.Getpid(), cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
	case err := <-serveErr:
		log.Printf("listener stopped: %v", err)
	}

	if err := d.Stop(); err != nil {
		log.Printf("stop listener: %v", err)
	}
	os.Remove(cfg.SocketPath)

	time.Sleep(50 * time.Millisecond) // let in-flight connections flush their last write
	log.Println("printerd stopped")
}
