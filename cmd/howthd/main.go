// Command howthd is the long-lived daemon process: it owns every shared
// cache and dispatches framed requests from short-lived `howth` client
// connections over a per-channel Unix domain socket. The -addrfd announce
// lets a supervising parent learn the socket path without scraping logs.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"path/filepath"

	"howth"
	"howth/internal/addrfd"
	"howth/internal/daemon"
	"howth/internal/howthcfg"
	"howth/internal/oninterrupt"
)

func main() {
	channel := flag.String("channel", howthcfg.DefaultChannel, "daemon channel (namespaces the IPC endpoint and package store)")
	storeRoot := flag.String("store_root", "", "override the package store root (default: per-channel cache dir)")
	registryURL := flag.String("registry_url", "", "override the npm-compatible registry base URL")
	cacheDir := flag.String("cache_dir", "", "registry HTTP response cache directory (empty disables)")
	flag.Parse()

	l := log.New(os.Stderr, "howthd: ", log.LstdFlags)

	root := *storeRoot
	if root == "" {
		root = howthcfg.StoreRoot(*channel)
	}
	registry := *registryURL
	if registry == "" {
		registry = howthcfg.RegistryBaseURL()
	}

	endpoint := howthcfg.IPCEndpoint(*channel)
	if err := os.MkdirAll(filepath.Dir(endpoint), 0755); err != nil {
		l.Fatalf("mkdir endpoint dir: %v", err)
	}
	os.Remove(endpoint) // clear a stale socket from an unclean previous exit

	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		l.Fatalf("listen %s: %v", endpoint, err)
	}
	addrfd.MustWrite(ln.Addr().String())

	d := daemon.New(daemon.Options{
		Channel:      *channel,
		StoreRoot:    root,
		RegistryURL:  registry,
		RegistryAuth: howthcfg.AuthToken(),
		CacheDir:     *cacheDir,
		Log:          l,
	})

	oninterrupt.Register(func() {
		ln.Close()
		os.Remove(endpoint)
	})
	howth.RegisterAtExit(func() error {
		os.Remove(endpoint)
		return nil
	})

	ctx, cancel := howth.InterruptibleContext()
	defer cancel()

	l.Printf("listening on %s (channel=%s, store=%s)", endpoint, *channel, root)
	if err := d.Serve(ctx, ln); err != nil {
		os.Remove(endpoint)
		l.Fatalf("serve: %v", err)
	}
	if err := howth.RunAtExit(); err != nil {
		l.Printf("at-exit: %v", err)
	}
}
