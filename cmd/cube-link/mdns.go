package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_cube-link._tcp"

// machineID is a hook for tests. The protected form hides the raw host id.
var machineID = func() (string, error) { return machineid.ProtectedID("cube-link") }

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("cube-link-%s", host)
}

func mdnsTXT(cfg *appConfig) []string {
	meta := []string{
		"driver=" + cfg.driver,
		"version=" + version,
		"commit=" + commit,
	}
	if id, err := machineID(); err == nil && id != "" {
		if len(id) > mdnsIDLen {
			id = id[:mdnsIDLen]
		}
		meta = append(meta, "id="+id)
	}
	return meta
}

// listenPort extracts the port from a bound host:port address.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

// startMDNS registers the service via mDNS and returns a cleanup function.
// It is safe to call even if disabled (no-op).
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
