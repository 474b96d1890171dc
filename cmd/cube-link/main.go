package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/kstaniek/cube-link/internal/diag"
	"github.com/kstaniek/cube-link/internal/link"
	"github.com/kstaniek/cube-link/internal/metrics"
	"github.com/kstaniek/cube-link/internal/serial"
	"github.com/kstaniek/cube-link/internal/server"
	"github.com/kstaniek/cube-link/internal/stopwatch"
)

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:])
	if showVersion {
		fmt.Printf("cube-link %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.listPorts {
		if err := printPorts(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if err := run(cfg); err != nil {
		os.Exit(1)
	}
}

func printPorts() error {
	ports, err := serial.ListPorts()
	if err != nil {
		return fmt.Errorf("list ports: %w", err)
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}

func run(cfg *appConfig) error {
	l, err := setupLogger(cfg.logFormat, cfg.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	// The diagnostics routes answer 503 until the link is up.
	var current atomic.Pointer[link.Link]
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		router := metrics.NewRouter()
		diag.Register(router, func() diag.LinkView {
			if lk := current.Load(); lk != nil {
				return lk
			}
			return nil
		})
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr, router)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		// Lets a signal abort the reset wait.
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	sw := stopwatch.New()
	backend, err := initLink(ctx, cfg, h, l, sw)
	if err != nil {
		l.Error("link_init_error", "error", err)
		return err
	}
	current.Store(backend.link)
	defer backend.close()

	if cfg.mqttURL != "" {
		br, err := startMQTT(ctx, cfg, backend, l)
		if err != nil {
			l.Error("mqtt_init_error", "error", err)
			return err
		}
		defer br.Close()
	}

	if cfg.sendPayload != nil {
		if err := sendOnce(backend.link, cfg.sendPayload, l, sw); err != nil {
			l.Error("send_failed", "error", err)
		}
	}

	srv := server.New(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithSend(backend.tx.Send),
		server.WithLink(backend.link),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	// Start mDNS advertisement once listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := listenPort(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when the listener is bound and the device has announced itself.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && !backend.link.Closed() && !backend.link.AwaitingReset()
	})

	select {
	case <-ctx.Done():
	case <-backend.link.Done():
		l.Error("link_lost", "device", cfg.serialDev)
	}
	cancel()
	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		l.Warn("tcp_shutdown_error", "error", err)
	}
	l.Info("link_summary",
		"messages", backend.link.MessageCount(),
		"bytes", retainedBytes(backend.link),
	)
	for _, r := range sw.Records() {
		l.Info("timing", "label", r.Label, "elapsed", r.Duration)
	}
	wg.Wait()
	return nil
}
