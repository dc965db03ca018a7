// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/parleyhq/callkit/internal/api"
	"github.com/parleyhq/callkit/internal/call"
	"github.com/parleyhq/callkit/internal/config"
	"github.com/parleyhq/callkit/internal/media"
	"github.com/parleyhq/callkit/internal/relay"
	sigchan "github.com/parleyhq/callkit/internal/signal"
)

var log = logging.Logger("main")

var (
	cfgPath   = flag.String("config", "callkit.json", "Path to the JSON config file (created with defaults if missing)")
	relayMode = flag.Bool("relay", false, "Run the signaling relay server instead of the call agent")
	version   = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callkit v%s\n", appVersion)
		return
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Created default config at %s\n", *cfgPath)
	}

	applyLogLevel(cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	// Live log-level changes from the config file.
	stopWatch, err := config.Watch(*cfgPath, func(c config.Config) {
		applyLogLevel(c.Log.Level)
	})
	if err != nil {
		log.Warnw("config watch unavailable", "err", err)
	} else {
		defer stopWatch()
	}

	if *relayMode {
		fmt.Printf("callkit relay v%s\nListening on %s\n", appVersion, cfg.Relay.Addr)
		if err := relay.New(cfg.Relay).Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "relay failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runAgent(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "agent failed: %v\n", err)
		os.Exit(1)
	}
}

// runAgent wires the call core and serves the local API until ctx ends.
func runAgent(ctx context.Context, cfg config.Config) error {
	peerID := cfg.Identity.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
		log.Warnw("no identity.peer_id configured, using ephemeral id", "peer", peerID)
	}

	ch := sigchan.New(sigchan.Options{
		URL:            cfg.Signaling.URL,
		Token:          cfg.Identity.Token,
		ReconnectBase:  time.Duration(cfg.Signaling.ReconnectBaseMs) * time.Millisecond,
		ReconnectMax:   time.Duration(cfg.Signaling.ReconnectMaxMs) * time.Millisecond,
		Heartbeat:      time.Duration(cfg.Signaling.HeartbeatSec) * time.Second,
		MissedAckLimit: cfg.Signaling.MissedAckLimit,
		AckTimeout:     time.Duration(cfg.Signaling.AckTimeoutMs) * time.Millisecond,
	})
	if err := ch.Connect(ctx, peerID); err != nil {
		// The reconnect loop is not running yet; a cold start against a
		// down relay should fail loudly.
		return fmt.Errorf("signaling connect: %w", err)
	}
	defer ch.Disconnect()

	svc := call.NewService(cfg, call.WrapChannel(ch), media.NewDeviceAcquirer(cfg.Media))
	defer svc.Close()

	mux := http.NewServeMux()
	api.New(svc, ch.Health).Register(mux)

	srv := &http.Server{Addr: cfg.API.HTTPAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("api listening", "addr", cfg.API.HTTPAddr, "peer", peerID)
		fmt.Printf("callkit agent v%s\nPeer:   %s\nRelay:  %s\nAPI:    http://%s\n",
			appVersion, peerID, cfg.Signaling.URL, cfg.API.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func applyLogLevel(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnw("bad log level", "level", level, "err", err)
		return
	}
	logging.SetAllLoggers(lvl)
}
