package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/watchparty/backend/directory"
	"github.com/adwski/watchparty/backend/media"
	"github.com/adwski/watchparty/backend/player"
	"github.com/adwski/watchparty/backend/session"
	"github.com/adwski/watchparty/backend/transport"
	"github.com/adwski/watchparty/backend/transport/pubsub"
	"github.com/adwski/watchparty/backend/transport/relay"
	"github.com/adwski/watchparty/backend/tui"
)

const discoveryTimeout = 3 * time.Second

const (
	modeAuto   = "auto"
	modeRelay  = "relay"
	modeGossip = "gossip"
	modeRedis  = "redis"
)

func main() {
	fs := pflag.NewFlagSet("peer", pflag.ContinueOnError)

	var (
		name        = fs.StringP("name", "n", "", "display name")
		apiURL      = fs.StringP("directory", "d", "", "directory api url, discovered on the local network when empty")
		signalURL   = fs.StringP("signal", "s", "", "directory signaling url, discovered with the api when empty")
		mode        = fs.StringP("transport", "t", modeAuto, "auto, relay, gossip or redis")
		redisAddr   = fs.String("redis-addr", "localhost:6379", "redis address for the redis transport")
		bootstrap   = fs.StringSlice("bootstrap", nil, "libp2p peers for the gossip transport")
		noMdns      = fs.Bool("no-mdns", false, "disable libp2p lan discovery for the gossip transport")
		iceServers  = fs.StringSlice("ice", nil, "stun/turn server urls")
		placeholder = fs.String("placeholder", "", "VP8 IVF file whose first frame replaces the camera when it is missing")
		camera      = fs.Bool("camera", true, "use the camera and microphone")
		logFile     = fs.String("log-file", filepath.Join(os.TempDir(), "watchparty.log"), "log file")
		logLevel    = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// the terminal belongs to the ui
	f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot open log file:", err)
		os.Exit(1)
	}
	defer func() {
		_ = f.Close()
	}()
	logger := zerolog.New(f).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad log level:", err)
		os.Exit(2)
	}
	logger = logger.Level(lvl)

	ctx := context.Background()
	env, err := setup(ctx, setupConfig{
		logger:    &logger,
		mode:      *mode,
		apiURL:    *apiURL,
		signalURL: *signalURL,
		redisAddr: *redisAddr,
		bootstrap: *bootstrap,
		noMdns:    *noMdns,
	})
	if err != nil {
		logger.Error().Err(err).Msg("setup failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer env.close()

	dummy := media.DummyConfig{}
	if *placeholder != "" {
		if dummy.Placeholder, err = media.LoadPlaceholder(*placeholder); err != nil {
			logger.Warn().Err(err).Msg("placeholder is not usable, sending the built-in frame")
		}
	}
	var cam media.Source
	if *camera {
		cam = media.NewDeviceSource(&logger)
	}
	capturer := media.NewCapturer(media.CaptureConfig{Logger: &logger, Screen: media.ScreenSource()})

	newSession := func() (tui.Session, error) {
		sim := player.New()
		s, errS := session.New(session.Config{
			Logger:      &logger,
			Transport:   env.transport(),
			Directory:   env.dir,
			Player:      sim,
			Camera:      cam,
			Dummy:       dummy,
			Capturer:    capturer,
			ICEServers:  *iceServers,
			DisplayName: *name,
		})
		if errS != nil {
			return nil, errS
		}
		sim.OnStateChange(s.HandlePlayerState)
		go func() {
			<-s.Done()
			sim.Close()
		}()
		return s, nil
	}

	logger.Info().Str("transport", env.mode).Msg("peer started")
	if err = tui.Run(tui.Config{NewSession: newSession}); err != nil {
		logger.Error().Err(err).Msg("ui failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type setupConfig struct {
	logger    *zerolog.Logger
	mode      string
	apiURL    string
	signalURL string
	redisAddr string
	bootstrap []string
	noMdns    bool
}

// environment holds what outlives single sessions: the directory and, for
// the pub/sub transports, the broker.
type environment struct {
	mode      string
	dir       directory.Directory
	transport func() transport.Transport
	close     func()
}

func setup(ctx context.Context, cfg setupConfig) (*environment, error) {
	mode := cfg.mode
	if mode == modeAuto || mode == modeRelay {
		if cfg.apiURL == "" {
			dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
			ep, err := directory.Discover(dctx)
			cancel()
			switch {
			case err == nil:
				cfg.apiURL = ep.API
				if cfg.signalURL == "" {
					cfg.signalURL = ep.Signal
				}
				cfg.logger.Info().Str("api", ep.API).Str("signal", ep.Signal).Msg("directory discovered")
			case mode == modeRelay:
				return nil, err
			default:
				cfg.logger.Warn().Err(err).Msg("no directory, falling back to gossip")
				mode = modeGossip
			}
		}
		if mode != modeGossip {
			if cfg.signalURL == "" {
				return nil, errors.New("signaling url is required with --directory")
			}
			return &environment{
				mode: modeRelay,
				dir:  directory.NewClient(directory.ClientConfig{Logger: cfg.logger, URL: cfg.apiURL}),
				transport: func() transport.Transport {
					return relay.New(relay.Config{Logger: cfg.logger, URL: cfg.signalURL})
				},
				close: func() {},
			}, nil
		}
	}

	var broker pubsub.Broker
	switch mode {
	case modeGossip:
		b, err := pubsub.NewGossipBroker(ctx, pubsub.GossipConfig{
			Logger:      cfg.logger,
			Bootstrap:   cfg.bootstrap,
			DisableMdns: cfg.noMdns,
		})
		if err != nil {
			return nil, err
		}
		cfg.logger.Info().Strs("addrs", b.Addrs()).Msg("gossip broker started, share an address as --bootstrap")
		broker = b
	case modeRedis:
		b, err := pubsub.NewRedisBroker(ctx, cfg.redisAddr)
		if err != nil {
			return nil, err
		}
		broker = b
	default:
		return nil, fmt.Errorf("unknown transport %q", mode)
	}
	return &environment{
		mode: mode,
		dir:  directory.Derived{},
		transport: func() transport.Transport {
			return pubsub.New(pubsub.Config{Broker: broker, Logger: cfg.logger})
		},
		close: func() {
			_ = broker.Close()
		},
	}, nil
}
