package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/watchparty/backend/directory"
	httpServer "github.com/adwski/watchparty/backend/server/http"
	websocketServer "github.com/adwski/watchparty/backend/server/websocket"
	"github.com/adwski/watchparty/backend/service"
	"github.com/adwski/watchparty/backend/storage/memory"
	"github.com/adwski/watchparty/backend/storage/redis"
	sw "github.com/adwski/watchparty/backend/switch"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("directory", pflag.ContinueOnError)

	var (
		apiListenAddr   = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel        = fs.StringP("log-level", "l", "info", "log level")
		redisAddr       = fs.String("redis-addr", "", "keep rooms in redis at this address instead of memory")
		maxParticipants = fs.Int("max-participants", 0, "room capacity including the host (0 means default)")
		advertise       = fs.Bool("mdns", true, "advertise the directory on the local network")
		instance        = fs.String("instance", "watchparty", "mdns instance name")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store service.RoomStore = memory.NewMemStore(*maxParticipants)
	if *redisAddr != "" {
		rs, errR := redis.NewStore(ctx, redis.Config{Addr: *redisAddr, MaxParticipants: *maxParticipants})
		if errR != nil {
			logger.Fatal().Err(errR).Str("addr", *redisAddr).Msg("cannot connect to redis")
		}
		defer func() {
			_ = rs.Close()
		}()
		store = rs
		logger.Info().Str("addr", *redisAddr).Msg("rooms are kept in redis")
	}

	svc := service.NewService(service.Config{
		RoomStore: store,
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
	})

	if *advertise {
		zc, errZ := directory.Advertise(*instance, port(*apiListenAddr), port(*wsListenAddr))
		if errZ != nil {
			logger.Warn().Err(errZ).Msg("mdns advertisement failed")
		} else {
			defer zc.Shutdown()
			logger.Info().Str("service", directory.ServiceType).Msg("advertising on the local network")
		}
	}

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func port(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
