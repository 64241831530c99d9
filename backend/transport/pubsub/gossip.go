package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	gossip "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

const (
	defaultGossipListen   = "/ip4/0.0.0.0/tcp/0"
	defaultMdnsTag        = "watchparty-fallback"
	defaultConnectTimeout = 5 * time.Second
)

type GossipConfig struct {
	Logger *zerolog.Logger
	// ListenAddrs are libp2p multiaddrs, /ip4/0.0.0.0/tcp/0 when empty.
	ListenAddrs []string
	// Bootstrap are /p2p multiaddrs of peers to connect to on start.
	Bootstrap []string
	// DisableMdns turns off LAN peer discovery.
	DisableMdns bool
}

// GossipBroker runs a libp2p host with gossipsub.
type GossipBroker struct {
	host   host.Host
	ps     *gossip.PubSub
	mdns   mdns.Service
	logger zerolog.Logger
}

func init() {
	// libp2p subsystems log dial failures to stderr, which the TUI owns
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("pubsub", "error")
	_ = logging.SetLogLevel("mdns", "error")
}

func NewGossipBroker(ctx context.Context, cfg GossipConfig) (*GossipBroker, error) {
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = []string{defaultGossipListen}
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(listen...))
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	b := &GossipBroker{
		host:   h,
		logger: logger.With().Str("component", "gossip").Str("peer", h.ID().String()).Logger(),
	}

	if !cfg.DisableMdns {
		b.mdns = mdns.NewMdnsService(h, defaultMdnsTag, b)
		if err = b.mdns.Start(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("mdns: %w", err)
		}
	}

	if b.ps, err = gossip.NewGossipSub(ctx, h); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	for _, addr := range cfg.Bootstrap {
		if err = b.connect(ctx, addr); err != nil {
			b.logger.Warn().Err(err).Str("addr", addr).Msg("bootstrap peer unreachable")
		}
	}
	return b, nil
}

// HandlePeerFound connects to peers found on the LAN.
func (b *GossipBroker) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == b.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := b.host.Connect(ctx, pi); err != nil {
		b.logger.Debug().Err(err).Str("remote", pi.ID.String()).Msg("lan peer connect failed")
	}
}

// Addrs are the multiaddrs other brokers can bootstrap from.
func (b *GossipBroker) Addrs() []string {
	out := make([]string, 0, len(b.host.Addrs()))
	for _, a := range b.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, b.host.ID()))
	}
	return out
}

func (b *GossipBroker) Join(_ context.Context, name string) (Topic, error) {
	topic, err := b.ps.Join(name)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, err
	}
	return &gossipTopic{self: b.host.ID(), topic: topic, sub: sub}, nil
}

func (b *GossipBroker) Close() error {
	var errs []error
	if b.mdns != nil {
		errs = append(errs, b.mdns.Close())
	}
	errs = append(errs, b.host.Close())
	return errors.Join(errs...)
}

func (b *GossipBroker) connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	return b.host.Connect(cctx, *pi)
}

type gossipTopic struct {
	self  peer.ID
	topic *gossip.Topic
	sub   *gossip.Subscription
}

func (t *gossipTopic) Publish(ctx context.Context, data []byte) error {
	return t.topic.Publish(ctx, data)
}

func (t *gossipTopic) Next(ctx context.Context) ([]byte, error) {
	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		if msg.ReceivedFrom == t.self {
			continue
		}
		return msg.Data, nil
	}
}

func (t *gossipTopic) Close() error {
	t.sub.Cancel()
	return t.topic.Close()
}
