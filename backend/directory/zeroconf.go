package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_watchparty._tcp"
	Domain      = "local."

	txtSignalPort = "ws="
)

var ErrNotDiscovered = errors.New("no directory found on the local network")

// Endpoints are the bases of a directory's API and signaling servers.
type Endpoints struct {
	API    string
	Signal string
}

// Advertise announces a directory on the LAN. The API port is the service
// port, the signaling port travels in a TXT record.
func Advertise(instance string, apiPort, signalPort int) (*zeroconf.Server, error) {
	return zeroconf.Register(instance, ServiceType, Domain, apiPort,
		[]string{txtSignalPort + strconv.Itoa(signalPort)}, nil)
}

// Discover returns the first directory that answers before ctx is done.
func Discover(ctx context.Context) (Endpoints, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Endpoints{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err = resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return Endpoints{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return Endpoints{}, ErrNotDiscovered
		case e, ok := <-entries:
			if !ok {
				return Endpoints{}, ErrNotDiscovered
			}
			if ep, ok := endpointsOf(e); ok {
				return ep, nil
			}
		}
	}
}

func endpointsOf(e *zeroconf.ServiceEntry) (Endpoints, bool) {
	if e == nil || len(e.AddrIPv4) == 0 {
		return Endpoints{}, false
	}
	host := e.AddrIPv4[0].String()
	signalPort := e.Port
	for _, txt := range e.Text {
		if p, ok := strings.CutPrefix(txt, txtSignalPort); ok {
			if n, err := strconv.Atoi(p); err == nil {
				signalPort = n
			}
		}
	}
	return Endpoints{
		API:    fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(e.Port))),
		Signal: fmt.Sprintf("ws://%s", net.JoinHostPort(host, strconv.Itoa(signalPort))),
	}, true
}
