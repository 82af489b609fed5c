package discovery

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/zeroconf/v2"
	"go.uber.org/zap"
)

const mdnsServiceType = "_p2p-agent._tcp"
const mdnsDomain = "local."

// MDNS advertises this node on the LAN and discovers peers advertising the
// same service type (spec.md §4.6: "mDNS is used on LAN").
type MDNS struct {
	log    *zap.Logger
	server *zeroconf.Server
}

// Announce registers peerID/port on the LAN via mDNS, returning a stop
// function. Safe to call once per node lifetime.
func Announce(peerID string, port int, log *zap.Logger) (stop func(), err error) {
	server, err := zeroconf.Register(peerID, mdnsServiceType, mdnsDomain, port, []string{"peer_id=" + peerID}, nil)
	if err != nil {
		return func() {}, err
	}
	return server.Shutdown, nil
}

// Browse discovers peers advertising mdnsServiceType on the LAN for
// duration d, returning their fragments. Entries lacking a usable address
// or peer_id TXT record are skipped.
func Browse(ctx context.Context, d time.Duration, log *zap.Logger) ([]Fragment, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	var frags []Fragment
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			f, ok := fragmentFromEntry(entry)
			if ok {
				frags = append(frags, f)
			}
		}
	}()

	if err := resolver.Browse(ctx, mdnsServiceType, mdnsDomain, entries); err != nil {
		return nil, err
	}
	<-ctx.Done()
	<-done
	return frags, nil
}

func fragmentFromEntry(entry *zeroconf.ServiceEntry) (Fragment, bool) {
	if len(entry.AddrIPv4) == 0 {
		return Fragment{}, false
	}
	var peerID string
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, "peer_id=") {
			peerID = strings.TrimPrefix(txt, "peer_id=")
		}
	}
	if peerID == "" {
		return Fragment{}, false
	}
	addr := entry.AddrIPv4[0].String() + ":" + strconv.Itoa(entry.Port)
	return Fragment{PeerID: peerID, Address: addr, LastSeen: time.Now().UTC()}, true
}
