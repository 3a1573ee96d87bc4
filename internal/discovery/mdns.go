// Package discovery announces the engine on the local network over mDNS so the
// frontend and devices can reach it by name.
package discovery

import (
	"errors"
	"fmt"
	"net"

	"smarthome-automations/internal/utils"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var ErrNoLocalName = errors.New("mdns local name is empty")

// Responder answers mDNS queries for the configured local name
type Responder struct {
	conn *mdns.Conn
}

// Start listens on the IPv4 and IPv6 mDNS groups and answers queries for localName.
// IPv6 is optional; the responder runs IPv4-only when the host has no IPv6 multicast.
func Start(localName string) (*Responder, error) {
	if localName == "" {
		return nil, ErrNoLocalName
	}
	logger := utils.Component("mdns")

	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("resolve mdns udp4 address: %w", err)
	}
	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return nil, fmt.Errorf("listen mdns udp4: %w", err)
	}

	var p6 *ipv6.PacketConn
	if addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6); err == nil {
		if l6, err := net.ListenUDP("udp6", addr6); err == nil {
			p6 = ipv6.NewPacketConn(l6)
		} else {
			logger.Warn().Err(err).Msg("mDNS over IPv6 unavailable")
		}
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(l4), p6, &mdns.Config{
		LocalNames: []string{localName},
	})
	if err != nil {
		_ = l4.Close()
		return nil, fmt.Errorf("start mdns server: %w", err)
	}
	logger.Info().Str("name", localName).Msg("mDNS responder started")
	return &Responder{conn: conn}, nil
}

// Close stops answering queries
func (r *Responder) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
