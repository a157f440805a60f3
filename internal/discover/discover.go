// Package discover finds media servers on the local network via UDP
// broadcast. Servers answer the well-known probe message with a JSON
// description of themselves.
package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/embersync/embersync/internal/models"
)

const (
	// discoveryPort is the UDP port servers listen on for discovery.
	discoveryPort = 7359

	// discoveryMessage is the probe payload servers answer to.
	discoveryMessage = "who is EmbyServer?"

	// defaultWindow bounds how long replies are collected.
	defaultWindow = 3 * time.Second

	maxDatagram = 8192
)

// serverReply is the JSON payload a server broadcasts back.
type serverReply struct {
	Id              string `json:"Id"`
	Name            string `json:"Name"`
	Address         string `json:"Address"`
	EndpointAddress string `json:"EndpointAddress"`
}

// packetConn is the UDP surface discovery depends on. *net.UDPConn
// satisfies it; tests substitute a stub.
type packetConn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// listenBroadcast opens a UDP socket able to broadcast on the local
// network.
func listenBroadcast() (packetConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("opening discovery socket: %w", err)
	}

	return conn, nil
}

// Discoverer broadcasts discovery probes and collects server replies.
type Discoverer struct {
	logger *slog.Logger
	window time.Duration
	listen func() (packetConn, error)
}

// New creates a Discoverer with the default reply window.
func New(logger *slog.Logger) *Discoverer {
	return &Discoverer{
		logger: logger,
		window: defaultWindow,
		listen: listenBroadcast,
	}
}

// Discover broadcasts the probe and returns one ServerRecord per
// distinct server that replied within the window. A reply carrying an
// endpoint address becomes a manual-address record; otherwise the
// advertised address is recorded as the local one.
func (d *Discoverer) Discover(ctx context.Context) ([]models.ServerRecord, error) {
	conn, err := d.listen()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: discoveryPort}
	if _, err := conn.WriteTo([]byte(discoveryMessage), dst); err != nil {
		return nil, fmt.Errorf("broadcasting discovery probe: %w", err)
	}

	deadline := time.Now().Add(d.window)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting discovery deadline: %w", err)
	}

	seen := make(map[string]struct{})

	var records []models.ServerRecord
	buf := make([]byte, maxDatagram)

	for {
		if ctx.Err() != nil {
			return records, nil
		}

		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			// The read deadline ends the collection window.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return records, nil
			}
			return records, fmt.Errorf("reading discovery reply: %w", err)
		}

		var reply serverReply
		if err := json.Unmarshal(buf[:n], &reply); err != nil {
			d.logger.Debug("ignoring malformed discovery reply",
				slog.String("from", from.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		if reply.Id == "" {
			continue
		}
		if _, dup := seen[reply.Id]; dup {
			continue
		}
		seen[reply.Id] = struct{}{}

		rec := models.ServerRecord{Id: reply.Id, Name: reply.Name}
		if reply.EndpointAddress != "" {
			rec.ManualAddress = reply.EndpointAddress
		} else {
			rec.LocalAddress = reply.Address
		}

		d.logger.Debug("discovered server",
			slog.String("id", reply.Id),
			slog.String("name", reply.Name),
			slog.String("from", from.String()),
		)

		records = append(records, rec)
	}
}
