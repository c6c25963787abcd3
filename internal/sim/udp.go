package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/apex-data/racecoach/internal/monitoring"
	"github.com/apex-data/racecoach/internal/telemetry"
)

// udpQueueDepth bounds the datagram-to-poll handoff. The receive loop drops
// the oldest sample on overflow so a slow consumer sees fresh data.
const udpQueueDepth = 256

// maxDatagram is sized for one JSON sample record.
const maxDatagram = 16384

// UDPConnector receives JSON sample datagrams from a telemetry bridge
// process. One datagram carries one raw sample record; the session descriptor
// is synthesised from the sample identity fields.
type UDPConnector struct {
	addr      string
	validator *telemetry.Validator

	mu        sync.Mutex
	conn      *net.UDPConn
	connected bool
	samples   chan telemetry.Sample
	reported  string // last descriptor key handed to PollSession
	lastDesc  telemetry.SessionDescriptor
	haveDesc  bool
}

// NewUDPConnector creates a connector listening on addr (e.g. ":9400").
func NewUDPConnector(addr string) *UDPConnector {
	return &UDPConnector{
		addr:      addr,
		validator: telemetry.NewValidator(),
	}
}

// Connect binds the UDP socket and starts the receive loop.
func (u *UDPConnector) Connect(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.connected {
		return nil
	}
	laddr, err := net.ResolveUDPAddr("udp", u.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", u.addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", u.addr, err)
	}
	u.conn = conn
	u.connected = true
	u.samples = make(chan telemetry.Sample, udpQueueDepth)
	go u.readLoop(conn, u.samples)
	return nil
}

// Disconnect closes the socket; the receive loop exits on the read error.
func (u *UDPConnector) Disconnect() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.connected {
		return nil
	}
	u.connected = false
	return u.conn.Close()
}

// IsConnected reports whether the socket is bound.
func (u *UDPConnector) IsConnected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

// LocalAddr returns the bound address, for tests using port 0.
func (u *UDPConnector) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDPConnector) readLoop(conn *net.UDPConn, out chan telemetry.Sample) {
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			u.mu.Lock()
			stillMine := u.conn == conn
			if stillMine {
				u.connected = false
			}
			u.mu.Unlock()
			if stillMine {
				monitoring.Logf("[sim] udp receive ended: %v", err)
			}
			return
		}

		var raw telemetry.Raw
		if err := json.Unmarshal(buf[:n], &raw); err != nil {
			monitoring.Logf("[sim] dropping malformed datagram: %v", err)
			continue
		}
		s, err := u.validator.Canonicalize(raw)
		if err != nil {
			monitoring.Logf("[sim] dropping datagram: %v", err)
			continue
		}

		select {
		case out <- s:
		default:
			// Full queue: drop the oldest so polls see the newest data.
			select {
			case <-out:
			default:
			}
			select {
			case out <- s:
			default:
			}
		}
	}
}

// PollTelemetry returns the next received sample, nil when none is pending.
func (u *UDPConnector) PollTelemetry(ctx context.Context) (*telemetry.Sample, error) {
	u.mu.Lock()
	connected, ch := u.connected, u.samples
	u.mu.Unlock()
	if !connected {
		return nil, ErrDisconnected
	}
	select {
	case s := <-ch:
		u.mu.Lock()
		u.lastDesc = telemetry.SessionDescriptor{
			TrackDisplayName: s.TrackName,
			CarScreenName:    s.CarName,
			SessionKind:      s.SessionKind,
		}
		u.haveDesc = true
		u.mu.Unlock()
		return &s, nil
	default:
		return nil, nil
	}
}

// PollSession returns the synthesised descriptor when its identity changed
// since the last report, nil otherwise.
func (u *UDPConnector) PollSession(ctx context.Context) (*telemetry.SessionDescriptor, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.connected {
		return nil, ErrDisconnected
	}
	if !u.haveDesc {
		return nil, nil
	}
	if key := u.lastDesc.Key(); key != u.reported {
		u.reported = key
		d := u.lastDesc
		return &d, nil
	}
	return nil, nil
}
