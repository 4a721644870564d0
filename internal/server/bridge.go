package server

import (
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatmesh/chatmesh/internal/protocol"
)

const pingPeriod = 54 * time.Second

// bridgeEvent is the JSON rendering of a server-to-client protocol message,
// delivered to WebSocket bridge clients.
type bridgeEvent struct {
	// Type is one of "clients", "joined", "left", "message", "error".
	Type    string       `json:"type"`
	Name    string       `json:"name,omitempty"`
	Text    string       `json:"text,omitempty"`
	Code    byte         `json:"code,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Clients []bridgePeer `json:"clients,omitempty"`
}

type bridgePeer struct {
	Name    string `json:"name"`
	IP      string `json:"ip"`
	UDPPort uint16 `json:"udpPort"`
}

// bridgeClient adapts one WebSocket connection into the registry and relay,
// making browser clients full chat members: they appear in membership
// snapshots, receive every fan-out, and may broadcast. Inbound text frames
// become broadcasts; outbound protocol messages become JSON events.
type bridgeClient struct {
	srv     *Server
	conn    *websocket.Conn
	send    chan bridgeEvent
	done    chan struct{}
	addr    string
	limiter *rateLimiter

	closeOnce sync.Once
}

// BridgeHandler returns the HTTP handler upgrading bridge connections.
// Clients connect to /ws?name=N&udp=P; a udp of zero means the client cannot
// take part in peer-to-peer rendezvous but chats normally otherwise.
func (s *Server) BridgeHandler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "missing name parameter", http.StatusBadRequest)
			return
		}
		udpPort := 0
		if raw := r.URL.Query().Get("udp"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 || parsed > 65535 {
				http.Error(w, "invalid udp parameter", http.StatusBadRequest)
				return
			}
			udpPort = parsed
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("bridge upgrade failed: %v", err)
			return
		}

		s.metrics.BridgeConnections.Inc()
		client := &bridgeClient{
			srv:     s,
			conn:    conn,
			send:    make(chan bridgeEvent, 64),
			done:    make(chan struct{}),
			addr:    r.RemoteAddr,
			limiter: newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval),
		}
		client.run(name, uint16(udpPort), remoteIPv4(r.RemoteAddr))
	}
}

func remoteIPv4(remoteAddr string) uint32 {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return protocol.IPToUint32(net.ParseIP(host))
}

func (b *bridgeClient) run(name string, udpPort uint16, ip uint32) {
	b.srv.wg.Add(1)
	go func() {
		defer b.srv.wg.Done()
		b.writePump()
	}()

	snapshot, err := b.srv.registry.Register(name, ip, udpPort, b)
	if err != nil {
		b.srv.metrics.RegistrationRejects.WithLabelValues(rejectReason(err)).Inc()
		b.enqueue(bridgeEvent{Type: "error", Code: byte(registrationRejectCode(err)), Reason: err.Error()})
		// Registration conflicts are retryable over TCP, but a bridge
		// client encodes its identity in the URL, so just close.
		b.shutdown()
		return
	}

	b.srv.metrics.Registrations.Inc()
	b.srv.metrics.ConnectedClients.Inc()

	peers := make([]bridgePeer, len(snapshot))
	for i, rec := range snapshot {
		peers[i] = bridgePeer{Name: rec.Name, IP: protocol.Uint32ToIP(rec.IP).String(), UDPPort: rec.UDPPort}
	}
	b.enqueue(bridgeEvent{Type: "clients", Clients: peers})
	b.srv.relay.NotifyJoined(snapshot[len(snapshot)-1])
	log.Printf("bridge client %q registered from %s. Total clients: %d", name, b.addr, len(snapshot))

	b.srv.wg.Add(1)
	go func() {
		defer b.srv.wg.Done()
		b.readPump()
	}()
}

// deliver translates a relayed protocol message into its JSON event.
func (b *bridgeClient) deliver(msg protocol.Message, _ []byte) bool {
	var event bridgeEvent
	switch m := msg.(type) {
	case protocol.JoinedMessage:
		event = bridgeEvent{Type: "joined", Name: m.Client.Name}
	case protocol.LeftMessage:
		event = bridgeEvent{Type: "left", Name: m.Name}
	case protocol.BroadcastMessage:
		event = bridgeEvent{Type: "message", Text: m.Text}
	case protocol.ErrorMessage:
		event = bridgeEvent{Type: "error", Code: byte(m.Code), Reason: m.Code.String()}
	default:
		return true
	}
	return b.enqueue(event)
}

func (b *bridgeClient) enqueue(event bridgeEvent) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.send <- event:
		return true
	default:
		return false
	}
}

func (b *bridgeClient) kick() {
	b.shutdown()
}

func (b *bridgeClient) remoteAddr() string {
	return b.addr
}

func (b *bridgeClient) shutdown() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *bridgeClient) teardown() {
	b.shutdown()
	if rec, ok := b.srv.registry.Remove(b); ok {
		b.srv.metrics.ConnectedClients.Dec()
		b.srv.relay.NotifyLeft(rec.Name, b)
		log.Printf("bridge client %q at %s disconnected. Total clients: %d", rec.Name, b.addr, b.srv.registry.Len())
	}
}

func (b *bridgeClient) readPump() {
	defer b.teardown()

	b.conn.SetReadLimit(b.srv.cfg.MaxMessageSize)
	for {
		kind, payload, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("bridge client %s read error: %v", b.addr, err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if !b.limiter.allow() {
			log.Printf("bridge client %s exceeded the broadcast rate limit; discarding message", b.addr)
			continue
		}
		if err := b.srv.relay.Broadcast(string(payload), b); err != nil {
			code := broadcastRejectCode(err)
			b.enqueue(bridgeEvent{Type: "error", Code: byte(code), Reason: err.Error()})
		}
	}
}

func (b *bridgeClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := b.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("bridge client %s close error: %v", b.addr, err)
		}
	}()

	for {
		select {
		case event := <-b.send:
			if err := b.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := b.conn.WriteJSON(event); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("bridge client %s write error: %v", b.addr, err)
				}
				b.shutdown()
				return
			}
		case <-ticker.C:
			if err := b.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.shutdown()
				return
			}
		case <-b.done:
			for {
				select {
				case event := <-b.send:
					_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := b.conn.WriteJSON(event); err != nil {
						return
					}
				default:
					_ = b.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}
