package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/monashpm/crankmeter/internal/record"
)

// PubSubTransport implements Transport over a networked websocket
// publish/subscribe endpoint: any number of subscribers connect and
// receive every published frame, non-blocking and drop-on-full. A
// one-byte kind tag precedes each high-speed batch so subscribers can
// demultiplex the binary stream.
type PubSubTransport struct {
	listenAddr string

	// Commands, if set, receives inbound command frames from
	// subscribers (text messages of the shape
	// {"command": ..., "payload": ...}).
	Commands *Commands

	upgrader websocket.Upgrader
	srv      *http.Server

	clientsMu sync.RWMutex
	clients   map[*psClient]struct{}
}

type psClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewPubSubTransport creates a PubSubTransport listening on addr once
// Connect is called.
func NewPubSubTransport(addr string) *PubSubTransport {
	return &PubSubTransport{
		listenAddr: addr,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:    make(map[*psClient]struct{}),
	}
}

func (p *PubSubTransport) Connect(ctx context.Context) error {
	if p.srv != nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", p.handleWS)
	p.srv = &http.Server{Addr: p.listenAddr, Handler: mux}

	ln, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		p.srv = nil
		return fmt.Errorf("pubsub: listen %s: %w", p.listenAddr, err)
	}

	go func() {
		if err := p.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[pubsub] serve error: %v", err)
		}
	}()
	log.Printf("[pubsub] listening on %s", p.listenAddr)
	return nil
}

func (p *PubSubTransport) Close() error {
	p.clientsMu.Lock()
	for c := range p.clients {
		c.conn.Close()
	}
	p.clients = make(map[*psClient]struct{})
	p.clientsMu.Unlock()

	if p.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.srv.Shutdown(ctx)
	p.srv = nil
	return err
}

func (p *PubSubTransport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[pubsub] upgrade error: %v", err)
		return
	}
	client := &psClient{conn: conn, send: make(chan []byte, 64)}

	p.clientsMu.Lock()
	p.clients[client] = struct{}{}
	p.clientsMu.Unlock()
	log.Printf("[pubsub] client connected (%d total)", len(p.clients))

	go func() {
		defer conn.Close()
		for msg := range client.send {
			msgType := websocket.BinaryMessage
			if len(msg) > 0 && msg[0] == textFrameTag {
				msgType = websocket.TextMessage
				msg = msg[1:]
			}
			if err := conn.WriteMessage(msgType, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			p.clientsMu.Lock()
			delete(p.clients, client)
			p.clientsMu.Unlock()
			close(client.send)
			log.Printf("[pubsub] client disconnected (%d total)", len(p.clients))
		}()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.TextMessage {
				p.handleInbound(data)
			}
		}
	}()
}

// handleInbound parses a subscriber's command frame and dispatches it.
func (p *PubSubTransport) handleInbound(data []byte) {
	if p.Commands == nil {
		return
	}
	var frame struct {
		Command string          `json:"command"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("[pubsub] bad inbound frame: %v", err)
		return
	}
	if err := p.Commands.Handle(frame.Command, frame.Payload); err != nil {
		log.Printf("[pubsub] inbound command failed: %v", err)
	}
}

// textFrameTag prefixes frames meant to be written as websocket text
// messages (the JSON low-speed/housekeeping/about-device payloads);
// high-speed binary batches carry no such prefix. Its value lies
// outside the RecordKind range so a batch's kind byte never matches it.
const textFrameTag = 0xFF

func (p *PubSubTransport) broadcast(data []byte) {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for c := range p.clients {
		select {
		case c.send <- data:
		default:
			// slow subscriber: drop rather than block
		}
	}
}

func (p *PubSubTransport) broadcastJSON(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	framed := append([]byte{textFrameTag}, body...)
	p.broadcast(framed)
	return nil
}

func (p *PubSubTransport) PublishAboutDevice(about AboutDevice) error {
	return p.broadcastJSON(map[string]interface{}{
		"name":         about.Name,
		"compiled":     about.Compiled,
		"sw_version":   about.SWVersion,
		"hw_version":   about.HWVersion,
		"connect-time": about.ConnectTime.Unix(),
		"calibration": map[string]interface{}{
			"side": about.Calibration.Side,
			"imu":  about.Calibration.IMU,
		},
		"mac": about.MAC,
	})
}

func (p *PubSubTransport) PublishHighSpeedBatch(kind RecordKind, payload []byte) error {
	framed := make([]byte, 0, 1+len(payload))
	framed = append(framed, byte(kind))
	framed = append(framed, payload...)
	p.broadcast(framed)
	return nil
}

func (p *PubSubTransport) PublishLowSpeed(rec record.LowSpeed) error {
	return p.broadcastJSON(map[string]interface{}{
		"timestamp": rec.TimestampUs,
		"cadence":   rec.CadenceRPM,
		"rotations": rec.RotationCount,
		"power":     rec.PowerW,
		"balance":   rec.BalancePct,
	})
}

func (p *PubSubTransport) PublishHousekeeping(rec record.Housekeeping) error {
	return p.broadcastJSON(map[string]interface{}{
		"temps": map[string]float32{
			"left":  rec.LeftTempC,
			"right": rec.RightTempC,
			"imu":   rec.IMUTempC,
		},
		"battery":      rec.BatteryMV,
		"left-offset":  rec.LeftOffset,
		"right-offset": rec.RightOffset,
	})
}
