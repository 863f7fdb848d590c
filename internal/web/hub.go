package web

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"groundstation/internal/aprs"
	"groundstation/internal/ingest"
)

// Message types pushed to WebSocket clients.
const (
	MessageData       = "data"
	MessageError      = "error"
	MessageRadioClose = "radio-close"
	MessagePrint      = "print"
)

type Message struct {
	Type      string       `json:"type"`
	At        string       `json:"at"`
	Record    *aprs.Report `json:"record,omitempty"`
	Error     string       `json:"error,omitempty"`
	Port      string       `json:"port,omitempty"`
	Requested bool         `json:"requested,omitempty"`
	Line      string       `json:"line,omitempty"`
}

// Hub fans out notifications to any number of listeners. It keeps the most
// recent data message so a new subscriber gets the current fix at once.
// Slow listeners lose messages rather than stall the ingest loop.
type Hub struct {
	mu       sync.RWMutex
	subs     map[int]chan Message
	nextID   int
	last     Message
	haveLast bool
	dropped  uint64
	now      func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]chan Message),
		now:  time.Now,
	}
}

func (h *Hub) Subscribe(buffer int) (int, <-chan Message) {
	if h == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	last := h.last
	have := h.haveLast
	h.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	if h == nil {
		return
	}
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish never blocks.
func (h *Hub) Publish(msg Message) {
	if h == nil {
		return
	}
	if msg.At == "" {
		msg.At = h.now().UTC().Format(time.RFC3339Nano)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped++
		}
	}
	if msg.Type == MessageData {
		h.last = msg
		h.haveLast = true
	}
}

// Clients reports current subscribers and messages dropped on full buffers.
func (h *Hub) Clients() (subscribers int, dropped uint64) {
	if h == nil {
		return 0, 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs), h.dropped
}

func (h *Hub) OnRecord(r ingest.Record) {
	rep := r.Report
	h.Publish(Message{Type: MessageData, Record: &rep})
}

func (h *Hub) OnError(err error) {
	if err == nil {
		return
	}
	h.Publish(Message{Type: MessageError, Error: err.Error()})
}

func (h *Hub) OnClosed(port string, requested bool) {
	h.Publish(Message{Type: MessageRadioClose, Port: port, Requested: requested})
}

// Print forwards one log line. LogBuffer's line hook calls it.
func (h *Hub) Print(line string) {
	h.Publish(Message{Type: MessagePrint, Line: line})
}

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is served from this process; other local tools may connect too.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and streams hub messages until the client
// goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		return
	}
	defer conn.Close()

	id, ch := h.Subscribe(64)
	defer h.Unsubscribe(id)
	log.Printf("ws client connected remote=%s", r.RemoteAddr)

	// Reader: only control frames are expected; a read error means the
	// client is gone.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			log.Printf("ws client disconnected remote=%s", r.RemoteAddr)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write failed remote=%s: %v", r.RemoteAddr, err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
