// Package observer streams felling activity to read-only websocket clients.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const Version = 1

// Topics a subscriber can ask for.
const (
	TopicFelling  = "felling"
	TopicChunks   = "chunks"
	TopicEntities = "entities"
)

var allTopics = []string{TopicFelling, TopicChunks, TopicEntities}

type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion int      `json:"protocolVersion"`
	Topics          []string `json:"topics,omitempty"`
}

// Message is the frame pushed to subscribers.
type Message struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Seq   uint64          `json:"seq"`
	Time  time.Time       `json:"time"`
	Data  json.RawMessage `json:"data"`
}

// Bootstrap describes the server to a client before it subscribes.
type Bootstrap struct {
	ProtocolVersion int      `json:"protocolVersion"`
	ServerID        string   `json:"serverId"`
	TickRateHz      float64  `json:"tickRateHz"`
	ChunkSize       [3]int   `json:"chunkSize"`
	RegionOrigin    [2]int   `json:"regionOrigin"`
	ChunksPerAxis   int      `json:"chunksPerAxis"`
	Topics          []string `json:"topics"`
	Active          any      `json:"active"`
}

type BootstrapFunc func() Bootstrap

type session struct {
	id     string
	out    chan []byte
	topics map[string]bool
}

type Server struct {
	bootstrap BootstrapFunc
	log       *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	seq      atomic.Uint64
	dropped  atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*session

	// AllowRemote lifts the loopback restriction on both handlers.
	AllowRemote bool
}

func NewServer(bootstrap BootstrapFunc, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "observer ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		bootstrap: bootstrap,
		log:       logger,
		sessions:  make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish marshals data once and queues it for every session subscribed to
// topic. Slow sessions lose frames rather than blocking the caller.
func (s *Server) Publish(topic, msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("observer publish %s: %w", msgType, err)
	}
	frame, err := json.Marshal(Message{
		Type:  msgType,
		Topic: topic,
		Seq:   s.seq.Add(1),
		Time:  time.Now().UTC(),
		Data:  raw,
	})
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if !sess.topics[topic] {
			continue
		}
		select {
		case sess.out <- frame:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		var resp Bootstrap
		if s.bootstrap != nil {
			resp = s.bootstrap()
		}
		resp.ProtocolVersion = Version
		resp.Topics = allTopics
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// The first frame must be a SUBSCRIBE.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sess := &session{
			id:     fmt.Sprintf("O%d", s.nextID.Add(1)),
			out:    make(chan []byte, 1024),
			topics: topicSet(sub.Topics),
		}
		s.join(sess)
		defer s.leave(sess.id)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Later SUBSCRIBE frames replace the topic set.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var update SubscribeMsg
			if err := json.Unmarshal(msg, &update); err != nil || update.Type != "SUBSCRIBE" {
				continue
			}
			s.mu.Lock()
			sess.topics = topicSet(update.Topics)
			s.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) join(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.log.Printf("observer %s joined topics=%v", sess.id, keys(sess.topics))
}

func (s *Server) leave(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func topicSet(topics []string) map[string]bool {
	if len(topics) == 0 {
		topics = allTopics
	}
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return set
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for _, t := range allTopics {
		if set[t] {
			out = append(out, t)
		}
	}
	return out
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
