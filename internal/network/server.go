package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type Handler func(ctx context.Context, addr *net.UDPAddr, env Envelope)

type Server struct {
	conn    *net.UDPConn
	logger  *log.Logger
	maxSize int
	seq     atomic.Uint64

	mu       sync.RWMutex
	handlers map[MessageType][]Handler
}

func Listen(listenAddr string, logger *log.Logger, maxSize int) (*Server, error) {
	if maxSize <= 0 {
		maxSize = 64 * 1024
	}
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "network ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		conn:     conn,
		logger:   logger,
		maxSize:  maxSize,
		handlers: make(map[MessageType][]Handler),
	}, nil
}

func (s *Server) Close() error {
	return s.conn.Close()
}

// LocalAddr reports the bound UDP address.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) Register(msgType MessageType, handler Handler) {
	s.mu.Lock()
	s.handlers[msgType] = append(s.handlers[msgType], handler)
	s.mu.Unlock()
}

func (s *Server) Serve(ctx context.Context) error {
	buffer := make([]byte, s.maxSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if nErr, ok := err.(net.Error); ok && nErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		payload := make([]byte, n)
		copy(payload, buffer[:n])

		env, err := Decode(payload)
		if err != nil {
			s.logger.Printf("decode message from %s: %v", addr, err)
			continue
		}

		handlers := s.handlersFor(env.Type)
		if len(handlers) == 0 {
			continue
		}

		for _, handler := range handlers {
			h := handler
			go h(ctx, addr, env)
		}
	}
}

func (s *Server) handlersFor(msgType MessageType) []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Handler(nil), s.handlers[msgType]...)
}

// Reply answers the peer a request arrived from.
func (s *Server) Reply(addr *net.UDPAddr, msg MessageType, payload any) error {
	if addr == nil {
		return fmt.Errorf("reply %s: nil address", msg)
	}
	data, err := s.prepare(msg, payload)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(data, addr)
	return err
}

// Broadcast sends the message to every address, returning the first error.
// Datagrams larger than the configured maximum are rejected.
func (s *Server) Broadcast(addrs []string, msg MessageType, payload any) error {
	data, err := s.prepare(msg, payload)
	if err != nil {
		return err
	}
	if len(data) > s.maxSize {
		return fmt.Errorf("broadcast %s: %d bytes exceeds datagram limit %d", msg, len(data), s.maxSize)
	}
	var first error
	for _, addr := range addrs {
		target, err := net.ResolveUDPAddr("udp", addr)
		if err == nil {
			_, err = s.conn.WriteToUDP(data, target)
		}
		if err != nil && first == nil {
			first = fmt.Errorf("send %s to %s: %w", msg, addr, err)
		}
	}
	return first
}

// DecodePayload unmarshals the envelope payload into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return out, nil
}

func (s *Server) prepare(msgType MessageType, payload any) ([]byte, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	env := Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Seq:       s.seq.Add(1),
		Payload:   raw,
	}
	return Encode(env)
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return p, nil
	default:
		return jsonMarshal(payload)
	}
}

func jsonMarshal(v any) ([]byte, error) {
	type marshaler interface {
		MarshalJSON() ([]byte, error)
	}
	if m, ok := v.(marshaler); ok {
		return m.MarshalJSON()
	}
	return json.Marshal(v)
}
