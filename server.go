package main

import (
	"bufio"
	"net"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// command is one protocol line together with the client it came from, so the
// reply can be routed back to the right connection.
type command struct {
	line string
	from *client
}

// client is one protocol connection, TCP or WebSocket. Replies are pumped
// through a buffered channel so the polling loop never blocks on a slow
// reader; when the channel fills up the reply is dropped and logged. A command
// can outlive its connection (queued in inbound or parked as the loop's
// pending command), so reply must stay safe after the client has gone.
type client struct {
	send chan string
	kind string

	mu     sync.Mutex
	closed bool
}

func (c *client) reply(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		log.Warn("dropping reply, client disconnected", "kind", c.kind)
		return
	}
	select {
	case c.send <- line:
	default:
		log.Warn("dropping reply, client not reading", "kind", c.kind)
	}
}

// close shuts the send queue down exactly once so the write pump terminates.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// server owns the protocol transports and feeds complete command lines into
// the inbound channel consumed by the polling loop.
type server struct {
	inbound chan command

	mu      sync.RWMutex
	clients map[*client]bool
}

func newCommandServer() *server {
	return &server{
		inbound: make(chan command, 16),
		clients: make(map[*client]bool),
	}
}

func (s *server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
}

func (s *server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// broadcast queues a line on every connected client.
func (s *server) broadcast(line string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.reply(line)
	}
}

// listenTCP serves the newline-terminated command protocol on a raw TCP
// socket, the stand-in for the serial port lab setups used to wire up.
func (s *server) listenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info("command server listening", "addr", addr)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Error("accept failed", "err", err)
				return
			}
			go s.handleTCP(conn)
		}
	}()
	return nil
}

func (s *server) handleTCP(conn net.Conn) {
	log.Info("client connected", "remote", conn.RemoteAddr())
	c := &client{send: make(chan string, 256), kind: "tcp"}
	s.register(c)

	// Write pump.
	go func() {
		for line := range c.send {
			if _, err := conn.Write([]byte(line + "\n")); err != nil {
				return
			}
		}
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		s.inbound <- command{line: scanner.Text(), from: c}
	}
	s.unregister(c)
	conn.Close()
	log.Info("client disconnected", "remote", conn.RemoteAddr())
}

// listenWS bridges the same line protocol over WebSocket text messages, one
// command or reply per message.
func (s *server) listenWS(addr string) {
	upgrader := websocket.Upgrader{
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", "err", err)
			return
		}
		log.Info("websocket client connected", "remote", conn.RemoteAddr())

		c := &client{send: make(chan string, 256), kind: "ws"}
		s.register(c)

		// Write pump.
		go func() {
			for line := range c.send {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
					return
				}
			}
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			conn.Close()
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.inbound <- command{line: string(msg), from: c}
		}
		s.unregister(c)
		conn.Close()
		log.Info("websocket client disconnected")
	})

	go func() {
		log.Info("websocket bridge listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("websocket bridge failed", "err", err)
		}
	}()
}
