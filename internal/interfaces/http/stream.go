package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"marketsim/internal/application/service/distribution"
	"marketsim/internal/domain/entity/marketdata"
	"marketsim/internal/infrastructure/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	clientSendSize = 16
)

// Stream pushes the per-cycle payload to connected WebSocket clients.
// Clients that fall behind are disconnected instead of blocking the cycle.
type Stream struct {
	upgrader websocket.Upgrader
	topN     int
	logger   *logrus.Entry
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}

func NewStream(topN int, logger *logrus.Logger, m *metrics.Metrics) *Stream {
	return &Stream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		topN:    topN,
		logger:  logger.WithField("component", "stream"),
		metrics: m,
		clients: make(map[*streamClient]struct{}),
	}
}

// Broadcast is a distribution.Subscriber.
func (s *Stream) Broadcast(_ context.Context, results []marketdata.TickResult) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return nil
	}
	body, err := json.Marshal(distribution.BuildPayload(results, s.topN, time.Now().UTC()))
	if err != nil {
		return err
	}
	for client := range s.clients {
		select {
		case client.send <- body:
		default:
			s.logger.Warn("stream client too slow, dropping connection")
			go s.remove(client)
		}
	}
	return nil
}

// Clients reports the number of connected clients.
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Stream) serve(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	client := &streamClient{conn: conn, send: make(chan []byte, clientSendSize)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()
	s.metrics.StreamConnected()

	go s.writeLoop(client)
	go s.readLoop(client)
}

func (s *Stream) remove(client *streamClient) {
	s.mu.Lock()
	_, ok := s.clients[client]
	delete(s.clients, client)
	s.mu.Unlock()
	if ok {
		client.close()
		s.metrics.StreamDisconnected()
	}
}

// readLoop only watches for pongs and the peer going away.
func (s *Stream) readLoop(client *streamClient) {
	defer s.wg.Done()
	defer s.remove(client)

	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Stream) writeLoop(client *streamClient) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.remove(client)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.remove(client)
				return
			}
		}
	}
}

// Close disconnects every client and waits for their goroutines.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*streamClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	for _, client := range clients {
		s.remove(client)
	}
	s.wg.Wait()
}
