package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/marketloop/offer-service/internal/registry"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to registry.Conn. The mutex serializes
// event pushes against keepalive pings; gorilla allows one writer at a time.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) Push(payload []byte, deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) ping(deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteControl(websocket.PingMessage, nil, deadline)
}

func (w *wsConn) Close() error { return w.c.Close() }

// WSHandler upgrades the request and parks the connection in the registry
// until the client goes away. The read pump only drains inbound frames; this
// is a notification channel, clients do not send business messages on it.
func WSHandler(reg *registry.Registry, pingInterval, writeTimeout time.Duration, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := identity(c)
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warnf("ws upgrade for %s: %v", userID, err)
			return
		}
		wc := &wsConn{c: conn}
		if err := reg.Add(c.Request.Context(), userID, wc); err != nil {
			log.Errorf("register %s: %v", userID, err)
			_ = conn.Close()
			return
		}
		// request context is already done when the defer runs
		defer reg.Remove(context.Background(), userID, wc)

		pongWait := 2 * pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := wc.ping(time.Now().Add(writeTimeout)); err != nil {
						return
					}
				}
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
