package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"stockwatch/internal/eventbus"
	logx "stockwatch/pkg/logx"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// The API binds to localhost by default; the token guards remote setups.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the frame pushed to clients.
type wsMessage struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// handleWS sends the current stock snapshot, then every stockStatusUpdate
// until the client goes away. Clients are receive-only.
func (s *Server) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}
	defer ws.Close()

	events, unsub := s.bus.Subscribe(16)
	defer unsub()

	initial := s.mon.GetProducts(c.Request.Context())
	if err := write(ws, wsMessage{Type: eventbus.StockStatusUpdate, Time: time.Now(), Data: initial.StockStatus}); err != nil {
		return
	}

	// Reader: handles pongs and notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(wsPongWait)) })
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case ev := <-events:
			if ev.Type != eventbus.StockStatusUpdate {
				continue
			}
			if err := write(ws, wsMessage{Type: ev.Type, Time: ev.Time, Data: ev.Data}); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func write(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteJSON(v)
}
