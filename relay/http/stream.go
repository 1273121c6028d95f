package http

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/chzchzchz/skyrx/device"
	"github.com/chzchzchz/skyrx/relay"
	"github.com/chzchzchz/skyrx/spectrum"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1 << 16,
}

// streamConn serialises writes; frames and replies come from different
// goroutines.
type streamConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (sc *streamConn) send(m relay.Message) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.conn.WriteJSON(m)
}

func (sc *streamConn) forward(sub *spectrum.Subscription) {
	for f := range sub.Frames() {
		if err := sc.send(relay.FFTData(f)); err != nil {
			sub.Close()
			return
		}
	}
	if err := sub.Err(); err != nil {
		sc.send(relay.ErrorMessage(err))
	}
}

func (h *handler) stream(c *gin.Context) {
	raddr := c.Request.RemoteAddr
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("[%s] websocket upgrade: %v", raddr, err)
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := &streamConn{conn: conn}
	hub := h.serv.Hub()
	var sub *spectrum.Subscription
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()
	glog.Infof("[%s] stream connected", raddr)
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("[%s] stream: %v", raddr, err)
			}
			glog.Infof("[%s] stream disconnected", raddr)
			return
		}
		m, err := relay.DecodeMessage(b)
		if err != nil {
			sc.send(relay.ErrorMessage(err))
			continue
		}
		glog.V(1).Infof("[%s] stream %s", raddr, m.Type)
		switch m.Type {
		case relay.MsgSubscribe:
			if sub != nil {
				sub.Close()
				sub = nil
			}
			s, err := hub.Subscribe(ctx, *m.Config)
			if err != nil {
				sc.send(relay.ErrorMessage(err))
				continue
			}
			sub = s
			sc.send(relay.Subscribed(hub.Config()))
			go sc.forward(s)
		case relay.MsgSetFrequency:
			if sub == nil {
				sc.send(relay.ErrorMessage(errors.New("set_frequency before subscribe")))
				continue
			}
			// Retunes wait out the debounce; a newer one supersedes this.
			go func(freq uint64) {
				err := hub.Retune(ctx, freq)
				if err != nil && !errors.Is(err, device.ErrSuperseded) && ctx.Err() == nil {
					sc.send(relay.ErrorMessage(err))
				}
			}(m.Frequency)
		case relay.MsgUnsubscribe:
			if sub != nil {
				sub.Close()
				sub = nil
			}
			sc.send(relay.Message{Type: relay.MsgUnsubscribed})
		default:
			sc.send(relay.ErrorMessage(errors.New("unexpected " + string(m.Type))))
		}
	}
}
