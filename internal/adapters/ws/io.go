package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

func (f *Feed) writePump(c *Conn, logger *zerolog.Logger) {
	ticker := time.NewTicker(f.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Warn().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump runs until the client goes away. Its only inbound traffic is pings.
func (f *Feed) readPump(c *Conn, logger *zerolog.Logger) {
	defer c.Close()

	pongWait := f.pingPeriod * 10 / 9
	c.conn.SetReadLimit(f.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		f.handleMessage(c, data, logger)
	}
}

func (f *Feed) handleMessage(c *Conn, data []byte, logger *zerolog.Logger) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn().Err(err).Msg("bad json")
		return
	}
	switch env.Type {
	case TypePing:
		f.handlePing(c, logger)
	default:
		logger.Warn().Str("type", env.Type).Msg("unknown message")
	}
}

func (f *Feed) sendJSON(c *Conn, v any, logger *zerolog.Logger) error {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Msg("sendJSON marshal")
		return err
	}
	return c.Send(b, writeWait)
}
