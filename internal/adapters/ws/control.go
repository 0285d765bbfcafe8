package ws

import "github.com/rs/zerolog"

func (f *Feed) handlePing(c *Conn, logger *zerolog.Logger) {
	_ = f.sendJSON(c, Envelope{Type: TypePong}, logger)
}
