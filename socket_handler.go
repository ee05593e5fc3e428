package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-sync/database"
	"github.com/ssau-fiit/cloudocs-sync/transport"
)

func handleSocket(reg *hubRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		docID := c.Param("id")
		if docID == "" {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		if exists, err := database.Database().
			Exists(ctx, fmt.Sprintf("documents.%v", docID)).
			Result(); exists == 0 || err != nil {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}

		hub, err := reg.get(docID)
		if err != nil {
			log.Error().Err(err).Msg("error opening document hub")
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Msg("error upgrading connection")
			return
		}
		defer conn.Close()

		client := &hubClient{
			id:   uuid.New().String(),
			send: make(chan transport.Message, clientSendBuffer),
		}
		hub.register <- client
		defer func() {
			hub.unregister <- client
		}()

		// Write pump: hub -> client.
		go func() {
			for m := range client.send {
				data, err := json.Marshal(m)
				if err != nil {
					log.Error().Err(err).Msg("failed to encode message")
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					log.Debug().Err(err).Msg("failed to write message")
					conn.Close()
					return
				}
				hub.agg.AddBytes(0, len(data))
			}
			conn.WriteMessage(websocket.CloseMessage, []byte{})
		}()

		// Read loop: client -> hub.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("client", client.id).Msg("client read ended")
				return
			}
			hub.agg.AddBytes(len(data), 0)

			var m transport.Message
			if err := json.Unmarshal(data, &m); err != nil {
				log.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			switch m.Type {
			case transport.MessageOp:
				if m.Op != nil {
					hub.submissions <- submission{from: client, op: *m.Op}
				}
			case transport.MessagePresence:
				if m.Presence != nil {
					hub.deltas <- *m.Presence
				}
			case transport.MessageSnapshot:
				hub.snapshotReq <- client
			}
		}
	}
}
