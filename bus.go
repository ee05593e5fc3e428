package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-sync/database"
	"github.com/ssau-fiit/cloudocs-sync/presence"
)

// presenceBus relays presence deltas between server replicas over redis
// pub/sub. Document operations are never relayed: each document has a single
// authority hub per deployment, but advisory presence may originate behind
// any replica and is safe to merge last-write-wins.
type presenceBus struct {
	instance string
}

type busEnvelope struct {
	Instance string         `json:"instance"`
	Delta    presence.Delta `json:"delta"`
}

func newPresenceBus() *presenceBus {
	return &presenceBus{instance: uuid.New().String()}
}

func busChannel(docID string) string {
	return "presence." + docID
}

func (b *presenceBus) publish(docID string, d presence.Delta) {
	data, err := json.Marshal(busEnvelope{Instance: b.instance, Delta: d})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode presence delta")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := database.Database().Publish(ctx, busChannel(docID), data).Err(); err != nil {
		// Presence is lossy by contract.
		log.Debug().Err(err).Str("doc", docID).Msg("presence publish dropped")
	}
}

// subscribe feeds deltas published by other replicas into out until ctx is
// cancelled. Own messages are filtered by instance id.
func (b *presenceBus) subscribe(ctx context.Context, docID string, out chan<- presence.Delta) {
	sub := database.Database().Subscribe(ctx, busChannel(docID))
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env busEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Warn().Err(err).Msg("dropping malformed presence envelope")
					continue
				}
				if env.Instance == b.instance {
					continue
				}
				select {
				case out <- env.Delta:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}
