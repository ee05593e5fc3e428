package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var c *redis.Client

func initDatabase() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0, // use default DB
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	res := rdb.Ping(ctx)
	if res.Err() != nil {
		log.Fatal().Err(res.Err()).Msg("could not connect to redis")
	}

	c = rdb
}

func Database() *redis.Client {
	if c == nil {
		initDatabase()
	}
	return c
}

// LoadSnapshot reads the authoritative (content, version) pair for a
// document. A missing text key means an empty document at version 0.
func LoadSnapshot(ctx context.Context, docID string) (string, uint64, error) {
	text, err := Database().Get(ctx, fmt.Sprintf("texts.%v", docID)).Result()
	if err == redis.Nil {
		text = ""
	} else if err != nil {
		return "", 0, fmt.Errorf("load text: %w", err)
	}
	version, err := Database().Get(ctx, fmt.Sprintf("versions.%v", docID)).Uint64()
	if err == redis.Nil {
		version = 0
	} else if err != nil {
		return "", 0, fmt.Errorf("load version: %w", err)
	}
	return text, version, nil
}

// SaveSnapshot persists a document checkpoint. Called at creation and on
// the periodic checkpoint tick, never per operation.
func SaveSnapshot(ctx context.Context, docID, content string, version uint64) error {
	pipe := Database().TxPipeline()
	pipe.Set(ctx, fmt.Sprintf("texts.%v", docID), content, 0)
	pipe.Set(ctx, fmt.Sprintf("versions.%v", docID), version, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
