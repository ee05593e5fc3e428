package main

import (
	"context"
	"math/rand"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func getRandomNumber() int {
	min := 111111
	max := 999999
	return rand.Intn(max-min) + min
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := newHubRegistry(ctx)

	r := gin.Default()

	v1 := r.Group("/api/v1")
	v1.POST("/auth", handleAuth)
	v1.GET("/documents", handleGetDocuments)
	v1.POST("/documents/create", handleCreateDocument)
	v1.DELETE("/documents/:id", handleDeleteDocument(reg))
	v1.GET("/documents/:id/metrics", handleDocumentMetrics(reg))

	v1.GET("/documents/:id", handleSocket(reg))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	err := r.Run(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("could not start server")
	}
}
