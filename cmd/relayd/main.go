package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deskhub/realtime/internal/chat"
	"deskhub/realtime/internal/config"
	"deskhub/realtime/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	auth, err := relay.ParseStaticTokens(cfg.StaticTokens)
	if err != nil {
		log.Fatalf("token table: %v", err)
	}

	hub := relay.NewHub(relay.AllowAll{}, cfg.DeadPeerGrace, log.WithField("component", "hub"))
	registry := chat.NewRegistry(cfg.RecoveryWindow, cfg.AvgHandleTime, log.WithField("component", "chat"))
	server := relay.NewServer(hub, registry, auth, log.WithField("component", "http"))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	server.Routes(router)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("relayd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	log.Info("done")
}
