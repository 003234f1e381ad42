package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-storefront-orders/internal/config"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/projection"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &projection.Service{
		Redis:       rdb,
		ServiceName: cfg.ServiceName + "-projector",
		Log:         log.WithField("component", "projection"),
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, orders.TopicOrderPlaced, cfg.ProjectorWorkers, log)
	log.WithFields(logrus.Fields{"group": cfg.ProjectorGroup, "workers": cfg.ProjectorWorkers}).Info("projector started")
	if err := cons.Start(ctx, svc.HandleOrderPlaced); err != nil {
		log.WithError(err).Error("consumer exit")
	}
	log.Info("projector stopped")
}
