package main

import (
	"context"
	"errors"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/zlog"

	"github.com/mikhailov/birthday-engine/internal/api/handlers/manualtrigger"
	"github.com/mikhailov/birthday-engine/internal/api/router"
	"github.com/mikhailov/birthday-engine/internal/api/server"
	"github.com/mikhailov/birthday-engine/internal/breaker"
	"github.com/mikhailov/birthday-engine/internal/config"
	"github.com/mikhailov/birthday-engine/internal/delivery"
	"github.com/mikhailov/birthday-engine/internal/eventbus"
	"github.com/mikhailov/birthday-engine/internal/planner"
	"github.com/mikhailov/birthday-engine/internal/queue"
	"github.com/mikhailov/birthday-engine/internal/repository/recipient"
	"github.com/mikhailov/birthday-engine/internal/repository/schedule"
	"github.com/mikhailov/birthday-engine/internal/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()
	cfg := config.Must()

	conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL(), cfg.RabbitMQ.Retries, cfg.RabbitMQ.Pause)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to open channel")
	}

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	dbNum, err := strconv.Atoi(cfg.Redis.Database)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to parse redis database")
	}

	rdb := redis.New(cfg.Redis.Address, cfg.Redis.Password, dbNum)
	if err := rdb.Ping(ctx).Err(); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	dispatcher, err := queue.NewDispatcher(ch, rdb)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to create dispatcher")
	}

	scheduleRepo := schedule.NewRepository(db)
	recipientRepo := recipient.NewRepository(db)

	bus := eventbus.New()
	planner.New(bus, scheduleRepo, dispatcher, cfg.Birthday.MessageHour)

	instanceID := uuid.New().String()
	sw := sweeper.New(scheduleRepo, recipientRepo, dispatcher, rdb, cfg.Birthday.MessageHour, cfg.Delivery.QueueMaxRetries, instanceID)
	if err := sw.Start(ctx); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to start sweeper")
	}

	cb := breaker.New("delivery-endpoint")
	deliveryClient := delivery.NewClient(cfg.Delivery.EmailAPIURL, cfg.Delivery.EmailAPITimeout)
	deliveryWorker := delivery.NewWorker(scheduleRepo, recipientRepo, deliveryClient, cb, dispatcher, cfg.Delivery.QueueMaxRetries)
	pool := delivery.NewPool(dispatcher, deliveryWorker, cfg.Birthday.QueueConcurrency)

	go pool.Run(ctx, cfg.Retry)

	triggerHandler := manualtrigger.NewHandler(sw)
	r := router.New(triggerHandler)
	srv := server.New(cfg.Server.HTTPPort, r)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")

	sw.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}

	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	if err := db.Master.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close master db")
	}

	for i, s := range db.Slaves {
		if err := s.Close(); err != nil {
			zlog.Logger.Error().Err(err).Int("slave", i).Msg("failed to close slave db")
		}
	}

	if err := ch.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close rabbitmq channel")
	}

	if err := conn.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close rabbitmq connection")
	}
}
