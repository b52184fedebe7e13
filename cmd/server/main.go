package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"

	"smart-health-backend/internal/aggregator"
	"smart-health-backend/internal/api"
	"smart-health-backend/internal/database"
	"smart-health-backend/internal/metrics"
	"smart-health-backend/internal/ml"
	"smart-health-backend/internal/mqtt"
	"smart-health-backend/internal/services"
	"smart-health-backend/pkg/config"
)

func main() {
	log.Println("Starting Smart Home Health Ecosystem ingestion backend...")

	// Load configuration
	cfg := config.Load()
	metrics.Init()

	// === Durable record log ===
	store, err := database.OpenRecordStore(cfg.RecordLogPath)
	if err != nil {
		log.Fatalf("Failed to open record log: %v", err)
	}
	defer store.Close()

	// === Classifier (degraded when the model is missing) ===
	classifier, err := ml.NewClassifier(cfg.ModelPath, cfg.ScalerFile)
	if err != nil {
		log.Printf("Warning: %v", err)
	}

	engine := aggregator.NewFeatureEngine(cfg.RollingWindow)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === Initialize MQTT Client ===
	mqttClient := mqtt.NewClient(mqtt.ClientConfig{
		Broker:       cfg.MQTTBroker,
		ClientID:     cfg.MQTTClientID,
		Username:     cfg.MQTTUsername,
		Password:     cfg.MQTTPassword,
		QoS:          cfg.MQTTQoS,
		ReconnectMin: cfg.MQTTReconnectMin,
		ReconnectMax: cfg.MQTTReconnectMax,
	})
	defer mqttClient.Close()

	publisher := mqtt.NewPublisher(mqttClient.GetNativeClient(), mqtt.PublisherConfig{
		StatusTopic:   cfg.MQTTTopicStatus,
		ScheduleTopic: cfg.MQTTTopicSchedule,
		QoS:           cfg.MQTTQoS,
		Timeout:       cfg.MQTTPublishTimeout,
	})

	// === Initialize Ingestion Service ===
	serviceConfig := services.DefaultIngestionServiceConfig()
	serviceConfig.DefaultDevice = cfg.DefaultDevice
	serviceConfig.StrictNumeric = cfg.StrictNumeric
	serviceConfig.ChannelSize = cfg.MessageChannelSize

	ingestion := services.NewIngestionService(engine, classifier, store, publisher, serviceConfig)
	ingestion.SetConnectionReporter(mqttClient)

	// === Optional ClickHouse mirror ===
	if cfg.ClickHouseEnabled {
		db, err := database.NewClickHouseDB(ctx, database.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePass,
			Timeout:  cfg.ClickHouseTimeout,
		})
		if err != nil {
			log.Printf("Warning: ClickHouse mirror disabled: %v", err)
		} else {
			defer db.Close()
			ingestion.SetMirror(db)
		}
	}

	// === Initialize MQTT Subscriber ===
	// The subscriber writes straight into the ingestion service's channel
	subscriber := mqtt.NewSubscriber(mqtt.SubscriberConfig{
		DataTopic:      cfg.MQTTTopicData,
		EnqueueTimeout: time.Second,
	}, ingestion.MessageChan)

	if err := subscriber.Register(mqttClient); err != nil {
		log.Fatalf("Failed to register MQTT subscriber: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ingestion.Start(ctx)
	}()
	mqttClient.Start(ctx)

	// === HTTP query surface ===
	router := api.NewRouter(api.NewHandler(ingestion))
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.LoggingHandler(os.Stdout, router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// === Log startup info ===
	log.Println("=== Ingestion backend is running ===")
	log.Printf("MQTT Broker: %s (client %s)", cfg.MQTTBroker, cfg.MQTTClientID)
	log.Printf("MQTT Topics:")
	log.Printf("  - Data:     %s", cfg.MQTTTopicData)
	log.Printf("  - Status:   %s", cfg.MQTTTopicStatus)
	log.Printf("  - Schedule: %s", cfg.MQTTTopicSchedule)
	log.Printf("Rolling window: %d readings", engine.WindowSize())
	log.Printf("Record log: %s", store.Path())
	log.Printf("HTTP API: %s", cfg.HTTPAddr)
	log.Println("Press Ctrl+C to exit...")

	// === Wait for interrupt signal ===
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	// === Graceful shutdown ===
	log.Println("Shutdown signal received, stopping services...")
	cancel()

	// The record log closes on return; let the in-flight message finish first
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}

	log.Println("Shutdown complete. Goodbye!")
}
