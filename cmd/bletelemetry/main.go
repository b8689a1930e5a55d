package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"bletelemetry/internal/config"
	"bletelemetry/internal/web"
)

func main() {
	var configPath string
	var calibratePath string
	flag.StringVar(&configPath, "config", "./bletelemetry.yaml", "Path to YAML config")
	flag.StringVar(&calibratePath, "calibrate", "", "Fit a magnetometer calibration from a recorded sensor log, print it as YAML and exit")
	flag.Parse()

	if calibratePath != "" {
		if err := runCalibrate(calibratePath, os.Stdout); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := newSession(cfg, logs)
	if err != nil {
		log.Fatalf("session init failed: %v", err)
	}
	defer s.Close()

	log.Printf("bletelemetry starting session=%s source=%s", s.id, cfg.Source.Mode)
	if err := s.Run(ctx); err != nil {
		log.Printf("bletelemetry stopped: %v", err)
		return
	}
	log.Printf("bletelemetry stopping")
}
