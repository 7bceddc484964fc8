// Package main runs the broadcaster CLI: it publishes a local media source
// (IVF/Ogg files or silent test tracks) to every viewer the relay reports.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MohLeCodeur/mohlive/config"
	"github.com/MohLeCodeur/mohlive/internal/media"
	"github.com/MohLeCodeur/mohlive/internal/peer"
	"github.com/MohLeCodeur/mohlive/internal/signaling"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	serverURL := flag.String("server", cfg.Client.ServerURL, "relay websocket URL")
	videoFile := flag.String("video", cfg.Client.VideoFile, "IVF (VP8) file to stream; empty for silent tracks")
	audioFile := flag.String("audio", cfg.Client.AudioFile, "Ogg (Opus) file to stream")
	flag.Parse()

	var source *media.Source
	if *videoFile != "" {
		source, err = media.NewFileSource(*videoFile, *audioFile, logger)
	} else {
		source, err = media.NewNullSource()
	}
	if err != nil {
		logger.Fatal("media source", zap.Error(err))
	}

	timeout := time.Duration(cfg.Client.NegotiationTimeout) * time.Second
	factory := peer.NewPionFactory(cfg.WebRTC.ICEUrls)

	var pub *peer.Publisher
	done := make(chan struct{})
	client := signaling.NewClient(*serverURL, signaling.Handler{
		OnViewerReady: func(viewerID string) {
			pub.HandleViewerReady(viewerID)
		},
		OnAnswer: func(viewerID string, sdp json.RawMessage) {
			pub.HandleAnswer(viewerID, sdp)
		},
		OnICECandidate: func(viewerID string, candidate json.RawMessage) {
			pub.HandleCandidate(viewerID, candidate)
		},
		OnViewerLeft: func(viewerID string) {
			pub.HandleViewerLeft(viewerID)
		},
		OnViewerCount: func(count int) {
			logger.Info("viewer count", zap.Int("count", count))
		},
		OnDisconnect: func() {
			close(done)
		},
	}, logger)

	pub = peer.NewPublisher(factory, client, source, timeout, logger)
	source.OnTrackReplaced(pub.ReplaceTrack)

	if err := client.Connect(); err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	if err := client.StartBroadcast(); err != nil {
		logger.Fatal("start broadcast", zap.Error(err))
	}
	logger.Info("broadcasting", zap.String("server", *serverURL))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
		logger.Warn("relay connection lost")
	}

	pub.Stop()
	_ = client.StopBroadcast()
	client.Close()
	logger.Info("broadcast stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
