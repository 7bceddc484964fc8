// Package main runs the viewer CLI: it joins the relay, negotiates the
// inbound session and reports incoming media tracks.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MohLeCodeur/mohlive/config"
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
	flag.Parse()

	timeout := time.Duration(cfg.Client.NegotiationTimeout) * time.Second
	factory := peer.NewPionFactory(cfg.WebRTC.ICEUrls)

	var sub *peer.Subscriber
	done := make(chan struct{})
	client := signaling.NewClient(*serverURL, signaling.Handler{
		OnBroadcasterAvailable: func() {
			sub.HandleBroadcasterAvailable()
		},
		OnBroadcasterUnavailable: func() {
			sub.HandleBroadcasterUnavailable()
		},
		OnOffer: func(sdp json.RawMessage) {
			sub.HandleOffer(sdp)
		},
		OnICECandidate: func(_ string, candidate json.RawMessage) {
			sub.HandleCandidate(candidate)
		},
		OnViewerCount: func(count int) {
			logger.Info("viewer count", zap.Int("count", count))
		},
		OnDisconnect: func() {
			close(done)
		},
	}, logger)

	sub = peer.NewSubscriber(factory, client, timeout, logger)
	sub.SetStatusHandler(func(state peer.LinkState) {
		logger.Info("session state", zap.String("state", state.String()))
	})
	sub.SetTrackHandler(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		// Drain the track so RTCP keeps flowing.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	if err := client.Connect(); err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	if err := client.JoinAsViewer(); err != nil {
		logger.Fatal("join", zap.Error(err))
	}
	logger.Info("watching", zap.String("server", *serverURL))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
		logger.Warn("relay connection lost")
	}

	sub.Close()
	client.Close()
	logger.Info("viewer stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
