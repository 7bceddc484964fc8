package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusClockRate   = 48000
)

// NewFileSource streams an IVF (VP8) file and optionally an Ogg (Opus) file
// into sample tracks, looping at EOF. Stop cancels the feeders.
func NewFileSource(videoPath, audioPath string, logger *zap.Logger) (*Source, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "mohlive")
	if err != nil {
		return nil, err
	}
	var audio *webrtc.TrackLocalStaticSample
	if audioPath != "" {
		audio, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mohlive")
		if err != nil {
			return nil, err
		}
	}

	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("video file: %w", err)
	}
	if audioPath != "" {
		if _, err := os.Stat(audioPath); err != nil {
			return nil, fmt.Errorf("audio file: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var src *Source
	if audio != nil {
		src = NewSource(video, audio)
	} else {
		src = NewSource(video, nil)
	}
	src.stopFn = cancel

	go feedIVF(ctx, videoPath, video, logger)
	if audio != nil {
		go feedOgg(ctx, audioPath, audio, logger)
	}
	return src, nil
}

// feedIVF paces VP8 frames into track using the IVF header timebase.
func feedIVF(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample, logger *zap.Logger) {
	for ctx.Err() == nil {
		file, err := os.Open(path)
		if err != nil {
			logger.Error("open video file", zap.Error(err))
			return
		}
		ivf, header, err := ivfreader.NewWith(file)
		if err != nil {
			logger.Error("read ivf header", zap.Error(err))
			_ = file.Close()
			return
		}
		frameDuration := time.Millisecond * time.Duration(
			float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator)*1000)
		ticker := time.NewTicker(frameDuration)
		for ctx.Err() == nil {
			frame, _, err := ivf.ParseNextFrame()
			if err == io.EOF {
				break // loop the file
			}
			if err != nil {
				logger.Error("parse ivf frame", zap.Error(err))
				ticker.Stop()
				_ = file.Close()
				return
			}
			if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
				logger.Warn("write video sample", zap.Error(err))
			}
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
		ticker.Stop()
		_ = file.Close()
	}
}

// feedOgg paces Opus pages into track using granule positions.
func feedOgg(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample, logger *zap.Logger) {
	for ctx.Err() == nil {
		file, err := os.Open(path)
		if err != nil {
			logger.Error("open audio file", zap.Error(err))
			return
		}
		ogg, _, err := oggreader.NewWith(file)
		if err != nil {
			logger.Error("read ogg header", zap.Error(err))
			_ = file.Close()
			return
		}
		var lastGranule uint64
		ticker := time.NewTicker(oggPageDuration)
		for ctx.Err() == nil {
			page, pageHeader, err := ogg.ParseNextPage()
			if err == io.EOF {
				break // loop the file
			}
			if err != nil {
				logger.Error("parse ogg page", zap.Error(err))
				ticker.Stop()
				_ = file.Close()
				return
			}
			sampleCount := pageHeader.GranulePosition - lastGranule
			lastGranule = pageHeader.GranulePosition
			duration := time.Duration(sampleCount*1000/opusClockRate) * time.Millisecond
			if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
				logger.Warn("write audio sample", zap.Error(err))
			}
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
		ticker.Stop()
		_ = file.Close()
	}
}
