// devicesim plays one device against a running hub: it registers on the
// command channel, probes the clock endpoint, heartbeats, and can stage a
// recording in the hub inbox and report it.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/sensorhub/internal/command"
	"github.com/danmuck/sensorhub/internal/logging"
	"github.com/danmuck/sensorhub/internal/protocol/catalog"
	"github.com/danmuck/sensorhub/internal/timesync"
	"github.com/danmuck/sensorhub/internal/transfer"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

type options struct {
	hubAddr      string
	syncAddr     string
	deviceID     string
	deviceKey    uint64
	gsr          bool
	heartbeat    time.Duration
	probes       int
	dialAttempts int
	file         string
	inbox        string
	session      string
	compression  string
}

func main() {
	logging.ConfigureRuntime()
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "devicesim: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flags := pflag.NewFlagSet("devicesim", pflag.ContinueOnError)
	flags.StringVar(&opts.hubAddr, "hub", "127.0.0.1:8080", "hub command channel address")
	flags.StringVar(&opts.syncAddr, "sync", "127.0.0.1:8123", "hub clock sync address")
	flags.StringVar(&opts.deviceID, "device", "sim_"+uuid.NewString()[:8], "device id")
	flags.Uint64Var(&opts.deviceKey, "device-key", 1, "8-byte key sent with clock probes")
	flags.BoolVar(&opts.gsr, "gsr", true, "advertise a GSR sensor")
	flags.DurationVar(&opts.heartbeat, "heartbeat", 5*time.Second, "heartbeat interval")
	flags.IntVar(&opts.dialAttempts, "dial-attempts", 5, "command channel dial attempts")
	flags.IntVar(&opts.probes, "probes", 5, "clock probes at startup")
	flags.StringVar(&opts.file, "file", "", "recording to stage and report")
	flags.StringVar(&opts.inbox, "inbox", "data/inbox", "hub inbox directory for --file")
	flags.StringVar(&opts.session, "session", "session_sim", "session id for --file")
	flags.StringVar(&opts.compression, "compress", "", "compress --file with gzip, lz4 or zstd")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return simulate(ctx, opts)
}

func simulate(ctx context.Context, opts options) error {
	logger := log.With().Str("device_id", opts.deviceID).Logger()

	client, err := dialHub(ctx, opts.hubAddr, opts.dialAttempts, defaultBackoff(), logger)
	if err != nil {
		return err
	}
	defer client.Close()

	caps := []string{"thermal_camera", "rgb_camera"}
	if opts.gsr {
		caps = append(caps, command.CapabilityGSR)
	}
	resp, err := client.Request(catalog.Message{
		"message_type": "device_register",
		"message_id":   uuid.NewString(),
		"device_id":    opts.deviceID,
		"device_type":  "android_phone",
		"capabilities": caps,
	}, 5*time.Second)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	logger.Info().Interface("reply", resp).Msg("registered")

	for i := 0; i < opts.probes; i++ {
		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		ex, err := timesync.Probe(probeCtx, opts.syncAddr, opts.deviceKey)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("clock probe failed")
			continue
		}
		logger.Info().Float64("offset_ms", ex.OffsetMS()).Dur("rtt", ex.RoundTrip).Msg("clock probe")
	}

	if opts.file != "" {
		manifest, err := stageFile(opts)
		if err != nil {
			return err
		}
		if err := client.Send(catalog.Message{
			"message_type": "file_transfer_complete",
			"message_id":   uuid.NewString(),
			"device_id":    opts.deviceID,
			"transfer_id":  uuid.NewString(),
			"status":       "completed",
			"manifest":     manifest,
		}); err != nil {
			return fmt.Errorf("report file: %w", err)
		}
		logger.Info().Interface("manifest", manifest).Msg("recording reported")
	}

	go func() {
		for {
			msg, err := client.Receive(0)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("command channel closed")
				}
				return
			}
			logger.Info().Str("message_type", msg.Type()).Interface("message", msg).Msg("inbound")
		}
	}()

	ticker := time.NewTicker(opts.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = client.Send(catalog.Message{
				"message_type": "device_status",
				"device_id":    opts.deviceID,
				"status":       "disconnected",
			})
			return nil
		case <-ticker.C:
			if err := client.Send(catalog.Message{
				"message_type": "device_heartbeat",
				"device_id":    opts.deviceID,
			}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// stageFile copies the recording into <inbox>/<session>/<device>/ and returns
// the manifest object for the report.
func stageFile(opts options) (map[string]any, error) {
	in, err := os.Open(opts.file)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	name := filepath.Base(opts.file)
	switch opts.compression {
	case "gzip":
		name += ".gz"
	case "lz4":
		name += ".lz4"
	case "zstd":
		name += ".zst"
	}
	dir := filepath.Join(opts.inbox, opts.session, opts.deviceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	defer out.Close()

	hash := sha256.New()
	counter := &countingWriter{}
	sink := io.MultiWriter(out, hash, counter)
	var w io.Writer = sink
	var codec io.WriteCloser
	if opts.compression != "" {
		codec, err = transfer.NewCompressor(sink, opts.compression)
		if err != nil {
			return nil, err
		}
		w = codec
	}
	if _, err := io.Copy(w, in); err != nil {
		return nil, err
	}
	if codec != nil {
		if err := codec.Close(); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"file_id":     uuid.NewString(),
		"filename":    name,
		"size_bytes":  counter.n,
		"checksum":    hex.EncodeToString(hash.Sum(nil)),
		"session_id":  opts.session,
		"compression": opts.compression,
	}, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
