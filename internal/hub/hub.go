// Package hub assembles the command channel, clock sync endpoint, transfer
// engine and admin surface into one process.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/sensorhub/internal/admin"
	"github.com/danmuck/sensorhub/internal/command"
	"github.com/danmuck/sensorhub/internal/config"
	"github.com/danmuck/sensorhub/internal/events"
	"github.com/danmuck/sensorhub/internal/gsr"
	"github.com/danmuck/sensorhub/internal/observability"
	"github.com/danmuck/sensorhub/internal/protocol/catalog"
	"github.com/danmuck/sensorhub/internal/relay"
	"github.com/danmuck/sensorhub/internal/timesync"
	"github.com/danmuck/sensorhub/internal/transfer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Addrs are the bound listener addresses, resolved after Listen.
type Addrs struct {
	Command  string
	TimeSync string
	Admin    string
}

type Hub struct {
	cfg    config.HubConfig
	logger zerolog.Logger

	catalog   *catalog.Catalog
	commands  *command.Service
	clock     *timesync.Service
	transfers *transfer.Engine
	gsr       *gsr.Sink
	admin     *admin.Server
	relay     *relay.Publisher
	resolve   transfer.SourceResolver

	cmdLn   net.Listener
	syncPC  net.PacketConn
	adminLn net.Listener

	ready atomic.Bool
	subs  []events.Subscription
	feed  events.Bus[admin.Event]

	// open inbox files keyed by destination path
	closersMu sync.Mutex
	closers   map[string]io.Closer
}

func New(cfg config.HubConfig) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	engine, err := transfer.NewEngine(cfg.Transfer)
	if err != nil {
		return nil, err
	}

	gsrCfg := cfg.GSR
	if gsrCfg.DataDir == "" {
		gsrCfg.DataDir = engine.Config().DataDir
	}
	if gsrCfg.Mode == "" {
		gsrCfg.Mode = cfg.Command.GSRDefaultMode
	}

	h := &Hub{
		cfg:       cfg,
		logger:    observability.Component("hub"),
		catalog:   cat,
		commands:  command.NewService(cfg.Command, cat),
		clock:     timesync.NewService(cfg.TimeSync),
		transfers: engine,
		gsr:       gsr.NewSink(gsrCfg),
		resolve:   transfer.InboxResolver(cfg.InboxDir),
		closers:   make(map[string]io.Closer),
	}
	if cfg.Admin.Addr != "" {
		h.admin = admin.NewServer(cat.Info().Name, cfg.Admin.CorsOrigins, admin.Deps{
			Devices:   h.commands.Registry(),
			Commands:  h.commands,
			Clock:     h.clock,
			Transfers: h.transfers,
			GSR:       h.gsr,
			Feed:      &h.feed,
			Ready:     h.ready.Load,
		})
	}

	h.subs = append(h.subs,
		h.commands.OnTransferReported(h.onTransferReported),
		h.commands.OnDeviceDisconnected(func(ev command.DeviceDisconnected) {
			h.logger.Info().Str("device_id", ev.Device.DeviceID).Str("reason", ev.Reason).Bool("was_leader", ev.WasLeader).Msg("device left")
		}),
		h.commands.OnLeaderChanged(func(ev command.LeaderChanged) {
			h.logger.Info().Str("leader", ev.Leader).Str("previous", ev.Previous).Str("reason", ev.Reason).Msg("gsr leader changed")
		}),
		h.transfers.OnFinished(h.onTransferFinished),
		h.commands.OnGSRBatch(func(b command.GSRBatch) { h.gsr.Record(b) }),
		h.commands.OnSessionChanged(h.onSessionChanged),
	)
	h.subs = append(h.subs, h.forwardEvents()...)
	return h, nil
}

// forwardEvents mirrors device, leader and transfer events onto the admin
// feed.
func (h *Hub) forwardEvents() []events.Subscription {
	emit := func(kind string, data any) {
		if h.feed.Len() == 0 {
			return
		}
		h.feed.Publish(admin.Event{Type: kind, Data: data, Timestamp: time.Now().UTC()})
	}
	return []events.Subscription{
		h.commands.OnDeviceConnected(func(ev command.DeviceConnected) {
			emit("device_connected", map[string]any{"device": ev.Device, "replaced": ev.Replaced})
		}),
		h.commands.OnDeviceDisconnected(func(ev command.DeviceDisconnected) {
			emit("device_disconnected", map[string]any{"device": ev.Device, "reason": ev.Reason, "was_leader": ev.WasLeader})
		}),
		h.commands.OnDeviceStatusChanged(func(ev command.DeviceStatusChanged) {
			emit("device_status", map[string]any{"device": ev.Device, "trigger": ev.Trigger})
		}),
		h.commands.OnLeaderChanged(func(ev command.LeaderChanged) {
			emit("leader_changed", map[string]any{"leader": ev.Leader, "previous": ev.Previous, "reason": ev.Reason})
		}),
		h.commands.OnSessionChanged(func(ev command.SessionChanged) {
			emit("session_changed", ev)
		}),
		h.transfers.OnProgress(func(p transfer.Progress) {
			emit("transfer_progress", p)
		}),
		h.transfers.OnFinished(func(f transfer.Finished) {
			emit("transfer_finished", f.Job)
		}),
	}
}

// onSessionChanged opens or finalizes the session's GSR datasets.
func (h *Hub) onSessionChanged(ev command.SessionChanged) {
	if ev.Active {
		h.gsr.StartSession(ev.SessionID)
		return
	}
	datasets, err := h.gsr.EndSession(ev.SessionID)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", ev.SessionID).Msg("gsr datasets not fully written")
	}
	h.logger.Info().Str("session_id", ev.SessionID).Int("datasets", len(datasets)).Msg("recording session stopped")
}

// Events exposes the admin feed for in-process subscribers.
func (h *Hub) Events() *events.Bus[admin.Event] { return &h.feed }

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.LoadDefault()
	}
	return catalog.Load(path)
}

func (h *Hub) Catalog() *catalog.Catalog { return h.catalog }

func (h *Hub) Commands() *command.Service { return h.commands }

func (h *Hub) Clock() *timesync.Service { return h.clock }

func (h *Hub) Transfers() *transfer.Engine { return h.transfers }

func (h *Hub) GSR() *gsr.Sink { return h.gsr }

func (h *Hub) Config() config.HubConfig { return h.cfg }

func (h *Hub) Ready() bool { return h.ready.Load() }

func (h *Hub) commandAddr() string { return h.commands.Config().ListenAddr }

func (h *Hub) syncAddr() string { return h.clock.Config().ListenAddr }

// Listen binds every listener so port conflicts surface before Run.
func (h *Hub) Listen() (Addrs, error) {
	var addrs Addrs
	if h.cmdLn == nil {
		ln, err := net.Listen("tcp", h.commandAddr())
		if err != nil {
			return addrs, fmt.Errorf("command listen %s: %w", h.commandAddr(), err)
		}
		h.cmdLn = ln
	}
	if h.syncPC == nil {
		pc, err := net.ListenPacket("udp", h.syncAddr())
		if err != nil {
			h.closeListeners()
			return addrs, fmt.Errorf("time sync listen %s: %w", h.syncAddr(), err)
		}
		h.syncPC = pc
	}
	if h.admin != nil && h.adminLn == nil {
		ln, err := net.Listen("tcp", h.cfg.Admin.Addr)
		if err != nil {
			h.closeListeners()
			return addrs, fmt.Errorf("admin listen %s: %w", h.cfg.Admin.Addr, err)
		}
		h.adminLn = ln
	}
	return h.Addrs(), nil
}

func (h *Hub) Addrs() Addrs {
	var addrs Addrs
	if h.cmdLn != nil {
		addrs.Command = h.cmdLn.Addr().String()
	}
	if h.syncPC != nil {
		addrs.TimeSync = h.syncPC.LocalAddr().String()
	}
	if h.adminLn != nil {
		addrs.Admin = h.adminLn.Addr().String()
	}
	return addrs
}

func (h *Hub) closeListeners() {
	if h.cmdLn != nil {
		_ = h.cmdLn.Close()
		h.cmdLn = nil
	}
	if h.syncPC != nil {
		_ = h.syncPC.Close()
		h.syncPC = nil
	}
	if h.adminLn != nil {
		_ = h.adminLn.Close()
		h.adminLn = nil
	}
}

// Run restores saved transfers, serves every component until ctx is done
// or one of them fails, then stops the engine and saves its state.
func (h *Hub) Run(ctx context.Context) error {
	if _, err := h.Listen(); err != nil {
		return err
	}
	report, err := h.transfers.LoadState("", h.resolveAndTrack)
	if err != nil {
		h.logger.Warn().Err(err).Msg("transfer state not restored")
	} else if report.Requeued+report.AwaitingSource+report.Paused > 0 {
		h.logger.Info().Int("requeued", report.Requeued).Int("awaiting_source", report.AwaitingSource).Msg("resumed saved transfers")
	}

	h.startRelay()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.commands.Serve(gctx, h.cmdLn) })
	g.Go(func() error { return h.clock.Serve(gctx, h.syncPC) })
	if h.admin != nil {
		g.Go(func() error { return h.admin.Serve(gctx, h.adminLn) })
	}
	g.Go(func() error {
		h.persistLoop(gctx)
		return nil
	})

	addrs := h.Addrs()
	h.ready.Store(true)
	h.logger.Info().
		Str("command", addrs.Command).
		Str("time_sync", addrs.TimeSync).
		Str("admin", addrs.Admin).
		Str("protocol", h.catalog.Info().Version).
		Msg("hub running")

	err = g.Wait()
	h.ready.Store(false)
	h.shutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// startRelay connects the NATS relay when configured. A relay that cannot
// connect is logged and skipped; the hub runs without it.
func (h *Hub) startRelay() {
	if h.cfg.Relay.URL == "" || h.relay != nil {
		return
	}
	pub, err := relay.Connect(h.cfg.Relay)
	if err != nil {
		h.logger.Warn().Err(err).Msg("relay disabled")
		return
	}
	h.relay = pub
	h.subs = append(h.subs,
		h.feed.Subscribe(func(ev admin.Event) {
			if err := pub.PublishEvent(ev.Type, ev); err != nil {
				h.logger.Debug().Err(err).Str("type", ev.Type).Msg("relay event dropped")
			}
		}),
		h.commands.OnGSRBatch(func(b command.GSRBatch) {
			if err := pub.PublishGSR(b.DeviceID, b); err != nil {
				h.logger.Debug().Err(err).Str("device_id", b.DeviceID).Msg("relay gsr batch dropped")
			}
		}),
	)
}

func (h *Hub) persistLoop(ctx context.Context) {
	interval := h.cfg.StateInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.transfers.SaveState(""); err != nil {
				h.logger.Warn().Err(err).Msg("periodic transfer state save failed")
			}
			if err := h.gsr.Flush(); err != nil {
				h.logger.Warn().Err(err).Msg("gsr checkpoint failed")
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	_ = h.transfers.Close()
	if err := h.transfers.SaveState(""); err != nil {
		h.logger.Error().Err(err).Msg("final transfer state save failed")
	}
	if err := h.gsr.Close(); err != nil {
		h.logger.Error().Err(err).Msg("final gsr checkpoint failed")
	}
	h.closersMu.Lock()
	for id, c := range h.closers {
		_ = c.Close()
		delete(h.closers, id)
	}
	h.closersMu.Unlock()
	if h.relay != nil {
		if err := h.relay.Close(); err != nil {
			h.logger.Warn().Err(err).Msg("relay close failed")
		}
		h.relay = nil
	}
	h.logger.Info().Msg("hub stopped")
}

func (h *Hub) resolveAndTrack(m transfer.FileManifest) (transfer.Source, bool) {
	src, ok := h.resolve(m)
	if !ok {
		return nil, false
	}
	if !h.track(h.transfers.LocalPath(m), src) {
		return nil, false
	}
	return src, true
}

// track records an opened inbox file for closing when its job finishes. It
// reports false, closing src, when the destination already has one.
func (h *Hub) track(path string, src transfer.Source) bool {
	c, ok := src.(io.Closer)
	if !ok {
		return true
	}
	h.closersMu.Lock()
	defer h.closersMu.Unlock()
	if _, exists := h.closers[path]; exists {
		_ = c.Close()
		return false
	}
	h.closers[path] = c
	return true
}

func (h *Hub) release(path string) {
	h.closersMu.Lock()
	c, ok := h.closers[path]
	delete(h.closers, path)
	h.closersMu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// onTransferReported queues a completed device-side export for pickup from
// the inbox. Without a staged file the job waits for AttachSource.
func (h *Hub) onTransferReported(ev command.TransferReported) {
	log := h.logger.With().Str("device_id", ev.DeviceID).Str("transfer_id", ev.TransferID).Logger()
	if ev.Status != "completed" {
		log.Warn().Str("status", ev.Status).Str("error", ev.ErrorMessage).Msg("device reported unsuccessful transfer")
		return
	}
	manifest, err := transfer.ManifestFromReport(ev.DeviceID, ev.Manifest)
	if err != nil {
		log.Warn().Err(err).Msg("transfer report carries an unusable manifest")
		return
	}
	path := h.transfers.LocalPath(manifest)
	src, staged := h.resolve(manifest)
	if staged && !h.track(path, src) {
		// a live job already reads this file
		src, staged = nil, false
	}
	jobID, err := h.transfers.QueueTransfer(manifest, src)
	if err != nil {
		log.Error().Err(err).Msg("queue transfer failed")
		if staged {
			h.release(path)
		}
		return
	}
	if job, ok := h.transfers.Job(jobID); ok && job.Status.Terminal() {
		h.release(path)
	}
	log.Info().Str("job_id", jobID).Str("filename", manifest.Filename).Bool("staged", staged).Msg("transfer queued from device report")
}

func (h *Hub) onTransferFinished(f transfer.Finished) {
	h.release(f.Job.LocalPath)
	h.logger.Info().
		Str("job_id", f.Job.JobID).
		Str("status", string(f.Job.Status)).
		Str("path", f.Job.LocalPath).
		Msg("transfer finished")
}
