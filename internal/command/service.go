package command

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/sensorhub/internal/observability"
	"github.com/danmuck/sensorhub/internal/protocol/catalog"
	"github.com/danmuck/sensorhub/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Error codes carried in error replies.
const (
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeUnknownMessageType  = "UNKNOWN_MESSAGE_TYPE"
	CodeDeviceNotRegistered = "DEVICE_NOT_REGISTERED"
	CodeResourceUnavailable = "RESOURCE_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
)

// HandlerFunc handles one validated inbound message. A nil message with a nil
// error sends no reply. Errors become error replies on the same connection.
type HandlerFunc func(ctx context.Context, req *Request) (catalog.Message, error)

// Request is the context passed to handlers for one inbound message.
type Request struct {
	Message    catalog.Message
	RemoteAddr string
	ReceivedAt time.Time

	svc        *Service
	conn       *deviceConn
	closeAfter bool
}

// Bind associates the request's connection with deviceID so broadcasts and
// disconnect handling can find it.
func (r *Request) Bind(deviceID string) {
	r.svc.bind(r.conn, deviceID)
}

// CloseAfterReply closes the connection once the reply has been written.
func (r *Request) CloseAfterReply() {
	r.closeAfter = true
}

// deviceConn serializes writes so concurrent broadcasts never interleave
// frames on one socket.
type deviceConn struct {
	conn      net.Conn
	remote    string
	writeMu   sync.Mutex
	closeOnce sync.Once

	// guarded by Service.connsMu
	deviceID string
}

// write sends one frame. A failed write may leave a partial frame on the
// stream, so the socket is closed and the read loop retires the device.
func (c *deviceConn) write(body []byte, limits frame.Limits, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := frame.WriteFrame(c.conn, body, limits); err != nil {
		if !errors.Is(err, frame.ErrFrameTooLarge) {
			c.close()
		}
		return err
	}
	return nil
}

func (c *deviceConn) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// Service is the command channel server: framed JSON over TCP, device
// registry, heartbeat monitor, GSR leadership, and broadcasts.
type Service struct {
	cfg      Config
	catalog  *catalog.Catalog
	registry *Registry
	logger   zerolog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	connsMu  sync.Mutex
	conns    map[*deviceConn]struct{}
	byDevice map[string]*deviceConn

	events eventBuses

	clientCount atomic.Int64
	now         func() time.Time
}

// NewService builds a command server over cat. Zero config fields fall back
// to the catalog transport section, then to DefaultConfig.
func NewService(cfg Config, cat *catalog.Catalog) *Service {
	cfg = cfg.WithTransport(cat.Transport())
	s := &Service{
		cfg:      cfg,
		catalog:  cat,
		registry: NewRegistry(cfg.MaxConnections, cfg.GSRDefaultMode),
		logger:   observability.Component("command"),
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*deviceConn]struct{}),
		byDevice: make(map[string]*deviceConn),
		now:      time.Now,
	}
	s.registerDefaultHandlers()
	return s
}

func (s *Service) Config() Config { return s.cfg }

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// Handle registers or replaces the handler for msgType.
func (s *Service) Handle(msgType string, fn HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if fn == nil {
		delete(s.handlers, msgType)
		return
	}
	s.handlers[msgType] = fn
}

func (s *Service) handler(msgType string) HandlerFunc {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers[msgType]
}

// Run listens on the configured address and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("command server listening")
	return s.Serve(ctx, ln)
}

// Serve accepts device connections on ln and runs the heartbeat monitor until
// ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()
	go s.monitorHeartbeats(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		dc := &deviceConn{conn: conn, remote: conn.RemoteAddr().String()}
		s.trackConn(dc)
		go s.handleConn(ctx, dc)
	}
}

func (s *Service) handleConn(ctx context.Context, dc *deviceConn) {
	defer s.untrackConn(dc)
	defer dc.close()
	active := s.clientCount.Add(1)
	s.logger.Info().Str("remote", dc.remote).Int64("active_clients", active).Msg("device connection opened")

	reason := "connection closed"
	defer func() {
		remaining := s.clientCount.Add(-1)
		s.logger.Info().Str("remote", dc.remote).Int64("active_clients", remaining).Str("reason", reason).Msg("device connection closed")
		s.release(dc, reason)
	}()

	reader := bufio.NewReader(dc.conn)
	for {
		_ = dc.conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
		body, err := frame.ReadFrame(reader, s.cfg.limits())
		if err != nil {
			reason = s.transportReason(dc, err)
			return
		}
		observability.RecordFrame("in")
		if s.process(ctx, dc, body) {
			reason = "closed after reply"
			return
		}
	}
}

func (s *Service) transportReason(dc *deviceConn, err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return "connection closed"
	case errors.Is(err, frame.ErrFrameTooLarge):
		observability.RecordRejected("frame_too_large")
		s.logger.Warn().Str("remote", dc.remote).Err(err).Msg("transport violation, closing connection")
		return "frame too large"
	case errors.Is(err, frame.ErrShortHeader), errors.Is(err, frame.ErrShortBody):
		observability.RecordRejected("malformed_frame")
		s.logger.Warn().Str("remote", dc.remote).Err(err).Msg("transport violation, closing connection")
		return "malformed frame"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "read timeout"
	default:
		s.logger.Warn().Str("remote", dc.remote).Err(err).Msg("read failed")
		return "read error"
	}
}

// process handles one frame body and reports whether the connection should
// close after it.
func (s *Service) process(ctx context.Context, dc *deviceConn, body []byte) bool {
	msg, err := catalog.Decode(body)
	if err != nil {
		observability.RecordRejected("invalid_json")
		s.logger.Warn().Str("remote", dc.remote).Err(err).Msg("invalid JSON frame")
		s.replyError(dc, "", CodeInvalidMessage, "Invalid JSON format", nil)
		return false
	}
	msgID := msg.ID()
	if msgID == "" {
		msgID = uuid.NewString()
	}

	if err := s.catalog.Check(msg); err != nil {
		observability.RecordRejected(rejectReason(err))
		s.logger.Warn().
			Str("remote", dc.remote).
			Str("message_type", msg.Type()).
			Err(err).
			Msg("message validation failed")
		s.replyError(dc, msgID, CodeInvalidMessage, err.Error(), validationDetails(err))
		return false
	}

	fn := s.handler(msg.Type())
	if fn == nil {
		observability.RecordRejected("no_handler")
		s.logger.Warn().Str("remote", dc.remote).Str("message_type", msg.Type()).Msg("unknown message type")
		s.replyError(dc, msgID, CodeUnknownMessageType, "Unknown message type: "+msg.Type(), nil)
		return false
	}

	req := &Request{
		Message:    msg,
		RemoteAddr: dc.remote,
		ReceivedAt: s.now(),
		svc:        s,
		conn:       dc,
	}
	resp, err := fn(ctx, req)
	if err != nil {
		s.logger.Warn().
			Str("remote", dc.remote).
			Str("message_type", msg.Type()).
			Str("device_id", msg.Str("device_id")).
			Err(err).
			Msg("handler failed")
		s.replyError(dc, msgID, errorCode(err), err.Error(), nil)
		return req.closeAfter
	}
	if resp != nil {
		resp[catalog.FieldMessageID] = msgID
		if err := s.send(dc, resp); err != nil {
			s.logger.Warn().Str("remote", dc.remote).Str("message_type", resp.Type()).Err(err).Msg("reply write failed")
		}
	}
	return req.closeAfter
}

func (s *Service) replyError(dc *deviceConn, msgID, code, text string, details map[string]any) {
	fields := map[string]any{
		"error_code":    code,
		"error_message": text,
	}
	if details != nil {
		fields["details"] = details
	}
	resp, err := s.catalog.Create("error", fields)
	if err != nil {
		s.logger.Error().Err(err).Msg("build error reply")
		resp = catalog.Message{
			catalog.FieldMessageType: "error",
			"error_code":             code,
			"error_message":          text,
		}
	}
	if msgID != "" {
		resp[catalog.FieldMessageID] = msgID
	}
	if err := s.send(dc, resp); err != nil {
		s.logger.Warn().Str("remote", dc.remote).Err(err).Msg("error reply write failed")
	}
}

func (s *Service) send(dc *deviceConn, msg catalog.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := dc.write(body, s.cfg.limits(), s.cfg.WriteTimeout); err != nil {
		return err
	}
	observability.RecordFrame("out")
	return nil
}

// SendTo delivers msg to one bound device.
func (s *Service) SendTo(deviceID string, msg catalog.Message) error {
	dc := s.connFor(deviceID)
	if dc == nil {
		return ErrDeviceNotFound
	}
	return s.send(dc, msg)
}

func (s *Service) connFor(deviceID string) *deviceConn {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.byDevice[deviceID]
}

func (s *Service) bind(dc *deviceConn, deviceID string) {
	s.connsMu.Lock()
	var stale *deviceConn
	previousID := dc.deviceID
	if old := s.byDevice[deviceID]; old != nil && old != dc {
		old.deviceID = ""
		stale = old
	}
	if previousID != "" && previousID != deviceID && s.byDevice[previousID] == dc {
		delete(s.byDevice, previousID)
	}
	s.byDevice[deviceID] = dc
	dc.deviceID = deviceID
	s.connsMu.Unlock()

	if stale != nil {
		s.logger.Info().Str("device_id", deviceID).Str("remote", stale.remote).Msg("closing superseded connection")
		stale.close()
	}
	if previousID != "" && previousID != deviceID {
		s.disconnect(previousID, "re-registered under new id")
	}
}

func (s *Service) unbind(dc *deviceConn, deviceID string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.byDevice[deviceID] == dc {
		delete(s.byDevice, deviceID)
	}
	if dc.deviceID == deviceID {
		dc.deviceID = ""
	}
}

// release runs when a connection's read loop exits. The device is retired
// only while dc still owns it.
func (s *Service) release(dc *deviceConn, reason string) {
	s.connsMu.Lock()
	id := dc.deviceID
	s.connsMu.Unlock()
	if id != "" {
		s.retire(id, dc, reason)
	}
}

// disconnect retires deviceID, closes its socket, and hands GSR leadership to
// the next candidate when needed.
func (s *Service) disconnect(deviceID, reason string) {
	s.retire(deviceID, nil, reason)
}

// retire unbinds and marks deviceID disconnected under connsMu so a
// concurrent re-registration either precedes or follows it whole. A non-nil
// owner must still be the bound connection.
func (s *Service) retire(deviceID string, owner *deviceConn, reason string) {
	s.connsMu.Lock()
	dc := s.byDevice[deviceID]
	if owner != nil && dc != owner {
		s.connsMu.Unlock()
		return
	}
	if dc != nil {
		delete(s.byDevice, deviceID)
		dc.deviceID = ""
	}
	result, ok := s.registry.MarkDisconnected(deviceID)
	s.connsMu.Unlock()
	if dc != nil {
		dc.close()
	}
	if !ok {
		return
	}
	observability.SetConnectedDevices(s.registry.LiveCount())
	s.logger.Info().Str("device_id", deviceID).Str("reason", reason).Bool("was_leader", result.WasLeader).Msg("device disconnected")
	s.events.disconnected.Publish(DeviceDisconnected{Device: result.Device, WasLeader: result.WasLeader, Reason: reason})

	if !result.WasLeader {
		return
	}
	change := LeaderChanged{Previous: deviceID, Reason: "leader disconnected"}
	if result.Promoted != nil {
		change.Leader = result.Promoted.DeviceID
		s.logger.Info().Str("device_id", change.Leader).Str("previous", deviceID).Msg("GSR leader promoted")
		s.notifyLeadership(result.Promoted.DeviceID, true, result.Promoted.GSRMode)
	} else {
		s.logger.Warn().Str("previous", deviceID).Msg("GSR leader lost with no candidate")
	}
	s.events.leader.Publish(change)
}

// Disconnect forcibly retires a device.
func (s *Service) Disconnect(deviceID string) {
	s.disconnect(deviceID, "explicit disconnect")
}

func (s *Service) notifyLeadership(deviceID string, isLeader bool, mode string) {
	fields := map[string]any{
		"device_id": deviceID,
		"is_leader": isLeader,
	}
	if mode != "" {
		fields["mode"] = mode
	}
	msg, err := s.catalog.Create("gsr_leader_assignment", fields)
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("build leader assignment")
		return
	}
	if err := s.SendTo(deviceID, msg); err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Bool("is_leader", isLeader).Msg("leader assignment not delivered")
	}
}

func (s *Service) monitorHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.now())
		}
	}
}

// sweep disconnects devices whose heartbeat is older than the connection
// timeout and returns their ids.
func (s *Service) sweep(now time.Time) []string {
	expired := s.registry.Expired(now, s.cfg.ConnectionTimeout)
	for _, id := range expired {
		s.logger.Warn().Str("device_id", id).Dur("timeout", s.cfg.ConnectionTimeout).Msg("device heartbeat timeout")
		s.disconnect(id, "heartbeat timeout")
	}
	return expired
}

func (s *Service) trackConn(dc *deviceConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[dc] = struct{}{}
}

func (s *Service) untrackConn(dc *deviceConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, dc)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for dc := range s.conns {
		dc.close()
		delete(s.conns, dc)
	}
}

// ActiveConnections reports open sockets, bound or not.
func (s *Service) ActiveConnections() int {
	return int(s.clientCount.Load())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return CodeResourceUnavailable
	case errors.Is(err, ErrDeviceNotFound):
		return CodeDeviceNotRegistered
	case errors.Is(err, ErrInvalidDevice),
		errors.Is(err, catalog.ErrSchemaViolation),
		errors.Is(err, catalog.ErrMissingField),
		errors.Is(err, catalog.ErrUnknownMessageType):
		return CodeInvalidMessage
	default:
		return CodeInternalError
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, catalog.ErrUnknownMessageType):
		return "unknown_type"
	case errors.Is(err, catalog.ErrMissingField):
		return "missing_field"
	default:
		return "schema_violation"
	}
}

func validationDetails(err error) map[string]any {
	var verr *catalog.ValidationError
	if !errors.As(err, &verr) {
		return nil
	}
	details := map[string]any{"reason": verr.Reason}
	if verr.Field != "" {
		details["field"] = verr.Field
	}
	if verr.MessageType != "" {
		details["message_type"] = verr.MessageType
	}
	return details
}
