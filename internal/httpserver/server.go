package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/klauspost/compress/gzhttp"

	"github.com/skobkin/acceltop-web/internal/api"
	"github.com/skobkin/acceltop-web/internal/config"
	"github.com/skobkin/acceltop-web/internal/sampler"
	"github.com/skobkin/acceltop-web/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	handler    http.Handler
	sampler    *sampler.Manager

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, samplerManager *sampler.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "httpserver"),
		sampler: samplerManager,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	// JSON API routes are gzip-compressed for clients that accept it.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/healthz", s.handleHealthz)
	apiMux.HandleFunc("/api/readyz", s.handleReadyz)
	apiMux.HandleFunc("/api/version", s.handleVersion)
	apiMux.HandleFunc("/api/backends", s.handleAPIBackends)
	apiMux.HandleFunc("/api/devices", s.handleAPIDevices)
	apiMux.HandleFunc("/api/devices/", s.handleAPIDeviceSubresource)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.Handle("/api/", gzhttp.GzipHandler(apiMux))
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	s.handler = s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler exposes the fully wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any, what string) {
	logger := s.loggerFromContext(r.Context())
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to encode response", "what", what, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		logger.Warn("failed to write response", "what", what, "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info, "readyz")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current(), "version")
}

func (s *Server) handleAPIBackends(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.sampler == nil {
		http.Error(w, "metrics sampler unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.sampler.Backends(), "backend list")
}

func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	devices := []sampler.DeviceInfo{}
	if s.sampler != nil {
		devices = s.sampler.Devices()
	}
	s.writeJSON(w, r, http.StatusOK, devices, "device list")
}

func (s *Server) handleAPIDeviceSubresource(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	const prefix = "/api/devices/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	segments := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if len(segments) > 2 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}

	deviceID := segments[0]
	if s.sampler == nil {
		http.Error(w, "metrics sampler unavailable", http.StatusServiceUnavailable)
		return
	}
	info, ok := s.sampler.Device(deviceID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if len(segments) == 1 {
		s.writeJSON(w, r, http.StatusOK, info, "device info")
		return
	}

	sample, ok := s.sampler.Latest(deviceID)
	if !ok {
		http.Error(w, "no sample available", http.StatusServiceUnavailable)
		return
	}

	switch segments[1] {
	case "metrics":
		s.writeJSON(w, r, http.StatusOK, sample, "device metrics")
	case "procs":
		s.writeJSON(w, r, http.StatusOK, procsResponse{
			DeviceID:  sample.DeviceID,
			Timestamp: sample.Timestamp,
			Processes: sample.Processes,
			Holders:   sample.Holders,
		}, "device processes")
	default:
		http.NotFound(w, r)
	}
}

type procsResponse struct {
	DeviceID  string            `json:"device_id"`
	Timestamp time.Time         `json:"ts"`
	Processes []sampler.Process `json:"procs"`
	Holders   []int             `json:"holders,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowGet(w, r) {
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	opts := &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)
	defer closeWebsocket(logger, conn)

	outbound := newWSOutbound(wsSendQueueSize, &s.wsDropped)

	var (
		devices  []sampler.DeviceInfo
		backends []sampler.BackendStatus
	)
	if s.sampler != nil {
		devices = s.sampler.Devices()
		backends = s.sampler.Backends()
	}
	features := map[string]bool{
		"procs":   s.cfg.Proc.Enable,
		"metrics": s.cfg.EnablePrometheus,
	}
	hello := api.NewHelloMessage(
		int(s.cfg.SampleInterval/time.Millisecond),
		devices,
		backends,
		features,
	)

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	var (
		subCh         <-chan sampler.Sample
		unsubscribe   func()
		currentDevice string
	)

	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		outbound.close()
		cancel()
		<-writerDone
	}()

	if !s.enqueueMessage(outbound, hello, logger) {
		return
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	defaultDevice := s.defaultDevice(devices)

	switchSubscription := func(target string) error {
		if target == "" {
			return fmt.Errorf("empty device id")
		}
		if s.sampler == nil {
			return fmt.Errorf("sampler unavailable")
		}
		if _, ok := s.sampler.Device(target); !ok {
			return fmt.Errorf("unknown device %q", target)
		}
		if target == currentDevice {
			return nil
		}
		if unsubscribe != nil {
			unsubscribe()
			unsubscribe = nil
			subCh = nil
		}
		ch, cancel, err := s.sampler.Subscribe(target)
		if err != nil {
			return err
		}
		subCh = ch
		unsubscribe = cancel
		currentDevice = target
		logger.Info("ws subscribed", "device_id", target)
		return nil
	}

	if defaultDevice != "" {
		if err := switchSubscription(defaultDevice); err != nil {
			logger.Warn("failed to subscribe default device", "device_id", defaultDevice, "err", err)
			_ = s.enqueueError(outbound, fmt.Sprintf("failed to subscribe default device: %v", err), logger)
		}
	} else if len(devices) == 0 {
		_ = s.enqueueError(outbound, "no accelerators detected", logger)
	}

	for {
		select {
		case sample, ok := <-subCh:
			if !ok {
				subCh = nil
				currentDevice = ""
				continue
			}
			if !s.enqueueMessage(outbound, api.NewStatsMessage(sample), logger) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := s.handleClientMessage(outbound, data, switchSubscription, defaultDevice, logger); err != nil {
				logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) defaultDevice(devices []sampler.DeviceInfo) string {
	if s.cfg.DefaultDevice != "" && s.cfg.DefaultDevice != "auto" {
		for _, info := range devices {
			if info.ID == s.cfg.DefaultDevice {
				return info.ID
			}
		}
		s.logger.Warn("configured default device not found", "device_id", s.cfg.DefaultDevice)
	}
	if len(devices) > 0 {
		return devices[0].ID
	}
	return ""
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.WS.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
		}
		msgType, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(outbound *wsOutbound, data []byte, switchSubscription func(string) error, defaultDevice string, logger *slog.Logger) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		return nil
	}

	switch envelope.Type {
	case "subscribe":
		var msg api.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !s.enqueueError(outbound, "invalid subscribe payload", logger) {
				return fmt.Errorf("failed to enqueue subscribe error")
			}
			return nil
		}
		target := msg.DeviceID
		if target == "" {
			target = defaultDevice
		}
		if target == "" {
			if !s.enqueueError(outbound, "no device_id provided and no default available", logger) {
				return fmt.Errorf("failed to enqueue device missing error")
			}
			return nil
		}
		if err := switchSubscription(target); err != nil {
			if !s.enqueueError(outbound, err.Error(), logger) {
				return fmt.Errorf("failed to enqueue subscription error")
			}
			return nil
		}
	case "ping":
		if !s.enqueueMessage(outbound, api.PongMessage{Type: "pong"}, logger) {
			return fmt.Errorf("failed to enqueue pong response")
		}
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound.channel():
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.WS.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
	}
	if cancel != nil {
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueue(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) enqueueError(outbound *wsOutbound, msg string, logger *slog.Logger) bool {
	return s.enqueueMessage(outbound, api.ErrorMessage{Type: "error", Message: msg}, logger)
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

func (s *Server) readiness() readyResponse {
	if s.sampler == nil {
		return readyResponse{Status: "degraded", Reason: "sampler_not_configured"}
	}
	if !s.sampler.Discovered() {
		return readyResponse{Status: "initializing", Reason: "discovering_devices"}
	}

	resp := readyResponse{
		Devices:  len(s.sampler.DeviceIDs()),
		Backends: s.sampler.Backends(),
	}

	active := 0
	for _, status := range resp.Backends {
		if status.Active {
			active++
		}
	}
	if active == 0 {
		resp.Status = "degraded"
		resp.Reason = "no_active_backends"
		return resp
	}

	if s.sampler.Ready() {
		resp.Status = "ok"
		return resp
	}

	resp.Status = "initializing"
	resp.Reason = "waiting_for_samples"
	return resp
}

type readyResponse struct {
	Status   string                  `json:"status"`
	Devices  int                     `json:"devices"`
	Backends []sampler.BackendStatus `json:"backends,omitempty"`
	Reason   string                  `json:"reason,omitempty"`
}

type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	droppedOld := false
	select {
	case <-o.ch:
		droppedOld = true
	default:
	}
	if droppedOld {
		o.countDrop()
	}

	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
