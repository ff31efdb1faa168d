// Package server exposes the bus engine over HTTP: a WebSocket fan-out of
// telemetry samples, console traffic and scheduler status, plus a small JSON
// API for configuration and watch management.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/busview/internal/diag"
	"github.com/shaunagostinho/busview/internal/logger"
	"github.com/shaunagostinho/busview/internal/sched"
	"github.com/shaunagostinho/busview/internal/telemetry"
)

// Server coordinates the device sessions and broadcasts data to WebSocket
// clients.
type Server struct {
	cfg       *Config
	scheduler *sched.Scheduler
	webFS     fs.FS
	logger    *logger.Logger
	log       zerolog.Logger

	sessionsMu sync.RWMutex
	sessions   map[uint8]*diag.Session

	clients   map[string]*wsClient
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	watchMu sync.Mutex
	watches map[string]*watchEntry
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

type watchEntry struct {
	device uint8
	record string
	signal string
	conn   *telemetry.Connection
}

// sampleFrame carries one signal update to clients.
type sampleFrame struct {
	Type    string   `json:"type"` // "sample"
	Device  int      `json:"device"`
	Record  string   `json:"record"`
	Signal  string   `json:"signal"`
	Value   string   `json:"value"`
	Numeric *float64 `json:"numeric,omitempty"`
	Stamp   int64    `json:"stamp"` // Unix ms
}

// consoleFrame carries one line of device console traffic.
type consoleFrame struct {
	Type   string `json:"type"` // "console"
	Device int    `json:"device"`
	Text   string `json:"text"`
	Stamp  int64  `json:"stamp"`
}

// statusFrame carries the scheduler and session state.
type statusFrame struct {
	Type     string               `json:"type"` // "status"
	Devices  []sched.DeviceStatus `json:"devices"`
	Sessions []sessionStatus      `json:"sessions"`
	Stamp    int64                `json:"stamp"`
}

type sessionStatus struct {
	Addr         int      `json:"addr"`
	State        string   `json:"state"`
	SchemaConfig bool     `json:"schema_config"`
	Records      []string `json:"records"`
}

// clientMessage is what WebSocket clients may send.
type clientMessage struct {
	Type   string `json:"type"` // "command" or "console"
	Device int    `json:"device"`
	Text   string `json:"text"`
}

// New creates a new Server. Sessions are attached afterwards with
// AddSession, typically wired through ConsoleSink.
func New(cfg *Config, scheduler *sched.Scheduler, webFS fs.FS, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		scheduler: scheduler,
		webFS:     webFS,
		log:       log,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}),
		sessions: make(map[uint8]*diag.Session),
		clients:  make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		watches: make(map[string]*watchEntry),
	}
}

// AddSession registers a device session for API and console routing.
func (s *Server) AddSession(addr uint8, sess *diag.Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[addr] = sess
}

func (s *Server) session(addr uint8) *diag.Session {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return s.sessions[addr]
}

// ConsoleSink returns the console callback for one device: every line is
// broadcast to clients tagged with the device address.
func (s *Server) ConsoleSink(addr uint8) func(string) {
	return func(text string) {
		s.broadcast(consoleFrame{
			Type:   "console",
			Device: int(addr),
			Text:   text,
			Stamp:  time.Now().UnixMilli(),
		})
	}
}

// Run starts the HTTP server and the status broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// JSON API
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/watch", s.handleWatch)
	mux.HandleFunc("/api/command", s.handleCommand)

	// Periodic status broadcast
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Close()
				return
			case <-ticker.C:
				s.broadcast(s.statusSnapshot())
			}
		}
	}()

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
	return srv.ListenAndServe()
}

func (s *Server) statusSnapshot() statusFrame {
	s.sessionsMu.RLock()
	sessions := make([]sessionStatus, 0, len(s.sessions))
	for addr, sess := range s.sessions {
		sessions = append(sessions, sessionStatus{
			Addr:         int(addr),
			State:        sess.State().String(),
			SchemaConfig: sess.SchemaConfig(),
			Records:      sess.RecordNames(),
		})
	}
	s.sessionsMu.RUnlock()

	return statusFrame{
		Type:     "status",
		Devices:  s.scheduler.Snapshot(),
		Sessions: sessions,
		Stamp:    time.Now().UnixMilli(),
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client.id] = client
	total := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info().Str("client", client.id).Int("total", total).Msg("client connected")

	// Send initial status so a fresh client paints immediately
	if data, err := json.Marshal(s.statusSnapshot()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client.id)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info().Str("client", client.id).Int("total", total).Msg("client disconnected")
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleClientMessage(r.Context(), data)
		}
	}()
}

func (s *Server) handleClientMessage(ctx context.Context, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "console":
		in := ParseConsoleInput(msg.Text, msg.Device)
		if in.Delay > 0 {
			// Pacing line in a pasted script; block this client's reader.
			time.Sleep(in.Delay)
			return
		}
		if in.Broadcast {
			s.sessionsMu.RLock()
			sessions := make([]*diag.Session, 0, len(s.sessions))
			for _, sess := range s.sessions {
				sessions = append(sessions, sess)
			}
			s.sessionsMu.RUnlock()
			for _, sess := range sessions {
				sess.WriteLine(in.Text + "\r\n")
			}
			return
		}
		sess := s.session(uint8(in.Device))
		if sess == nil {
			return
		}
		sess.WriteLine(in.Text + "\r\n")
	case "command":
		sess := s.session(uint8(msg.Device))
		if sess == nil {
			return
		}
		go func() {
			cmdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := sess.Command(cmdCtx, msg.Text); err != nil {
				s.log.Warn().Err(err).Int("device", msg.Device).Msg("client command failed")
			}
		}()
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn().Err(err).Msg("config save failed")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	data, err := json.Marshal(s.statusSnapshot())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

type watchRequest struct {
	Device int    `json:"device"`
	Record string `json:"record"`
	Signal string `json:"signal"`
	Rate   int    `json:"rate"`
}

func watchKey(device uint8, record, signal string) string {
	return fmt.Sprintf("%d/%s/%s", device, record, signal)
}

// handleWatch manages telemetry subscriptions. POST starts streaming one
// signal and fans its updates out to clients and the CSV log; DELETE stops
// it and, when it was the record's last signal, stops the device streaming
// the record at all.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		var req watchRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.addWatch(req); err != nil {
			http.Error(w, err.Error(), 404)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	case http.MethodDelete:
		q := r.URL.Query()
		device, err := strconv.Atoi(q.Get("device"))
		if err != nil {
			http.Error(w, "bad device", 400)
			return
		}
		s.removeWatch(uint8(device), q.Get("record"), q.Get("signal"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) addWatch(req watchRequest) error {
	sess := s.session(uint8(req.Device))
	if sess == nil {
		return fmt.Errorf("no device %d", req.Device)
	}
	rec := sess.Record(req.Record)
	if rec == nil {
		return fmt.Errorf("device %d has no record %q", req.Device, req.Record)
	}
	rate := req.Rate
	if rate <= 0 {
		rate = s.cfg.Telemetry.DefaultRate
	}

	device := uint8(req.Device)
	record := req.Record
	signal := req.Signal

	s.watchMu.Lock()
	key := watchKey(device, record, signal)
	if _, exists := s.watches[key]; exists {
		s.watchMu.Unlock()
		return nil
	}
	conn := rec.GetSignal(signal).Connect(func(v telemetry.Value) {
		frame := sampleFrame{
			Type:   "sample",
			Device: int(device),
			Record: record,
			Signal: signal,
			Value:  v.String(),
			Stamp:  time.Now().UnixMilli(),
		}
		if f, ok := v.Float64(); ok {
			frame.Numeric = &f
		}
		s.broadcast(frame)
		s.logger.Record(int(device), record, signal, v)
	})
	s.watches[key] = &watchEntry{device: device, record: record, signal: signal, conn: conn}
	s.watchMu.Unlock()

	sess.Watch(record, rate)
	return nil
}

func (s *Server) removeWatch(device uint8, record, signal string) {
	s.watchMu.Lock()
	key := watchKey(device, record, signal)
	entry := s.watches[key]
	delete(s.watches, key)
	recordStillWatched := false
	for _, e := range s.watches {
		if e.device == device && e.record == record {
			recordStillWatched = true
			break
		}
	}
	s.watchMu.Unlock()

	if entry != nil {
		entry.conn.Remove()
	}
	if !recordStillWatched {
		if sess := s.session(device); sess != nil {
			sess.Unwatch(record)
		}
	}
}

type commandRequest struct {
	Device int    `json:"device"`
	Text   string `json:"text"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	sess := s.session(uint8(req.Device))
	if sess == nil {
		http.Error(w, fmt.Sprintf("no device %d", req.Device), 404)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	resp, err := sess.Command(ctx, req.Text)
	if err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"response": resp})
}

func (s *Server) broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
