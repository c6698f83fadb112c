package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/yamux"

	"github.com/sailfishos/sdkrund/internal/bus"
	"github.com/sailfishos/sdkrund/internal/manager"
	"github.com/sailfishos/sdkrund/internal/task"
)

// Server listens on a Unix-domain socket and serves one yamux session per
// connection, standing in for the platform's session message bus (see
// DESIGN.md).
type Server struct {
	log      hclog.Logger
	manager  *manager.TaskManager
	bus      *bus.Bus
	socket   string
	listener net.Listener

	wg sync.WaitGroup
}

// NewServer constructs a Server bound to socketPath. The socket file is
// removed and recreated on Serve, so a stale socket from a prior crash
// does not block startup.
func NewServer(log hclog.Logger, m *manager.TaskManager, b *bus.Bus, socketPath string) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Server{log: log.Named("ipc"), manager: m, bus: b, socket: socketPath}
}

// Serve binds the socket and accepts connections until Close is called.
func (s *Server) Serve() error {
	_ = os.Remove(s.socket)
	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.socket, err)
	}
	s.listener = ln
	s.log.Info("listening", "socket", s.socket)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight sessions
// to drain.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socket)
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	sess, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		s.log.Warn("yamux handshake failed", "error", err)
		_ = conn.Close()
		return
	}
	defer sess.Close()

	signalStream, err := sess.OpenStream()
	if err != nil {
		s.log.Warn("could not open signal stream", "error", err)
		return
	}
	go s.relaySignals(sess, signalStream)

	control, err := sess.AcceptStream()
	if err != nil {
		return
	}
	go s.serveControl(control)

	for {
		st, err := sess.AcceptStream()
		if err != nil {
			return
		}
		go s.serveFollow(st)
	}
}

func (s *Server) relaySignals(sess *yamux.Session, stream net.Conn) {
	defer stream.Close()
	tap := s.bus.Subscribe(bus.KindTaskStateChanged)
	enc := json.NewEncoder(stream)
	for {
		select {
		case <-sess.CloseChan():
			return
		case evt, ok := <-tap:
			if !ok {
				return
			}
			snap, ok := evt.Payload.(task.Snapshot)
			if !ok {
				continue
			}
			sig := Signal{Kind: string(bus.KindTaskStateChanged), Task: toPayload(snap)}
			if err := enc.Encode(sig); err != nil {
				return
			}
		}
	}
}

func (s *Server) serveControl(stream net.Conn) {
	defer stream.Close()
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	enc := json.NewEncoder(stream)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(Response{Error: fmt.Sprintf("bad request: %v", err)})
			continue
		}
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{ID: req.ID}
	raw, _ := json.Marshal(req.Params)

	switch req.Method {
	case "AddTask":
		var p AddTaskParams
		_ = json.Unmarshal(raw, &p)
		resp.Result = s.manager.AddTask(p.Pwd, p.Argv, p.Background)
	case "Repeat":
		resp.Result = s.manager.Repeat()
	case "CancelTask":
		var p IDParams
		_ = json.Unmarshal(raw, &p)
		resp.Result = s.manager.CancelTask(p.ID)
	case "CancelAll":
		var p CancelAllParams
		_ = json.Unmarshal(raw, &p)
		if err := s.manager.CancelAll(p.ClearHistory); err != nil {
			resp.Error = err.Error()
		}
	case "Reset":
		if err := s.manager.Reset(); err != nil {
			resp.Error = err.Error()
		}
	case "Task":
		var p IDParams
		_ = json.Unmarshal(raw, &p)
		snap, _ := s.manager.Task(p.ID)
		resp.Result = toPayload(snap)
	case "Tasks":
		snaps := s.manager.Tasks()
		out := make([]TaskPayload, 0, len(snaps))
		for _, snap := range snaps {
			out = append(out, toPayload(snap))
		}
		resp.Result = out
	case "TaskLog":
		var p IDParams
		_ = json.Unmarshal(raw, &p)
		ok, log := s.manager.TaskLog(p.ID)
		if !ok {
			resp.Error = "no such task"
			break
		}
		resp.Result = log
	case "ResetTaskIDs":
		resp.Result = s.manager.ResetTaskIDs()
	case "SetDebug":
		var p DebugParams
		_ = json.Unmarshal(raw, &p)
		s.manager.SetDebug(p.Enabled)
	default:
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
	}
	return resp
}

// serveFollow reads the handshake, registers a Follower backed by stream,
// then blocks draining the client->server half of stream purely to
// detect its closure; the registrar unregisters on that closure.
func (s *Server) serveFollow(stream net.Conn) {
	defer stream.Close()
	scanner := bufio.NewScanner(stream)
	if !scanner.Scan() {
		return
	}
	var hs followHandshake
	if err := json.Unmarshal(scanner.Bytes(), &hs); err != nil {
		return
	}

	f := &streamFollower{enc: json.NewEncoder(stream)}
	if !s.manager.FollowTask(hs.ID, hs.Name, f) {
		_ = f.Quit(-1)
		return
	}
	defer s.manager.UnfollowTask(hs.ID, hs.Name)

	// Nothing more is expected from the client; keep scanning (discarding
	// anything received) purely to detect the stream's closure.
	for scanner.Scan() {
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.log.Debug("follow stream closed", "task_id", hs.ID, "error", err)
	}
}

// streamFollower adapts a yamux stream to task.Follower.
type streamFollower struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (f *streamFollower) Write(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enc.Encode(followFrame{Line: line})
}

func (f *streamFollower) Quit(returncode int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enc.Encode(followFrame{Quit: true, Code: returncode})
}

func toPayload(snap task.Snapshot) TaskPayload {
	return TaskPayload{
		ID:         snap.ID,
		State:      snap.State.String(),
		Pwd:        snap.Pwd,
		Cmdline:    snap.Cmdline,
		ReturnCode: snap.ReturnCode,
		Time:       snap.Time,
	}
}
