package grpcrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/socket"
)

// Handler answers one method call. from is the apparent sender endpoint
// (never the physical route); handlers that need to reply to the caller
// directly, rather than through the request/response frame, can still use
// it for logging or access control.
type Handler func(ctx context.Context, from crypt.Endpoint, payload json.RawMessage) (interface{}, error)

// Server dispatches GlobalRPC calls arriving on a socket bound at
// socket.GlobalRPCDock to registered handlers by method name, the server
// half of the Client in this package.
type Server struct {
	sock Transport

	mu       sync.RWMutex
	handlers map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a Server that has not yet started serving; call
// Handle to register methods, then Serve to start the receive loop.
func NewServer(sock Transport) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		sock:     sock,
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers h to answer calls to method. Must be called before
// Serve; registering after Serve races with the receive loop.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Serve starts the background receive loop. Non-blocking; call Close to
// stop it.
func (s *Server) Serve() {
	s.wg.Add(1)
	go s.recvLoop()
}

// Close stops the receive loop and waits for it to exit.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) recvLoop() {
	defer s.wg.Done()
	for {
		msg, err := s.sock.RecvFrom(s.ctx)
		if err != nil {
			return
		}
		go s.handle(msg)
	}
}

func (s *Server) handle(msg socket.ReceivedMsg) {
	var req requestFrame
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.reply(msg.From, req.ID, nil, fmt.Errorf("unknown method %q", req.Method))
		return
	}

	resp, err := h(s.ctx, msg.From, req.Payload)
	s.reply(msg.From, req.ID, resp, err)
}

func (s *Server) reply(to crypt.Endpoint, id [16]byte, resp interface{}, err error) {
	rf := responseFrame{ID: id}
	switch {
	case err != nil:
		rf.Error = err.Error()
	case resp != nil:
		payload, merr := json.Marshal(resp)
		if merr != nil {
			rf.Error = merr.Error()
			break
		}
		rf.Payload = payload
	}

	body, err := json.Marshal(rf)
	if err != nil {
		return
	}
	_ = s.sock.SendTo(s.ctx, body, to)
}
