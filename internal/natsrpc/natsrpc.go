// Package natsrpc answers questions over NATS request/reply, one subject per
// tool.
package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/nlqhq/nlq/internal/engine"
	"github.com/nlqhq/nlq/internal/tool"
)

// Request is the payload published to <prefix>.<tool>.
type Request struct {
	Question  string `json:"question"`
	UserInput string `json:"user_input,omitempty"`
	Client    string `json:"client,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type errorReply struct {
	Error string `json:"error"`
}

// Service holds one queue subscription per tool.
type Service struct {
	nc     *nats.Conn
	tools  *tool.Registry
	prefix string
	queue  string
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	subs     []*nats.Subscription
	inflight sync.WaitGroup
	cancel   context.CancelFunc
}

// New returns a Service; nothing is subscribed until Start.
func New(nc *nats.Conn, reg *tool.Registry, prefix, queue string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{nc: nc, tools: reg, prefix: prefix, queue: queue, logger: logger}
}

// Subject is the request subject for a tool.
func (s *Service) Subject(name string) string {
	return s.prefix + "." + name
}

// Start subscribes every tool. Requests run on their own goroutine and are
// cancelled when ctx ends or Close is called.
func (s *Service) Start(ctx context.Context) error {
	if s.nc == nil {
		return errors.New("nats connection is nil")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for _, rt := range s.tools.Runtimes() {
		subject := s.Subject(rt.Name)
		sub, err := s.nc.QueueSubscribe(subject, s.queue, func(msg *nats.Msg) {
			s.dispatch(ctx, rt, msg)
		})
		if err != nil {
			_ = s.Close()
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
		s.logger.Info("nats subscribed", zap.String("subject", subject), zap.String("queue", s.queue))
	}
	return nil
}

// dispatch answers msg on its own goroutine unless the service is closed.
func (s *Service) dispatch(ctx context.Context, rt *tool.Runtime, msg *nats.Msg) {
	if !s.track() {
		return
	}
	go func() {
		defer s.inflight.Done()
		if err := msg.Respond(handle(ctx, rt, msg.Data)); err != nil {
			s.logger.Warn("nats respond failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	}()
}

// track registers one in-flight request. It reports false once Close has
// started, so Add never races with Wait.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Close drains the subscriptions, cancels running requests and waits for
// them to finish.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = nil
	cancel := s.cancel
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	s.inflight.Wait()
	return errors.Join(errs...)
}

// handle decodes one request, runs it and encodes the reply.
func handle(ctx context.Context, rt *tool.Runtime, data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return encodeError("invalid request: " + err.Error())
	}
	if strings.TrimSpace(req.Question) == "" {
		return encodeError("question required")
	}
	out, err := rt.Engine.Run(ctx, engine.Question{
		Text:      req.Question,
		UserInput: req.UserInput,
		Client:    req.Client,
		RequestID: req.RequestID,
	})
	if err != nil {
		return encodeError(err.Error())
	}
	b, err := json.Marshal(out)
	if err != nil {
		return encodeError(err.Error())
	}
	return b
}

func encodeError(msg string) []byte {
	b, _ := json.Marshal(errorReply{Error: msg})
	return b
}
