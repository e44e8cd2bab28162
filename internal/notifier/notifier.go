// Package notifier forwards task lifecycle events from the in-process bus to
// external sinks. Delivery is best effort: a slow or failing sink never
// blocks the scheduler, which publishes to the bus fire-and-forget.
package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DengZY123/social-poster/internal/eventbus"
	rtsup "github.com/DengZY123/social-poster/internal/runtime/supervisor"
	logx "github.com/DengZY123/social-poster/pkg/logx"
)

// Sink receives serialized lifecycle events.
type Sink interface {
	// Emit delivers one event. Errors are logged, not retried; the bus
	// already dropped events for us if we fell behind.
	Emit(ctx context.Context, eventType string, body []byte) error
	Close() error
}

// Config selects which bus events are forwarded.
type Config struct {
	// Buffer is the bus subscription depth. Events beyond it are dropped
	// by the bus rather than queued.
	Buffer int

	// Types filters forwarded event types; empty forwards everything.
	Types []string
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	return c
}

// Service pumps bus events into the configured sinks.
type Service struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	sinks []Sink

	sup   *rtsup.Supervisor
	unsub func()
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, bus: bus, sinks: sinks}
}

func (s *Service) Start(ctx context.Context) error {
	if s.bus == nil || len(s.sinks) == 0 {
		return nil
	}
	ch, unsub := s.bus.Subscribe(s.cfg.Buffer)
	s.unsub = unsub
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))))
	s.sup.Go0("notifier.pump", func(ctx context.Context) { s.pump(ctx, ch) })
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	var err error
	if s.sup != nil {
		err = s.sup.Stop(ctx)
		s.sup = nil
	}
	for _, sink := range s.sinks {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Service) pump(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !s.wants(ev.Type) {
				continue
			}
			s.emit(ctx, ev)
		}
	}
}

func (s *Service) wants(eventType string) bool {
	if len(s.cfg.Types) == 0 {
		return true
	}
	for _, t := range s.cfg.Types {
		if t == eventType {
			return true
		}
	}
	return false
}

func (s *Service) emit(ctx context.Context, ev eventbus.Event) {
	body, err := json.Marshal(envelope{Type: ev.Type, Time: ev.Time, Data: ev.Data})
	if err != nil {
		s.log.Warn("event not serializable", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, ev.Type, body); err != nil {
			s.log.Warn("sink delivery failed", logx.String("type", ev.Type), logx.Err(err))
		}
	}
}

// envelope is the wire form of a forwarded event.
type envelope struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}
