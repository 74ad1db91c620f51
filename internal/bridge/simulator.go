package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ricochet1k/cloudide/internal/session"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

// DefaultSimulatedSteps is the log the simulator plays back before READY.
var DefaultSimulatedSteps = []string{
	"Allocating microVM",
	"Booting kernel",
	"Cloning repository",
	"Installing dependencies",
	"Starting code server",
}

// Simulator stands in for a real provisioner: it answers every request on
// the broker with a short log and a READY on port 8080.
type Simulator struct {
	broker   Broker
	channels session.Channels
	steps    []string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	unsubs  []func()
	wg      sync.WaitGroup
}

func NewSimulator(broker Broker, channels session.Channels, interval time.Duration, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		broker:   broker,
		channels: channels,
		steps:    DefaultSimulatedSteps,
		interval: interval,
		logger:   logger.With("component", "simulator"),
		running:  make(map[string]context.CancelFunc),
	}
}

func (s *Simulator) Start() error {
	reqSubject, err := ChannelToSubject(s.channels.Request)
	if err != nil {
		return err
	}
	termSubject, err := ChannelToSubject(s.channels.Terminate)
	if err != nil {
		return err
	}

	unsubReq, err := s.broker.Subscribe(reqSubject, func(_ string, data []byte) { s.handleRequest(data) })
	if err != nil {
		return err
	}
	unsubTerm, err := s.broker.Subscribe(termSubject, func(_ string, data []byte) { s.handleTerminate(data) })
	if err != nil {
		unsubReq()
		return err
	}

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubReq, unsubTerm)
	s.mu.Unlock()
	return nil
}

// Stop cancels every running provision and waits for them to exit.
func (s *Simulator) Stop() {
	s.mu.Lock()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// simulatedRequest reads both request payload shapes.
type simulatedRequest struct {
	TaskID    string `json:"task_id"`
	SourceURL string `json:"source_url"`
	Source    struct {
		URL string `json:"url"`
	} `json:"source"`
}

func (s *Simulator) handleRequest(data []byte) {
	var req simulatedRequest
	if err := json.Unmarshal(data, &req); err != nil || req.TaskID == "" {
		s.logger.Warn("ignoring malformed request", "error", err)
		return
	}
	source := req.SourceURL
	if source == "" {
		source = req.Source.URL
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if _, dup := s.running[req.TaskID]; dup {
		s.mu.Unlock()
		cancel()
		return
	}
	s.running[req.TaskID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.provision(ctx, req.TaskID, source)
}

func (s *Simulator) handleTerminate(data []byte) {
	var ref taskRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return
	}
	s.mu.Lock()
	cancel, ok := s.running[ref.TaskID]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Info("provision cancelled", "task_id", ref.TaskID)
	}
}

func (s *Simulator) provision(ctx context.Context, taskID, source string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.running[taskID]; ok {
			cancel()
			delete(s.running, taskID)
		}
		s.mu.Unlock()
	}()

	subject, err := ChannelToSubject(s.channels.Response(taskID))
	if err != nil {
		s.logger.Error("unusable response channel", "task_id", taskID, "error", err)
		return
	}

	for _, step := range s.steps {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
		s.emit(subject, providerEvent{Type: realtimeTypes.EventTypeLog, Message: step})
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.interval):
	}
	s.emit(subject, providerEvent{
		Type: realtimeTypes.EventTypeReady,
		Data: &realtimeTypes.InstanceDescriptor{
			ID:            fmt.Sprintf("inst_%09x", rand.Uint64()&0xfffffffff),
			Address:       fmt.Sprintf("10.244.%d.%d", rand.IntN(255), rand.IntN(255)),
			Port:          8080,
			SourceRepoURL: source,
			CreatedAt:     time.Now().UTC(),
		},
	})
	s.logger.Info("provisioned", "task_id", taskID, "source_url", source)
}

func (s *Simulator) emit(subject string, ev providerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encode event", "error", err)
		return
	}
	if err := s.broker.Publish(subject, data); err != nil {
		s.logger.Warn("publish event", "subject", subject, "error", err)
	}
}
