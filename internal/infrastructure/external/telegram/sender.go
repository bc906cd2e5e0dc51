package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/eventhandler"
)

// ErrSenderStopped is returned by Send after Stop.
var ErrSenderStopped = errors.New("telegram: sender stopped")

// SenderConfig configures a Sender.
type SenderConfig struct {
	ChatID int64
	// Kinds limits forwarded notifications. Empty forwards every kind.
	Kinds []eventhandler.NotificationKind

	// QueueSize bounds pending notifications. Send drops what does not fit.
	QueueSize int
	// SendTimeout bounds one delivery, retries included.
	SendTimeout time.Duration

	Logger *slog.Logger
}

// DefaultSenderConfig forwards every kind to chatID.
func DefaultSenderConfig(chatID int64) SenderConfig {
	return SenderConfig{
		ChatID:      chatID,
		QueueSize:   64,
		SendTimeout: 30 * time.Second,
	}
}

// Sender forwards learner notifications to one chat, typically an
// instructor channel. Delivery happens on a background worker so a slow or
// failing Bot API never holds up event delivery on the bus.
type Sender struct {
	client *Client
	cfg    SenderConfig
	kinds  map[eventhandler.NotificationKind]bool
	logger *slog.Logger

	queue  chan eventhandler.Notification
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	stats   SenderStats
}

// SenderStats counts deliveries.
type SenderStats struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
	Pending int `json:"pending"`
}

// NewSender creates a sender and starts its worker. Call Stop to drain it.
func NewSender(client *Client, cfg SenderConfig) *Sender {
	def := DefaultSenderConfig(cfg.ChatID)
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "telegram_sender"),
		queue:  make(chan eventhandler.Notification, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if len(cfg.Kinds) > 0 {
		s.kinds = make(map[eventhandler.NotificationKind]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			s.kinds[k] = true
		}
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Send implements eventhandler.Sender. It queues the notification and
// returns at once; a full queue drops it.
func (s *Sender) Send(_ context.Context, n eventhandler.Notification) error {
	if s.kinds != nil && !s.kinds[n.Kind] {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSenderStopped
	}
	select {
	case s.queue <- n:
	default:
		s.stats.Dropped++
		s.logger.Warn("telegram queue full, notification dropped",
			"session_id", n.SessionID,
			"kind", n.Kind,
			"queue_size", s.cfg.QueueSize,
		)
	}
	return nil
}

func (s *Sender) run() {
	defer s.wg.Done()
	for n := range s.queue {
		s.deliver(n)
	}
}

func (s *Sender) deliver(n eventhandler.Notification) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendTimeout)
	defer cancel()

	// step completions are frequent; only milestones and endings ring
	silent := n.Kind == eventhandler.NotifyStepCompleted
	_, err := s.client.SendMessage(ctx, s.cfg.ChatID, Format(n), silent)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.Failed++
		s.logger.Warn("telegram notification failed",
			"session_id", n.SessionID,
			"kind", n.Kind,
			"error", err,
		)
		return
	}
	s.stats.Sent++
}

// Stop refuses new notifications and waits for the queue to drain. When ctx
// ends first, in-flight calls are cancelled and the rest fail fast.
func (s *Sender) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-drained
		return ctx.Err()
	}
}

// Stats returns the delivery counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.queue)
	return st
}

// Format renders a notification as Telegram HTML.
func Format(n eventhandler.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(n.Title))
	if n.Body != "" {
		b.WriteString(html.EscapeString(n.Body))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "<i>learner %s · session %s</i>",
		html.EscapeString(n.LearnerID), html.EscapeString(n.SessionID))
	return b.String()
}

var _ eventhandler.Sender = (*Sender)(nil)
