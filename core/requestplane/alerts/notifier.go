package alerts

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/domodwyer/mailyak/v3"

	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/bus"
)

// watchInterval is the poll period for DLQ depth and breaker state
const watchInterval = time.Minute

// Sender delivers one rendered alert
type Sender interface {
	Send(subject, body string) error
}

// smtpSender sends alerts over SMTP
type smtpSender struct {
	config requestplane.AlertConfig
}

func (s *smtpSender) Send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)

	var auth smtp.Auth
	if s.config.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.config.SMTPUsername, s.config.SMTPPassword, s.config.SMTPHost)
	}

	mail := mailyak.New(addr, auth)
	mail.From(s.config.FromAddress)
	mail.To(s.config.ToAddresses...)
	mail.Subject(subject)
	mail.Plain().Set(body)
	return mail.Send()
}

// Notifier emails operators about conditions that need a human: dead-letter
// growth and tripped store breakers. Alerts are throttled per key so a
// sustained failure does not flood the inbox.
type Notifier struct {
	config requestplane.AlertConfig
	bus    *bus.Bus
	sender Sender

	breakers map[string]*requestplane.CircuitBreaker

	lastSent  map[string]time.Time
	lastDepth map[string]int64
	mu        sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates the notifier
func New(config requestplane.AlertConfig, b *bus.Bus) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())

	return &Notifier{
		config:    config,
		bus:       b,
		sender:    &smtpSender{config: config},
		breakers:  make(map[string]*requestplane.CircuitBreaker),
		lastSent:  make(map[string]time.Time),
		lastDepth: make(map[string]int64),
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.Default(),
	}
}

// WatchBreaker adds a circuit breaker to the open-state watch
func (n *Notifier) WatchBreaker(name string, cb *requestplane.CircuitBreaker) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.breakers[name] = cb
}

// Start begins the watch loop
func (n *Notifier) Start() {
	if !n.config.Enabled {
		return
	}
	n.logger.Printf("[Alerts] Starting ops notifier (to %s, throttle %s)",
		strings.Join(n.config.ToAddresses, ", "), n.config.Throttle)

	n.wg.Add(1)
	go n.run()
}

// Stop stops the watch loop
func (n *Notifier) Stop() {
	n.cancel()
	n.wg.Wait()
}

func (n *Notifier) run() {
	defer n.wg.Done()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.sweep()
		}
	}
}

// sweep checks every watched condition once
func (n *Notifier) sweep() {
	for _, kind := range bus.StreamKinds {
		depth, err := n.bus.StreamLen(bus.DLQName(kind))
		if err != nil {
			continue
		}
		n.checkDLQ(kind, depth)
	}

	n.mu.Lock()
	breakers := make(map[string]*requestplane.CircuitBreaker, len(n.breakers))
	for k, v := range n.breakers {
		breakers[k] = v
	}
	n.mu.Unlock()

	for name, cb := range breakers {
		if cb.State() == requestplane.BreakerOpen {
			n.Notify("breaker:"+name,
				fmt.Sprintf("[agentplane] circuit open: %s", name),
				fmt.Sprintf("The %s circuit breaker is open. Calls to the backing store are being rejected and the plane is running degraded.\n\nState: %v\n", name, cb.Stats()))
		}
	}
}

// checkDLQ alerts when a dead-letter queue has grown since the last sweep
func (n *Notifier) checkDLQ(kind string, depth int64) {
	n.mu.Lock()
	prev := n.lastDepth[kind]
	n.lastDepth[kind] = depth
	n.mu.Unlock()

	if depth == 0 || depth <= prev {
		return
	}

	n.Notify("dlq:"+kind,
		fmt.Sprintf("[agentplane] DLQ growth on %s", kind),
		fmt.Sprintf("The dead-letter queue for %s grew from %d to %d envelopes.\n\nInspect with the admin DLQ endpoints and requeue once the consumer is fixed.\n", kind, prev, depth))
}

// Notify sends one alert, throttled per key
func (n *Notifier) Notify(key, subject, body string) {
	n.mu.Lock()
	last, ok := n.lastSent[key]
	if ok && time.Since(last) < n.config.Throttle {
		n.mu.Unlock()
		return
	}
	n.lastSent[key] = time.Now()
	n.mu.Unlock()

	if err := n.sender.Send(subject, body); err != nil {
		n.logger.Printf("[Alerts] Failed to send %q: %v", subject, err)
		return
	}
	n.logger.Printf("[Alerts] Sent %q", subject)
}
