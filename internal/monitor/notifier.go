package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *model.Alert) error
}

// NotifierConfig bounds the delivery queue and retries
type NotifierConfig struct {
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

type delivery struct {
	alert   *model.Alert
	channel NotificationChannel
	attempt int
}

// Notifier delivers alerts to the configured channels from a bounded queue.
// Enqueue never blocks: when the queue is full the notification is dropped
// and logged. Failed sends are retried up to MaxRetries times.
type Notifier struct {
	logger *zap.Logger

	mu       sync.RWMutex
	cfg      NotifierConfig
	channels []NotificationChannel

	queue chan delivery
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewNotifier creates a notifier
func NewNotifier(cfg NotifierConfig, channels []NotificationChannel, logger *zap.Logger) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		logger:   logger.Named("notifier"),
		cfg:      cfg,
		channels: channels,
		queue:    make(chan delivery, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
}

// Start starts the delivery worker
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
}

// Stop stops the delivery worker; undelivered notifications are dropped.
func (n *Notifier) Stop() {
	n.once.Do(func() {
		close(n.stop)
		n.wg.Wait()
	})
}

// Reconfigure replaces the channels and retry settings. The queue size is fixed at construction.
func (n *Notifier) Reconfigure(cfg NotifierConfig, channels []NotificationChannel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cfg.Timeout <= 0 {
		cfg.Timeout = n.cfg.Timeout
	}
	cfg.QueueSize = n.cfg.QueueSize
	n.cfg = cfg
	n.channels = channels
}

// Notify queues the alert for every channel
func (n *Notifier) Notify(alert *model.Alert) {
	n.mu.RLock()
	channels := n.channels
	n.mu.RUnlock()
	for _, ch := range channels {
		n.enqueue(delivery{alert: alert, channel: ch})
	}
}

func (n *Notifier) enqueue(d delivery) bool {
	select {
	case n.queue <- d:
		return true
	default:
		n.logger.Warn("Notification queue full, dropping notification",
			zap.String("alert_id", d.alert.ID),
			zap.String("channel", d.channel.Name()))
		return false
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stop:
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *Notifier) deliver(d delivery) {
	n.mu.RLock()
	cfg := n.cfg
	n.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	err := d.channel.Send(ctx, d.alert)
	cancel()
	if err == nil {
		n.logger.Debug("Notification sent",
			zap.String("alert_id", d.alert.ID),
			zap.String("channel", d.channel.Name()))
		return
	}

	d.attempt++
	if d.attempt > cfg.MaxRetries {
		n.logger.Error("Giving up on notification",
			zap.String("alert_id", d.alert.ID),
			zap.String("channel", d.channel.Name()),
			zap.Int("attempts", d.attempt),
			zap.Error(err))
		return
	}
	n.logger.Warn("Notification failed, retrying",
		zap.String("alert_id", d.alert.ID),
		zap.String("channel", d.channel.Name()),
		zap.Int("attempt", d.attempt),
		zap.Error(err))

	delay := cfg.RetryDelay * time.Duration(d.attempt)
	n.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer n.wg.Done()
		select {
		case <-n.stop:
		default:
			n.enqueue(d)
		}
	})
}

func alertText(alert *model.Alert) string {
	state := "FIRING"
	if alert.ResolvedAt != nil {
		state = "RESOLVED"
	}
	return fmt.Sprintf("[%s][%s] %s: %s", state, strings.ToUpper(string(alert.Severity)), alert.RuleName, alert.Message)
}

// SlackChannel posts alerts to a Slack channel
type SlackChannel struct {
	client    *slack.Client
	channelID string
}

// NewSlackChannel creates a Slack channel with a bot token
func NewSlackChannel(token, channelID string) *SlackChannel {
	return &SlackChannel{client: slack.New(token), channelID: channelID}
}

func (c *SlackChannel) Name() string { return "slack" }

// Send posts the alert
func (c *SlackChannel) Send(ctx context.Context, alert *model.Alert) error {
	_, _, err := c.client.PostMessageContext(ctx, c.channelID, slack.MsgOptionText(alertText(alert), false))
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// DiscordChannel posts alerts to a Discord channel through the REST API
type DiscordChannel struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscordChannel creates a Discord channel with a bot token
func NewDiscordChannel(token, channelID string) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordChannel{session: session, channelID: channelID}, nil
}

func (c *DiscordChannel) Name() string { return "discord" }

// Send posts the alert
func (c *DiscordChannel) Send(ctx context.Context, alert *model.Alert) error {
	_, err := c.session.ChannelMessageSend(c.channelID, alertText(alert), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// WebhookChannel posts the alert as JSON to a URL
type WebhookChannel struct {
	url        string
	httpClient *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{url: url, httpClient: &http.Client{}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

// Send posts the alert
func (c *WebhookChannel) Send(ctx context.Context, alert *model.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailConfig holds SMTP settings
type EmailConfig struct {
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

// EmailChannel sends alerts over SMTP
type EmailChannel struct {
	config EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an email channel
func NewEmailChannel(config EmailConfig) *EmailChannel {
	return &EmailChannel{config: config, send: smtp.SendMail}
}

func (c *EmailChannel) Name() string { return "email" }

// Send mails the alert to all recipients. smtp.SendMail takes no context;
// the notifier's timeout bounds only the wait.
func (c *EmailChannel) Send(ctx context.Context, alert *model.Alert) error {
	if len(c.config.Recipients) == 0 {
		return fmt.Errorf("no email recipients configured")
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}

	// Format email message
	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		c.config.From,
		strings.Join(c.config.Recipients, ", "),
		alertText(alert),
		alert.Message)

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	done := make(chan error, 1)
	go func() {
		done <- c.send(addr, auth, c.config.From, c.config.Recipients, []byte(msg))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
