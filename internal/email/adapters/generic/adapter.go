package generic

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/memohai/concierge/internal/config"
	"github.com/memohai/concierge/internal/email"
)

const ProviderName email.ProviderName = "smtp"

// Adapter sends over SMTP and receives operator replies over IMAP.
type Adapter struct {
	smtp   config.SMTPConfig
	imap   config.IMAPConfig
	logger *slog.Logger
}

func New(log *slog.Logger, smtpCfg config.SMTPConfig, imapCfg config.IMAPConfig) *Adapter {
	return &Adapter{
		smtp:   smtpCfg,
		imap:   imapCfg,
		logger: log.With(slog.String("adapter", "smtp")),
	}
}

// ---- Sender ----

func (a *Adapter) Send(ctx context.Context, msg email.OutboundEmail) (string, error) {
	if strings.TrimSpace(a.smtp.Host) == "" {
		return "", fmt.Errorf("smtp host is not configured")
	}
	from := msg.From
	if from == "" {
		from = a.smtp.Username
	}

	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return "", fmt.Errorf("set from: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return "", fmt.Errorf("set to: %w", err)
	}
	if len(msg.Bcc) > 0 {
		if err := m.Bcc(msg.Bcc...); err != nil {
			return "", fmt.Errorf("set bcc: %w", err)
		}
	}
	m.Subject(msg.Subject)
	if msg.HTML {
		m.SetBodyString(mail.TypeTextHTML, msg.Body)
		if msg.Text != "" {
			m.AddAlternativeString(mail.TypeTextPlain, msg.Text)
		}
	} else {
		m.SetBodyString(mail.TypeTextPlain, msg.Body)
	}
	m.SetMessageID()

	port := a.smtp.Port
	if port <= 0 {
		port = 587
	}
	opts := []mail.Option{mail.WithPort(port)}
	if a.smtp.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(a.smtp.Username),
			mail.WithPassword(a.smtp.Password),
		)
	}
	switch a.smtp.Security {
	case "tls":
		opts = append(opts, mail.WithSSLPort(false), mail.WithTLSPolicy(mail.TLSMandatory))
	case "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	client, err := mail.NewClient(a.smtp.Host, opts...)
	if err != nil {
		return "", fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}

	return m.GetMessageID(), nil
}

// ---- Receiver (IMAP IDLE + poll fallback) ----

func (a *Adapter) StartReceiving(ctx context.Context, handler email.InboundHandler) (email.Stopper, error) {
	if !a.imap.Enabled || strings.TrimSpace(a.imap.Host) == "" {
		return nil, fmt.Errorf("imap is not configured")
	}
	port := a.imap.Port
	if port <= 0 {
		port = 993
	}
	interval := a.imap.PollIntervalSeconds
	if interval <= 0 {
		interval = 300
	}

	rctx, cancel := context.WithCancel(ctx)
	conn := &imapConn{
		logger:       a.logger,
		host:         a.imap.Host,
		port:         port,
		username:     a.imap.Username,
		password:     a.imap.Password,
		security:     a.imap.Security,
		pollInterval: time.Duration(interval) * time.Second,
		handler:      handler,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go conn.run(rctx)
	return conn, nil
}

type imapConn struct {
	logger       *slog.Logger
	host         string
	port         int
	username     string
	password     string
	security     string
	pollInterval time.Duration
	handler      email.InboundHandler
	cancel       context.CancelFunc
	once         sync.Once
	done         chan struct{}
	lastUID      imap.UID
}

func (c *imapConn) Stop(ctx context.Context) error {
	c.once.Do(func() { c.cancel() })
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *imapConn) run(ctx context.Context) {
	defer close(c.done)
	for {
		if err := c.connectAndReceive(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("imap connection error, retrying in 30s", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *imapConn) dial(opts *imapclient.Options) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	switch c.security {
	case "starttls":
		return imapclient.DialStartTLS(addr, opts)
	case "none":
		return imapclient.DialInsecure(addr, opts)
	default:
		return imapclient.DialTLS(addr, opts)
	}
}

func (c *imapConn) connectAndReceive(ctx context.Context) error {
	newMailCh := make(chan struct{}, 1)
	notifyNewMail := func() {
		select {
		case newMailCh <- struct{}{}:
		default:
		}
	}

	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: c.host},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					notifyNewMail()
				}
			},
		},
	}
	client, err := c.dial(opts)
	if err != nil {
		return fmt.Errorf("dial imap (%s): %w", c.security, err)
	}
	defer client.Close()

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		return fmt.Errorf("imap login: %w", err)
	}
	defer client.Logout()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("select inbox: %w", err)
	}

	c.logger.Info("imap connected", slog.String("host", c.host), slog.Int("port", c.port))
	c.fetchNewMessages(ctx, client)

	idleCmd, idleErr := client.Idle()
	if idleErr != nil {
		c.logger.Warn("IDLE not supported, falling back to polling", slog.Any("error", idleErr))
		return c.pollLoop(ctx, client)
	}

	// Some servers accept IDLE but never push EXISTS, so check periodically as well.
	checkInterval := c.pollInterval
	if checkInterval > 2*time.Minute {
		checkInterval = 2 * time.Minute
	}

	for {
		select {
		case <-ctx.Done():
			_ = idleCmd.Close()
			return nil
		case <-newMailCh:
		case <-time.After(checkInterval):
		}
		_ = idleCmd.Close()
		c.fetchNewMessages(ctx, client)
		idleCmd, idleErr = client.Idle()
		if idleErr != nil {
			return c.pollLoop(ctx, client)
		}
	}
}

func (c *imapConn) pollLoop(ctx context.Context, client *imapclient.Client) error {
	for {
		c.fetchNewMessages(ctx, client)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.pollInterval):
		}
	}
}

// fetchNewMessages walks UIDs above the last seen one. The first pass only records the
// high-water mark so replies that predate startup are not relayed.
func (c *imapConn) fetchNewMessages(ctx context.Context, client *imapclient.Client) {
	var uidSet imap.UIDSet
	if c.lastUID > 0 {
		uidSet.AddRange(c.lastUID+1, 0)
	} else {
		uidSet.AddRange(1, 0)
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	isFirstRun := c.lastUID == 0
	processed := 0

	for {
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil || buf.Envelope == nil {
			continue
		}
		if buf.UID <= c.lastUID {
			continue
		}
		c.lastUID = buf.UID
		if isFirstRun {
			continue
		}

		inbound := toInbound(buf)
		processed++
		if err := c.handler(ctx, inbound); err != nil {
			c.logger.Error("inbound handler failed", slog.Any("error", err))
		}
	}

	if processed > 0 {
		c.logger.Info("imap fetch completed", slog.Int("processed", processed), slog.Uint64("last_uid", uint64(c.lastUID)))
	}
}

// toInbound prefers the parsed MIME body and falls back to the envelope.
func toInbound(buf *imapclient.FetchMessageBuffer) email.InboundEmail {
	env := buf.Envelope
	var inbound email.InboundEmail
	if len(buf.BodySection) > 0 {
		if parsed, err := email.ParseMessage(buf.BodySection[0].Bytes); err == nil {
			inbound = parsed
		} else {
			inbound.BodyText = string(buf.BodySection[0].Bytes)
		}
	}
	if inbound.Subject == "" {
		inbound.Subject = env.Subject
	}
	if inbound.MessageID == "" {
		inbound.MessageID = env.MessageID
	}
	if inbound.From == "" && len(env.From) > 0 {
		inbound.From = env.From[0].Addr()
	}
	if len(inbound.To) == 0 {
		for _, addr := range env.To {
			inbound.To = append(inbound.To, addr.Addr())
		}
	}
	if inbound.ReceivedAt.IsZero() {
		inbound.ReceivedAt = env.Date
	}
	return inbound
}

var (
	_ email.Sender   = (*Adapter)(nil)
	_ email.Receiver = (*Adapter)(nil)
)
