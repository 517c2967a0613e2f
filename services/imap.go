package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"leadpilot/channel"
	"leadpilot/models"
	"leadpilot/utils"
)

// IMAPConfig locates the mailbox that receives email replies.
type IMAPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string
	Mailbox    string
}

// IMAPSource reads email replies from an IMAP mailbox without marking them
// seen.
type IMAPSource struct {
	cfg IMAPConfig
	log *logrus.Entry

	// Breaker guards the IMAP server; nil disables it.
	Breaker channel.Breaker
}

func NewIMAPSource(cfg IMAPConfig) *IMAPSource {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAPSource{cfg: cfg, log: utils.Logger("imap")}
}

func (s *IMAPSource) Name() string {
	return "imap:" + s.cfg.Username
}

func (s *IMAPSource) FetchInbound(ctx context.Context, since time.Time) ([]InboundMessage, error) {
	var out []InboundMessage
	err := channel.Guard(s.Breaker, IMAPService, "imap.fetch", func() error {
		var err error
		out, err = s.fetch(ctx, since)
		return err
	})
	return out, err
}

func (s *IMAPSource) fetch(ctx context.Context, since time.Time) ([]InboundMessage, error) {
	const op = "imap.fetch"
	c, err := s.dial()
	if err != nil {
		return nil, utils.WrapError(utils.KindConnectionFailure, op, err)
	}
	defer c.Logout()

	if err := c.Login(s.cfg.Username, s.cfg.Password); err != nil {
		return nil, utils.WrapError(utils.KindAuthExpired, op, err)
	}
	if _, err := c.Select(s.cfg.Mailbox, true); err != nil {
		return nil, utils.WrapError(utils.KindConnectionFailure, op, fmt.Errorf("select %s: %w", s.cfg.Mailbox, err))
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, utils.WrapError(utils.KindConnectionFailure, op, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{Peek: true}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	var out []InboundMessage
	for msg := range messages {
		if ctx.Err() != nil {
			continue // drain so Fetch can finish
		}
		in, err := ParseIMAPMessage(msg, section)
		if err != nil {
			s.log.WithError(err).WithField("seq", msg.SeqNum).Warn("Skipping unreadable message")
			continue
		}
		out = append(out, in)
	}
	if err := <-done; err != nil {
		return out, utils.WrapError(utils.KindConnectionFailure, op, err)
	}
	return out, ctx.Err()
}

func (s *IMAPSource) dial() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}

	switch strings.ToUpper(s.cfg.Encryption) {
	case "SSL", "TLS":
		return client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err := client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Logout()
			return nil, err
		}
		return c, nil
	default:
		return client.Dial(addr)
	}
}

// ParseIMAPMessage turns a fetched message into an inbound reply. The plain
// text part wins over HTML, and quoted history is cut off.
func ParseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (InboundMessage, error) {
	if msg.Envelope == nil {
		return InboundMessage{}, fmt.Errorf("message %d has no envelope", msg.SeqNum)
	}
	env := msg.Envelope
	in := InboundMessage{
		ExternalID:       env.MessageId,
		ExternalThreadID: env.InReplyTo,
		Channel:          models.ChannelEmail,
		Subject:          env.Subject,
		ReceivedAt:       env.Date,
	}
	if len(env.From) > 0 {
		from := env.From[0]
		in.SenderName = from.PersonalName
		in.SenderEmail = strings.ToLower(from.Address())
	}
	if in.ExternalID == "" {
		return in, fmt.Errorf("message %d has no Message-ID", msg.SeqNum)
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return in, fmt.Errorf("message %d has no body", msg.SeqNum)
	}
	mr, err := mail.CreateReader(literal)
	if err != nil {
		return in, fmt.Errorf("create message reader: %w", err)
	}

	var text, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return in, fmt.Errorf("read part: %w", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return in, fmt.Errorf("read body: %w", err)
		}
		switch {
		case strings.Contains(contentType, "text/plain") && text == "":
			text = string(b)
		case strings.Contains(contentType, "text/html") && html == "":
			html = string(b)
		}
	}
	if text == "" {
		text = html
	}
	in.Body = StripQuotedReply(text)
	return in, nil
}

// StripQuotedReply drops the quoted history mail clients append to replies.
func StripQuotedReply(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") {
			break
		}
		if strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:") {
			break
		}
		if trimmed == "-----Original Message-----" {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
