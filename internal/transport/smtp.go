package transport

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender delivers EMAIL campaigns through an SMTP relay.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	Body     string

	SendMail SendMailFunc
}

func NewSMTPSender(host string, port int, username, password, from, subject, body string) *SMTPSender {
	return &SMTPSender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		Subject:  subject,
		Body:     body,
		SendMail: smtp.SendMail,
	}
}

func (s *SMTPSender) Send(ctx context.Context, campaign model.Campaign, lead model.CampaignLead) (Result, error) {
	to := strings.TrimSpace(lead.Email)
	if to == "" {
		return Failed("lead has no email address"), nil
	}
	if strings.ContainsAny(to, "\r\n") {
		return Failed("invalid email address"), nil
	}

	data := LeadPlaceholders(lead)
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.Host)
	msg := buildMessage(s.From, to, messageID,
		RenderTemplate(s.Subject, data), RenderTemplate(s.Body, data))

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)

	sendMail := s.SendMail
	if sendMail == nil {
		sendMail = smtp.SendMail
	}

	done := make(chan error, 1)
	go func() {
		done <- sendMail(addr, auth, s.From, []string{to}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"campaign_id": campaign.ID,
				"lead_id":     lead.LeadID,
			}).WithError(err).Warn("SMTP delivery failed")
			return Failed(err.Error()), nil
		}
	case <-ctx.Done():
		return Failed("smtp send timed out: " + ctx.Err().Error()), nil
	}

	return Sent(model.DeliveryInfo{
		Provider:  "smtp",
		MessageID: messageID,
		Accepted:  []string{to},
	}), nil
}

// headerValue folds a value onto one header line.
func headerValue(v string) string {
	return strings.Join(strings.FieldsFunc(v, func(r rune) bool { return r == '\r' || r == '\n' }), " ")
}

func buildMessage(from, to, messageID, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", headerValue(from))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(to))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerValue(subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

var _ Sender = (*SMTPSender)(nil)
