package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// SendJob is the message handed to the SMS/WhatsApp gateway.
type SendJob struct {
	JobID         string             `json:"job_id"`
	CampaignID    int                `json:"campaign_id"`
	LeadID        int                `json:"lead_id"`
	Channel       model.CampaignType `json:"channel"`
	To            string             `json:"to"`
	ContactPerson string             `json:"contact_person"`
	CompanyName   string             `json:"company_name"`
	Body          string             `json:"body"`
}

// ChannelPublisher is satisfied by *amqp.Channel.
type ChannelPublisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// QueueSender hands SMS and WHATSAPP messages to a gateway through a
// durable RabbitMQ queue. A message counts as sent once the broker accepts it.
type QueueSender struct {
	Channel ChannelPublisher
	Queue   string
	Body    string
}

func NewQueueSender(ch *amqp.Channel, queue, body string) (*QueueSender, error) {
	_, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, err
	}
	return &QueueSender{Channel: ch, Queue: queue, Body: body}, nil
}

func (s *QueueSender) Send(ctx context.Context, campaign model.Campaign, lead model.CampaignLead) (Result, error) {
	to := strings.TrimSpace(lead.Mobile)
	if to == "" {
		return Failed("lead has no mobile number"), nil
	}
	if err := ctx.Err(); err != nil {
		return Failed("send cancelled: " + err.Error()), nil
	}

	data := LeadPlaceholders(lead)
	job := SendJob{
		JobID:         uuid.NewString(),
		CampaignID:    campaign.ID,
		LeadID:        lead.LeadID,
		Channel:       campaign.Type,
		To:            to,
		ContactPerson: data["contact_person"],
		CompanyName:   data["company_name"],
		Body:          RenderTemplate(s.Body, data),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return Result{}, err
	}

	err = s.Channel.Publish(
		"",
		s.Queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.JobID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return Result{}, err
		}
		return Failed("publish to gateway queue: " + err.Error()), nil
	}

	return Sent(model.DeliveryInfo{
		Provider:  "amqp:" + s.Queue,
		MessageID: job.JobID,
		Accepted:  []string{to},
	}), nil
}

var _ Sender = (*QueueSender)(nil)
