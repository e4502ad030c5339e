// Package transport delivers one campaign message to one lead.
//
// Senders report ordinary delivery failures as a FAILED Result with a nil
// error. A non-nil error means the sender itself is unusable and the caller
// should stop sending for now.
package transport

import (
	"context"
	"fmt"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type Result struct {
	Status model.AssignmentStatus
	Extra  model.ExtraData
}

func Sent(info model.DeliveryInfo) Result {
	return Result{Status: model.AssignmentSent, Extra: model.DeliveryExtra(info)}
}

func Failed(detail string) Result {
	return Result{Status: model.AssignmentFailed, Extra: model.ErrorExtra(detail)}
}

type Sender interface {
	Send(ctx context.Context, campaign model.Campaign, lead model.CampaignLead) (Result, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, campaign model.Campaign, lead model.CampaignLead) (Result, error)

func (f SenderFunc) Send(ctx context.Context, campaign model.Campaign, lead model.CampaignLead) (Result, error) {
	return f(ctx, campaign, lead)
}

// Router picks a sender by campaign type.
type Router struct {
	senders map[model.CampaignType]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[model.CampaignType]Sender)}
}

func (r *Router) Handle(t model.CampaignType, s Sender) *Router {
	r.senders[t] = s
	return r
}

func (r *Router) Send(ctx context.Context, campaign model.Campaign, lead model.CampaignLead) (Result, error) {
	s, ok := r.senders[campaign.Type]
	if !ok {
		return Result{}, fmt.Errorf("no sender configured for campaign type %q", campaign.Type)
	}
	return s.Send(ctx, campaign, lead)
}

var _ Sender = (*Router)(nil)
