package transport

import (
	"context"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// MockSender simulates a provider that accepts SuccessRate of messages.
// Used when no real transport is configured.
type MockSender struct {
	SuccessRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewMockSender(successRate float64, seed int64) *MockSender {
	return &MockSender{SuccessRate: successRate, rnd: rand.New(rand.NewSource(seed))}
}

func (m *MockSender) Send(ctx context.Context, campaign model.Campaign, lead model.CampaignLead) (Result, error) {
	m.mu.Lock()
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(1))
	}
	r := m.rnd.Float64()
	m.mu.Unlock()

	if r >= m.SuccessRate {
		return Failed("mock sending failed"), nil
	}
	return Sent(model.DeliveryInfo{Provider: "mock", MessageID: uuid.NewString()}), nil
}

var _ Sender = (*MockSender)(nil)
