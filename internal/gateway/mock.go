// internal/gateway/mock.go
package gateway

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// MockSender accepts everything except a random FailureRate share of sends.
type MockSender struct {
	FailureRate float64
}

func (m *MockSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	if m.FailureRate > 0 && rand.Float64() < m.FailureRate {
		return SendResult{}, fmt.Errorf("mock sending failed")
	}
	return SendResult{GatewayMessageID: "mock-" + uuid.NewString()}, nil
}
