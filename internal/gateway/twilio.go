// internal/gateway/twilio.go
package gateway

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type TwilioSender struct {
	FromNumber     string
	StatusCallback string
	Client         *twilio.RestClient
}

func NewTwilioSender(accountSid, authToken, fromNumber string) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})
	return &TwilioSender{
		FromNumber: fromNumber,
		Client:     client,
	}
}

type twilioReply struct {
	sid string
	err error
}

// Send runs the REST call in the background so a caller's deadline is
// honoured even though the client itself is not context aware.
func (t *TwilioSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	params := &api.CreateMessageParams{}
	params.SetTo(req.To)
	params.SetFrom(t.FromNumber)
	params.SetBody(req.Body)
	if t.StatusCallback != "" {
		params.SetStatusCallback(t.StatusCallback)
	}

	done := make(chan twilioReply, 1)
	go func() {
		resp, err := t.Client.Api.CreateMessage(params)
		if err != nil {
			done <- twilioReply{err: err}
			return
		}
		if resp.Sid == nil {
			done <- twilioReply{err: fmt.Errorf("twilio returned no message sid")}
			return
		}
		done <- twilioReply{sid: *resp.Sid}
	}()

	select {
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return SendResult{}, r.err
		}
		return SendResult{GatewayMessageID: r.sid}, nil
	}
}
