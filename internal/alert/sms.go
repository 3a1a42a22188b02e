package alert

import (
	"context"
	"errors"
	"fmt"

	"uptime/internal/config"
	"uptime/internal/logger"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// SMSSender sends text messages through the Twilio REST API.
type SMSSender struct {
	api     messageCreator
	from    string
	limiter *rate.Limiter
}

// NewSMSSender builds the Twilio client once; rps bounds outbound sends.
func NewSMSSender(cfg config.SMSConfig) *SMSSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newSMSSender(client.Api, cfg.From, cfg.RateLimit)
}

func newSMSSender(api messageCreator, from string, rps float64) *SMSSender {
	if rps <= 0 {
		rps = 1
	}
	return &SMSSender{
		api:     api,
		from:    from,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (s *SMSSender) Send(ctx context.Context, address, message string) error {
	if address == "" {
		return errors.New("empty phone number")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sms rate limit: %w", err)
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(address)
	params.SetFrom(s.from)
	params.SetBody(message)

	type result struct {
		msg *openapi.ApiV2010Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.api.CreateMessage(params)
		done <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("twilio send: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("twilio send failed: %w", r.err)
		}
		if r.msg != nil && r.msg.Sid != nil {
			logger.Debug("SMS accepted by Twilio", zap.String("sid", *r.msg.Sid))
		}
		return nil
	}
}
