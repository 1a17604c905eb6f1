package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

const (
	TwilioSMS      = "sms"
	TwilioWhatsApp = "whatsapp"
)

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioDispatcher sends the rendered alert text to a phone number over SMS
// or WhatsApp.
type TwilioDispatcher struct {
	api     messageCreator
	from    string
	channel string
}

func NewTwilioDispatcher(accountSID, authToken, from, channel string) *TwilioDispatcher {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTwilioDispatcher(client.Api, from, channel)
}

func newTwilioDispatcher(api messageCreator, from, channel string) *TwilioDispatcher {
	if channel != TwilioSMS {
		channel = TwilioWhatsApp
	}
	return &TwilioDispatcher{api: api, from: from, channel: channel}
}

func (d *TwilioDispatcher) Channel() string { return d.channel }

func (d *TwilioDispatcher) Send(ctx context.Context, msg Message, phoneNumber string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(phoneNumber) == "" {
		return fmt.Errorf("empty phone number")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(d.address(d.from))
	params.SetTo(d.address(phoneNumber))
	params.SetBody(msg.Text)

	resp, err := d.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio %s: %w", d.channel, err)
	}
	if resp != nil && resp.ErrorMessage != nil {
		return fmt.Errorf("twilio %s: %s", d.channel, *resp.ErrorMessage)
	}
	return nil
}

func (d *TwilioDispatcher) address(number string) string {
	number = strings.TrimSpace(number)
	if d.channel == TwilioWhatsApp && !strings.HasPrefix(number, "whatsapp:") {
		return "whatsapp:" + number
	}
	return number
}
