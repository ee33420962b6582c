package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	return &twilioApi.ApiV2010Message{}, f.err
}

func TestClient_Notify(t *testing.T) {
	api := &fakeAPI{}
	c := &Client{api: api, fromWhats: "whatsapp:+15550000000", operator: "+15551112222"}

	if err := c.Notify(context.Background(), "run done"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.params) != 1 {
		t.Fatalf("expected 1 message, got %d", len(api.params))
	}
	p := api.params[0]
	if *p.To != "whatsapp:+15551112222" || *p.From != "whatsapp:+15550000000" || *p.Body != "run done" {
		t.Errorf("unexpected params to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}
}

func TestClient_SendMessageError(t *testing.T) {
	c := &Client{api: &fakeAPI{err: errors.New("401")}, fromWhats: "whatsapp:+1", operator: "+2"}
	if err := c.Notify(context.Background(), "x"); err == nil {
		t.Error("expected error")
	}
}

func TestNewClient_MissingConfig(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	t.Setenv("OUTREACH_OPERATOR_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("whatsapp:+1")); err == nil {
		t.Error("expected error without operator number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("whatsapp:+1"), WithOperator("+2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.operator != "+2" {
		t.Errorf("operator = %q", c.operator)
	}
}

func TestMockClient_Notify(t *testing.T) {
	mock := NewMockClient()
	if err := mock.Notify(context.Background(), "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("unexpected messages %+v", mock.SentMessages)
	}
}
