package mailer

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
)

type fakeSES struct {
	inputs []*sesv2.SendEmailInput
	fail   map[string]bool
	cancel context.CancelFunc
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.inputs = append(f.inputs, in)
	to := in.Destination.ToAddresses[0]
	if f.cancel != nil {
		f.cancel()
	}
	if f.fail[to] {
		return nil, errors.New("MessageRejected")
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("id-" + to)}, nil
}

func TestSenderAddress(t *testing.T) {
	tests := []struct {
		s    Sender
		want string
	}{
		{Sender{Email: "a@x.com"}, "<a@x.com>"},
		{Sender{Email: "a@x.com", Name: "Ventas"}, `"Ventas" <a@x.com>`},
	}
	for _, tt := range tests {
		if got := tt.s.Address(); got != tt.want {
			t.Errorf("Address(%+v) = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestPlainText(t *testing.T) {
	got := PlainText("<p>Hola   <b>mundo</b></p>\n<br/>adios")
	if got != "Hola mundo adios" {
		t.Errorf("PlainText = %q", got)
	}
}

func TestSESSendBulkCountsFailures(t *testing.T) {
	api := &fakeSES{fail: map[string]bool{"b@x.com": true}}
	s := newSES(api, 0, nil)

	res := s.SendBulk(context.Background(), Sender{Email: "from@x.com", Name: "Shop"}, []Email{
		{Ref: "1", To: "a@x.com", Subject: "Hi", HTML: "<p>one</p>"},
		{Ref: "2", To: "b@x.com", Subject: "Hi", HTML: "<p>two</p>"},
		{Ref: "3", To: "c@x.com", Subject: "Hi", HTML: "<p>three</p>", Text: "custom"},
	})

	if res.Success != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 2 ok 1 failed", res)
	}
	if len(res.Sent) != 2 || res.Sent[0] != "1" || res.Sent[1] != "3" {
		t.Errorf("sent refs = %v", res.Sent)
	}
	if len(res.Errors) != 1 || res.Errors[0].Ref != "2" || res.Errors[0].String() != "b@x.com: MessageRejected" {
		t.Errorf("errors = %+v", res.Errors)
	}

	first := api.inputs[0]
	if aws.ToString(first.FromEmailAddress) != `"Shop" <from@x.com>` {
		t.Errorf("from = %q", aws.ToString(first.FromEmailAddress))
	}
	if got := aws.ToString(first.Content.Simple.Body.Text.Data); got != "one" {
		t.Errorf("derived text = %q", got)
	}
	if got := aws.ToString(api.inputs[2].Content.Simple.Body.Text.Data); got != "custom" {
		t.Errorf("explicit text = %q", got)
	}
}

func TestSESSendBulkStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	api := &fakeSES{cancel: cancel}
	s := newSES(api, 0, nil)

	res := s.SendBulk(ctx, Sender{Email: "f@x.com"}, []Email{
		{Ref: "1", To: "a@x.com"},
		{Ref: "2", To: "b@x.com"},
		{Ref: "3", To: "c@x.com"},
	})
	if len(api.inputs) != 1 {
		t.Fatalf("api calls = %d, want 1", len(api.inputs))
	}
	if res.Success != 1 || res.Failed != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestLogTransport(t *testing.T) {
	res := NewLog(nil).SendBulk(context.Background(), Sender{Email: "f@x.com"}, []Email{{Ref: "a", To: "a@x.com"}})
	if res.Success != 1 || len(res.Sent) != 1 || res.Sent[0] != "a" {
		t.Errorf("result = %+v", res)
	}
}
