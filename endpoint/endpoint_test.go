package endpoint

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/coregx/cns/model"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(model.ProtocolRedis, RedisFactory(&fakeRedis{}, false))

	p, err := r.New(model.ProtocolRedis)
	require.NoError(t, err)
	assert.IsType(t, &RedisPublisher{}, p)

	_, err = r.New(model.Protocol("sms"))
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)

	assert.Equal(t, []model.Protocol{model.ProtocolRedis}, r.Protocols())
}

func TestRegistry_FreshPublisherPerCall(t *testing.T) {
	r := NewRegistry()
	r.Register(model.ProtocolHTTP, NewHTTPTransport().Factory())

	a, err := r.New(model.ProtocolHTTP)
	require.NoError(t, err)
	b, err := r.New(model.ProtocolHTTP)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
}

func TestHTTPPublisher_Send(t *testing.T) {
	var gotBody, gotType, gotTopic string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotType = r.Header.Get(HeaderMessageType)
		gotTopic = r.Header.Get(HeaderTopicArn)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	p := NewHTTPTransport().Factory()()
	p.SetEndpoint(server.URL + "/hook")
	p.SetMessage(`{"Type":"Notification"}`)
	hs, ok := p.(HeaderSetter)
	require.True(t, ok)
	hs.SetHeader(HeaderMessageType, "Notification")
	hs.SetHeader(HeaderTopicArn, "arn:topic")

	require.NoError(t, p.Send(context.Background()))
	assert.Equal(t, `{"Type":"Notification"}`, gotBody)
	assert.Equal(t, "Notification", gotType)
	assert.Equal(t, "arn:topic", gotTopic)
}

func TestHTTPPublisher_Non2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewHTTPTransport().Factory()()
	p.SetEndpoint(server.URL)

	err := p.Send(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestHTTPPublisher_InvalidEndpoint(t *testing.T) {
	p := NewHTTPTransport().Factory()()
	p.SetEndpoint("not a url")

	assert.Error(t, p.Send(context.Background()))
}

func TestHTTPPublisher_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	transport := NewHTTPTransport(WithBreakerSettings(gobreaker.Settings{
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))

	for i := 0; i < 4; i++ {
		p := transport.Factory()()
		p.SetEndpoint(server.URL)
		err := p.Send(context.Background())
		require.Error(t, err)
		if i >= 2 {
			assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		}
	}

	assert.Equal(t, int32(2), calls.Load(), "open breaker stops requests")
}

func TestEmailPublisher_Send(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	sendMail := func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}

	transport, err := NewEmailTransport(SMTPConfig{Host: "mail.local", Port: 2525, From: "CNS <cns@example.com>"}, WithSendMail(sendMail))
	require.NoError(t, err)

	p := transport.Factory(true)()
	p.SetEndpoint("alice@example.com")
	p.SetSubject("Order placed")
	p.SetUser(User{ID: "42"})
	p.SetMessage("line1\nline2")

	require.NoError(t, p.Send(context.Background()))
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, "cns@example.com", gotFrom)
	assert.Equal(t, []string{"alice@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Order placed\r\n")
	assert.Contains(t, gotMsg, "Content-Type: application/json")
	assert.Contains(t, gotMsg, "X-Cns-Owner: 42\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "\r\n\r\nline1\r\nline2"))
}

func TestEmailPublisher_Errors(t *testing.T) {
	_, err := NewEmailTransport(SMTPConfig{Port: 25, From: "a@b.c"})
	assert.Error(t, err, "host required")
	_, err = NewEmailTransport(SMTPConfig{Host: "h", Port: 0, From: "a@b.c"})
	assert.Error(t, err, "port required")
	_, err = NewEmailTransport(SMTPConfig{Host: "h", Port: 25, From: "nope"})
	assert.Error(t, err, "from must parse")

	failing := func(string, smtp.Auth, string, []string, []byte) error { return errors.New("421 busy") }
	transport, err := NewEmailTransport(SMTPConfig{Host: "h", Port: 25, From: "a@b.c"}, WithSendMail(failing))
	require.NoError(t, err)

	p := transport.Factory(false)()
	p.SetEndpoint("bad address")
	assert.Error(t, p.Send(context.Background()))

	p.SetEndpoint("bob@example.com")
	assert.ErrorContains(t, p.Send(context.Background()), "421 busy")
}

type mockSQS struct {
	mock.Mock
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*sqs.SendMessageOutput)
	return out, args.Error(1)
}

func TestQueuePublisher_Send(t *testing.T) {
	client := &mockSQS{}
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		return aws.ToString(in.QueueUrl) == "https://sqs.local/123/target" &&
			aws.ToString(in.MessageBody) == "raw body" &&
			aws.ToString(in.MessageAttributes["Subject"].StringValue) == "hi"
	})).Return(&sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil).Once()

	p := QueueFactory(client)()
	p.SetEndpoint("https://sqs.local/123/target")
	p.SetMessage("raw body")
	p.SetSubject("hi")

	require.NoError(t, p.Send(context.Background()))
	client.AssertExpectations(t)
}

func TestQueuePublisher_Error(t *testing.T) {
	client := &mockSQS{}
	client.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("queue does not exist"))

	p := QueueFactory(client)()
	p.SetEndpoint("https://sqs.local/123/missing")

	assert.ErrorContains(t, p.Send(context.Background()), "queue does not exist")
}

type fakeRedis struct {
	channel   string
	message   interface{}
	receivers int64
	err       error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd {
	f.channel = channel
	f.message = message
	return goredis.NewIntResult(f.receivers, f.err)
}

func TestRedisPublisher_Send(t *testing.T) {
	t.Run("delivered", func(t *testing.T) {
		client := &fakeRedis{receivers: 2}
		p := RedisFactory(client, true)()
		p.SetEndpoint("orders")
		p.SetMessage("payload")

		require.NoError(t, p.Send(context.Background()))
		assert.Equal(t, "orders", client.channel)
		assert.Equal(t, "payload", client.message)
	})

	t.Run("no receivers required", func(t *testing.T) {
		p := RedisFactory(&fakeRedis{}, true)()
		p.SetEndpoint("orders")
		assert.ErrorIs(t, p.Send(context.Background()), ErrNoReceivers)
	})

	t.Run("no receivers tolerated", func(t *testing.T) {
		p := RedisFactory(&fakeRedis{}, false)()
		p.SetEndpoint("orders")
		assert.NoError(t, p.Send(context.Background()))
	})

	t.Run("client error", func(t *testing.T) {
		p := RedisFactory(&fakeRedis{err: errors.New("connection refused")}, false)()
		p.SetEndpoint("orders")
		assert.ErrorContains(t, p.Send(context.Background()), "connection refused")
	})
}
