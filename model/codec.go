package model

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Job encoding.
//
// A job is a header line followed by one line per field:
//
//	cns-job/1 endpoint
//	message.id "6f1c..."
//	message.subject "hello"
//	subscriber "https" "https://example.com/hook" "arn:...:sub" "raw"
//
// Values are Go-quoted so bodies may hold any byte. Unknown keys are
// ignored. Large jobs are written with a "cns-job/1+zstd" header followed by
// a single base64 line of the zstd-compressed field lines.
const (
	jobVersion       = "cns-job/1"
	jobVersionZstd   = "cns-job/1+zstd"
	jobKindPublish   = "publish"
	jobKindEndpoint  = "endpoint"
	rawDeliveryFlag  = "raw"
	plainDeliveryTag = "plain"
)

// DefaultCompressThreshold is the encoded size above which DefaultCodec
// compresses a job.
const DefaultCompressThreshold = 64 << 10

// Codec errors.
var (
	ErrUnsupportedJobVersion = errors.New("unsupported job version")
	ErrWrongJobKind          = errors.New("unexpected job kind")
	ErrMalformedJob          = errors.New("malformed job")
)

// Codec serializes jobs for the work queues. The zero value never
// compresses.
type Codec struct {
	// CompressThreshold is the encoded size in bytes above which jobs are
	// compressed. Zero disables compression.
	CompressThreshold int
}

// DefaultCodec is the codec used by the producer and consumer unless
// configured otherwise.
var DefaultCodec = Codec{CompressThreshold: DefaultCompressThreshold}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// EncodePublishJob serializes a publish job.
func (c Codec) EncodePublishJob(j PublishJob) (string, error) {
	var w jobWriter
	w.message(j.Message)
	w.line("topic", j.TopicArn)
	return c.finish(jobKindPublish, w.String())
}

// DecodePublishJob parses a publish job.
func (c Codec) DecodePublishJob(s string) (PublishJob, error) {
	var j PublishJob
	err := c.decode(s, jobKindPublish, func(key string, fields []string) error {
		if key == "topic" {
			if len(fields) != 1 {
				return malformed("topic")
			}
			j.TopicArn = fields[0]
			return nil
		}
		return decodeMessageField(&j.Message, key, fields)
	})
	return j, err
}

// EncodeEndpointJob serializes an endpoint publish job.
func (c Codec) EncodeEndpointJob(j EndpointPublishJob) (string, error) {
	var w jobWriter
	w.message(j.Message)
	for _, sub := range j.Subscribers {
		flag := plainDeliveryTag
		if sub.RawMessageDelivery {
			flag = rawDeliveryFlag
		}
		w.line("subscriber", string(sub.Protocol), sub.Endpoint, sub.SubscriptionArn, flag)
	}
	return c.finish(jobKindEndpoint, w.String())
}

// DecodeEndpointJob parses an endpoint publish job.
func (c Codec) DecodeEndpointJob(s string) (EndpointPublishJob, error) {
	var j EndpointPublishJob
	err := c.decode(s, jobKindEndpoint, func(key string, fields []string) error {
		if key == "subscriber" {
			if len(fields) != 4 {
				return malformed("subscriber")
			}
			j.Subscribers = append(j.Subscribers, EndpointSubscriptionInfo{
				Protocol:           Protocol(fields[0]),
				Endpoint:           fields[1],
				SubscriptionArn:    fields[2],
				RawMessageDelivery: fields[3] == rawDeliveryFlag,
			})
			return nil
		}
		return decodeMessageField(&j.Message, key, fields)
	})
	return j, err
}

func (c Codec) finish(kind, body string) (string, error) {
	if c.CompressThreshold <= 0 || len(body) <= c.CompressThreshold {
		return jobVersion + " " + kind + "\n" + body, nil
	}

	enc, _, err := zstdCodecs()
	if err != nil {
		return "", fmt.Errorf("init zstd: %w", err)
	}
	compressed := enc.EncodeAll([]byte(body), nil)
	return jobVersionZstd + " " + kind + "\n" + base64.StdEncoding.EncodeToString(compressed) + "\n", nil
}

func (c Codec) decode(s, wantKind string, field func(key string, fields []string) error) error {
	header, body, _ := strings.Cut(s, "\n")
	version, kind, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok {
		return malformed("header")
	}
	if kind != wantKind {
		return fmt.Errorf("%w: got %q, want %q", ErrWrongJobKind, kind, wantKind)
	}

	switch version {
	case jobVersion:
	case jobVersionZstd:
		compressed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(body))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedJob, err)
		}
		_, dec, err := zstdCodecs()
		if err != nil {
			return fmt.Errorf("init zstd: %w", err)
		}
		plain, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedJob, err)
		}
		body = string(plain)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedJobVersion, version)
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		key, rest, _ := strings.Cut(line, " ")
		fields, err := splitFields(rest)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedJob, key, err)
		}
		if err := field(key, fields); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func decodeMessageField(m *Message, key string, fields []string) error {
	if key == "message.attribute" {
		if len(fields) != 3 {
			return malformed(key)
		}
		if m.Attributes == nil {
			m.Attributes = make(map[string]MessageAttribute)
		}
		m.Attributes[fields[0]] = MessageAttribute{DataType: fields[1], Value: fields[2]}
		return nil
	}

	var target *string
	switch key {
	case "message.id":
		target = &m.ID
	case "message.topic":
		target = &m.TopicArn
	case "message.user":
		target = &m.UserID
	case "message.subject":
		target = &m.Subject
	case "message.structure":
		target = &m.Structure
	case "message.body":
		target = &m.Body
	case "message.timestamp":
		if len(fields) != 1 {
			return malformed(key)
		}
		ts, err := time.Parse(time.RFC3339Nano, fields[0])
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedJob, key, err)
		}
		m.Timestamp = ts
		return nil
	default:
		return nil
	}

	if len(fields) != 1 {
		return malformed(key)
	}
	*target = fields[0]
	return nil
}

func malformed(key string) error {
	return fmt.Errorf("%w: bad %s line", ErrMalformedJob, key)
}

type jobWriter struct {
	b strings.Builder
}

func (w *jobWriter) line(key string, values ...string) {
	w.b.WriteString(key)
	for _, v := range values {
		w.b.WriteByte(' ')
		w.b.WriteString(strconv.Quote(v))
	}
	w.b.WriteByte('\n')
}

func (w *jobWriter) message(m Message) {
	w.line("message.id", m.ID)
	w.line("message.topic", m.TopicArn)
	w.line("message.user", m.UserID)
	if m.Subject != "" {
		w.line("message.subject", m.Subject)
	}
	if m.Structure != "" {
		w.line("message.structure", m.Structure)
	}
	w.line("message.timestamp", m.Timestamp.UTC().Format(time.RFC3339Nano))

	names := make([]string, 0, len(m.Attributes))
	for name := range m.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		attr := m.Attributes[name]
		w.line("message.attribute", name, attr.DataType, attr.Value)
	}

	w.line("message.body", m.Body)
}

func (w *jobWriter) String() string {
	return w.b.String()
}

// splitFields splits a line remainder into quoted or bare fields.
func splitFields(s string) ([]string, error) {
	var fields []string
	for {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			return fields, nil
		}
		if s[0] == '"' {
			quoted, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, err
			}
			v, err := strconv.Unquote(quoted)
			if err != nil {
				return nil, err
			}
			fields = append(fields, v)
			s = s[len(quoted):]
			continue
		}
		end := strings.IndexByte(s, ' ')
		if end < 0 {
			end = len(s)
		}
		fields = append(fields, s[:end])
		s = s[end:]
	}
}
