// Package pointer defines the queue message that announces a staged raw
// payload, and the typed source tag that selects how it is normalized.
package pointer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Source identifies the external feed that produced a staged payload.
type Source string

const (
	// SourceOpenAQ is the air-quality measurement feed.
	SourceOpenAQ Source = "openaq"
	// SourceINaturalist is the biodiversity observation feed.
	SourceINaturalist Source = "inaturalist"
)

// KeyTimeLayout is the compact UTC timestamp used in staging keys and the ts field.
const KeyTimeLayout = "20060102T150405Z"

// ErrMalformedPointer marks a message that cannot be interpreted as a pointer.
var ErrMalformedPointer = errors.New("malformed pointer message")

// Known reports whether s has a normalization strategy.
func (s Source) Known() bool {
	switch s {
	case SourceOpenAQ, SourceINaturalist:
		return true
	default:
		return false
	}
}

// KeyPrefix returns the first path segment of staging keys for s.
func (s Source) KeyPrefix() string {
	if s == SourceINaturalist {
		return "inat"
	}
	return string(s)
}

// Message is the wire shape published after a payload is staged.
type Message struct {
	Source   Source `json:"source"`
	S3Bucket string `json:"s3_bucket"`
	S3Key    string `json:"s3_key"`
	Records  int    `json:"records"`
	TS       string `json:"ts"`
}

// NewMessage builds the pointer for a payload staged at stagedAt.
func NewMessage(source Source, bucket string, stagedAt time.Time, records int) Message {
	ts := stagedAt.UTC().Format(KeyTimeLayout)
	return Message{
		Source:   source,
		S3Bucket: bucket,
		S3Key:    fmt.Sprintf("%s/raw/%s.json", source.KeyPrefix(), ts),
		Records:  records,
		TS:       ts,
	}
}

// Encode marshals m into its JSON wire form.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode validates and parses a pointer body. A missing source defaults to
// SourceOpenAQ. Unknown fields are ignored; trailing JSON values are not.
// Every failure wraps ErrMalformedPointer.
func Decode(raw []byte) (Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Message{}, fmt.Errorf("%w: empty message payload", ErrMalformedPointer)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: decode failed: %v", ErrMalformedPointer, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: multiple JSON values are not allowed", ErrMalformedPointer)
	}

	msg.Source = Source(strings.ToLower(strings.TrimSpace(string(msg.Source))))
	msg.S3Bucket = strings.TrimSpace(msg.S3Bucket)
	msg.S3Key = strings.TrimSpace(msg.S3Key)

	if msg.Source == "" {
		msg.Source = SourceOpenAQ
	}
	if msg.S3Bucket == "" {
		return Message{}, fmt.Errorf("%w: s3_bucket is required", ErrMalformedPointer)
	}
	if msg.S3Key == "" {
		return Message{}, fmt.Errorf("%w: s3_key is required", ErrMalformedPointer)
	}
	return msg, nil
}
