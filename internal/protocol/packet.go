// Package protocol defines the mesh wire format.
//
// On the wire every packet is a single JSON object (the MeshPacket envelope)
// with a "type" discriminator. In memory the envelope is decoded into one of
// four variants (Hello, Token, Alarm, Message) that carry only the fields
// their kind needs. Unknown JSON fields are ignored; absent optional fields
// are treated as not present.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Operative-001/meshdtn/internal/topology"
)

// Kind is the packet type discriminator.
type Kind string

const (
	KindHello    Kind = "HELLO"
	KindDFSToken Kind = "DFS_TOKEN" // election round
	KindCPLToken Kind = "CPL_TOKEN" // maintenance round
	KindAlarm    Kind = "ALARM"
	KindMessage  Kind = "MESSAGE"
)

// SafetyLevel is the severity attached to every packet.
type SafetyLevel string

const (
	Safe    SafetyLevel = "SAFE"
	Warning SafetyLevel = "WARNING"
	Danger  SafetyLevel = "DANGER"
)

var (
	ErrUnknownType  = errors.New("protocol: unknown packet type")
	ErrMissingField = errors.New("protocol: missing required field")
)

// Header holds the fields shared by every packet kind.
type Header struct {
	Source     string // originator of an election round, or of the packet
	Sender     string // immediate relay hop
	SenderName string // advisory display name of Sender, may be empty
	Timestamp  int64  // unix milliseconds
	Safety     SafetyLevel
}

// Packet is implemented by Hello, Token, Alarm and Message.
type Packet interface {
	Kind() Kind
	Hdr() *Header
}

// Hello announces a node's identity on a freshly opened link.
type Hello struct {
	Header
}

// Token carries an election (DFS_TOKEN) or maintenance (CPL_TOKEN) round
// together with the tree built so far.
type Token struct {
	Header
	Maintenance bool
	Tree        *topology.Tree
}

// Round returns the round this token belongs to.
func (t *Token) Round() topology.Round {
	return topology.Round{Timestamp: t.Timestamp, Source: t.Source}
}

// Alarm is a flooded safety notice.
type Alarm struct {
	Header
	Text string
}

// Message carries a bundle toward its destination.
type Message struct {
	Header
	Bundle Bundle
	TTL    int // remaining relay hops; 0 means unset
}

func (*Hello) Kind() Kind { return KindHello }
func (t *Token) Kind() Kind {
	if t.Maintenance {
		return KindCPLToken
	}
	return KindDFSToken
}
func (*Alarm) Kind() Kind   { return KindAlarm }
func (*Message) Kind() Kind { return KindMessage }

func (h *Header) Hdr() *Header { return h }

// envelope is the flat wire record.
type envelope struct {
	Type         Kind           `json:"type"`
	SourceID     string         `json:"sourceId"`
	SenderID     string         `json:"senderId"`
	SenderName   string         `json:"senderName,omitempty"`
	Timestamp    int64          `json:"timestamp"`
	SafetyLevel  SafetyLevel    `json:"safetyLevel,omitempty"`
	TreeSnapshot *topology.Tree `json:"treeSnapshot,omitempty"`
	AlarmText    *string        `json:"alarmText,omitempty"`
	Bundle       *Bundle        `json:"bundle,omitempty"`
	TTL          int            `json:"ttl,omitempty"`
}

// Encode serialises p into its wire form.
func Encode(p Packet) ([]byte, error) {
	h := p.Hdr()
	env := envelope{
		Type:        p.Kind(),
		SourceID:    h.Source,
		SenderID:    h.Sender,
		SenderName:  h.SenderName,
		Timestamp:   h.Timestamp,
		SafetyLevel: h.Safety,
	}
	if env.SafetyLevel == "" {
		env.SafetyLevel = Safe
	}
	switch v := p.(type) {
	case *Hello:
	case *Token:
		if v.Tree == nil {
			return nil, fmt.Errorf("%w: treeSnapshot", ErrMissingField)
		}
		env.TreeSnapshot = v.Tree
	case *Alarm:
		text := v.Text
		env.AlarmText = &text
	case *Message:
		b := v.Bundle
		env.Bundle = &b
		env.TTL = v.TTL
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, p)
	}
	return json.Marshal(env)
}

// Decode parses a wire record into its packet variant.
func Decode(b []byte) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}
	if env.SenderID == "" {
		return nil, fmt.Errorf("%w: senderId", ErrMissingField)
	}
	h := Header{
		Source:     env.SourceID,
		Sender:     env.SenderID,
		SenderName: env.SenderName,
		Timestamp:  env.Timestamp,
		Safety:     env.SafetyLevel,
	}
	if h.Safety == "" {
		h.Safety = Safe
	}

	switch env.Type {
	case KindHello:
		return &Hello{Header: h}, nil

	case KindDFSToken, KindCPLToken:
		if env.TreeSnapshot == nil {
			return nil, fmt.Errorf("%w: treeSnapshot", ErrMissingField)
		}
		if env.SourceID == "" {
			return nil, fmt.Errorf("%w: sourceId", ErrMissingField)
		}
		return &Token{Header: h, Maintenance: env.Type == KindCPLToken, Tree: env.TreeSnapshot}, nil

	case KindAlarm:
		a := &Alarm{Header: h}
		if env.AlarmText != nil {
			a.Text = *env.AlarmText
		}
		return a, nil

	case KindMessage:
		if env.Bundle == nil {
			return nil, fmt.Errorf("%w: bundle", ErrMissingField)
		}
		if env.Bundle.ID == "" || env.Bundle.DestinationID == "" {
			return nil, fmt.Errorf("%w: bundle id/destination", ErrMissingField)
		}
		return &Message{Header: h, Bundle: *env.Bundle, TTL: env.TTL}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}
