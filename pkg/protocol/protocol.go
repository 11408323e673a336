// Package protocol defines the JSON wire envelopes exchanged with the
// realtime backend. Every frame carries a "type" discriminant; the payload
// shape depends on it. Envelopes are immutable once constructed and a fresh
// envelope is built per send.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// AudioTransportBase64JSON embeds audio bytes base64-encoded inside the
	// JSON envelope. Always supported; the compatibility fallback.
	AudioTransportBase64JSON = "base64_json"
	// AudioTransportBinary sends a JSON header frame followed by one binary
	// websocket frame carrying the raw bytes.
	AudioTransportBinary = "binary"

	EncodingPCM16 = "pcm16"
	EncodingMP3   = "mp3"

	ModalityText  = "text"
	ModalityAudio = "audio"
)

// Client → server message types.
const (
	TypeSessionCreate  = "session.create"
	TypeAudioAppend    = "input_audio_buffer.append"
	TypeAudioCommit    = "input_audio_buffer.commit"
	TypeItemCreate     = "conversation.item.create"
	TypeResponseCreate = "response.create"
)

// Server → client message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSessionCreated        = "session.created"
	TypeResponseChunk         = "response.chunk"
	TypeResponseChunkHeader   = "response.chunk_header"
	TypeResponseCompleted     = "response.completed"
	TypeError                 = "error"
)

// DecodeError reports a frame that failed validation. It is distinct from
// transport-level failures: the connection stays up, the frame is rejected.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes one direction of the negotiated audio shape.
// PCM16 is always little-endian signed 16-bit.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// SessionConfig is the client's requested session shape.
type SessionConfig struct {
	Modalities        []string    `json:"modalities"`
	InputAudioFormat  AudioFormat `json:"input_audio_format"`
	OutputAudioFormat AudioFormat `json:"output_audio_format"`
	AudioTransport    string      `json:"audio_transport,omitempty"`
}

// SessionInfo carries the backend-assigned session identity.
type SessionInfo struct {
	ID string `json:"id"`
}

// ContentItem is one entry in a response chunk or conversation item. Type
// is "text" (alias "message") or "audio".
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	AudioB64 string `json:"audio,omitempty"`
	Format   string `json:"format,omitempty"`
}

// Citation is one retrieval source attached to a completed turn.
type Citation struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// ConversationItem is a typed text input item.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentItem `json:"content"`
}

type ClientSessionCreate struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

type ClientAudioAppend struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	// AudioB64 is empty in binary transport mode; Bytes then announces the
	// length of the binary frame that follows.
	AudioB64 string `json:"audio,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
}

type ClientAudioCommit struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type ClientItemCreate struct {
	Type    string           `json:"type"`
	EventID string           `json:"event_id,omitempty"`
	Item    ConversationItem `json:"item"`
}

type ClientResponseCreate struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type ServerConnectionEstablished struct {
	Type string `json:"type"`
}

type ServerSessionCreated struct {
	Type    string      `json:"type"`
	Session SessionInfo `json:"session"`
}

type ServerResponseChunk struct {
	Type    string        `json:"type"`
	Content []ContentItem `json:"content"`
}

// ServerResponseChunkHeader precedes one binary frame carrying audio bytes
// when the session negotiated binary transport.
type ServerResponseChunkHeader struct {
	Type   string `json:"type"`
	Bytes  int    `json:"bytes"`
	Format string `json:"format,omitempty"`
}

type ServerResponseCompleted struct {
	Type      string     `json:"type"`
	Citations []Citation `json:"citations,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}

// NewSessionCreate builds the negotiation envelope sent on connection open.
func NewSessionCreate(cfg SessionConfig) ClientSessionCreate {
	if len(cfg.Modalities) == 0 {
		cfg.Modalities = []string{ModalityText, ModalityAudio}
	}
	if strings.TrimSpace(cfg.AudioTransport) == "" {
		cfg.AudioTransport = AudioTransportBase64JSON
	}
	return ClientSessionCreate{Type: TypeSessionCreate, EventID: newEventID(), Session: cfg}
}

// NewAudioAppend builds a base64 audio batch envelope.
func NewAudioAppend(audioB64 string) ClientAudioAppend {
	return ClientAudioAppend{Type: TypeAudioAppend, EventID: newEventID(), AudioB64: audioB64}
}

// NewAudioAppendHeader builds the header for a binary-transport audio batch.
func NewAudioAppendHeader(n int) ClientAudioAppend {
	return ClientAudioAppend{Type: TypeAudioAppend, EventID: newEventID(), Bytes: n}
}

// NewAudioCommit marks the end of the current turn's audio input.
func NewAudioCommit() ClientAudioCommit {
	return ClientAudioCommit{Type: TypeAudioCommit, EventID: newEventID()}
}

// NewTextItem builds a typed text input item, the fallback path's
// equivalent of a committed audio buffer.
func NewTextItem(text string) ClientItemCreate {
	return ClientItemCreate{
		Type:    TypeItemCreate,
		EventID: newEventID(),
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentItem{{Type: ModalityText, Text: text}},
		},
	}
}

// NewResponseCreate requests generation of the next turn's output.
func NewResponseCreate() ClientResponseCreate {
	return ClientResponseCreate{Type: TypeResponseCreate, EventID: newEventID()}
}

// MessageType peeks the discriminant without decoding the payload.
func MessageType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", badFrame("missing type", "type")
	}
	return typ, nil
}

// DecodeServerMessage decodes and validates one inbound server frame.
// Returns one of the Server* structs. The legacy "response.create" spelling
// for streamed chunks is normalized to ServerResponseChunk; draft backend
// iterations disagreed on the name and this module accepts both inbound.
func DecodeServerMessage(data []byte) (any, error) {
	typ, err := MessageType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeConnectionEstablished:
		return ServerConnectionEstablished{Type: typ}, nil
	case TypeSessionCreated:
		var msg ServerSessionCreated
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid session.created", "")
		}
		return msg, nil
	case TypeResponseChunk, TypeResponseCreate:
		var msg ServerResponseChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.chunk", "")
		}
		msg.Type = TypeResponseChunk
		for i, item := range msg.Content {
			if err := validateContentItem(item, i); err != nil {
				return nil, err
			}
		}
		return msg, nil
	case TypeResponseChunkHeader:
		var msg ServerResponseChunkHeader
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.chunk_header", "")
		}
		if msg.Bytes <= 0 {
			return nil, badFrame("response.chunk_header.bytes must be > 0", "bytes")
		}
		return msg, nil
	case TypeResponseCompleted:
		var msg ServerResponseCompleted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.completed", "")
		}
		return msg, nil
	case TypeError:
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported server message type", "type")
	}
}

func validateContentItem(item ContentItem, index int) error {
	switch strings.TrimSpace(item.Type) {
	case ModalityText, "message":
		return nil
	case ModalityAudio:
		if strings.TrimSpace(item.AudioB64) == "" {
			return badFrame("audio content item without audio payload", fmt.Sprintf("content[%d].audio", index))
		}
		return nil
	default:
		return unsupported("unsupported content item type", fmt.Sprintf("content[%d].type", index))
	}
}

// DecodeClientMessage decodes and validates one client frame. The client
// itself never calls this on its send path; it exists for backends and for
// the loopback servers the session tests run against.
func DecodeClientMessage(data []byte) (any, error) {
	typ, err := MessageType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeSessionCreate:
		var msg ClientSessionCreate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid session.create", "")
		}
		if err := ValidateSessionConfig(msg.Session); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioAppend:
		var msg ClientAudioAppend
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid input_audio_buffer.append", "")
		}
		if strings.TrimSpace(msg.AudioB64) == "" && msg.Bytes <= 0 {
			return nil, badFrame("input_audio_buffer.append requires audio or bytes", "audio")
		}
		return msg, nil
	case TypeAudioCommit:
		var msg ClientAudioCommit
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid input_audio_buffer.commit", "")
		}
		return msg, nil
	case TypeItemCreate:
		var msg ClientItemCreate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid conversation.item.create", "")
		}
		if len(msg.Item.Content) == 0 {
			return nil, badFrame("conversation.item.create requires content", "item.content")
		}
		return msg, nil
	case TypeResponseCreate:
		var msg ClientResponseCreate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.create", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported client message type", "type")
	}
}

// ValidateSessionConfig checks a requested session shape before it goes on
// the wire.
func ValidateSessionConfig(cfg SessionConfig) error {
	if len(cfg.Modalities) == 0 {
		return badFrame("session.modalities is required", "session.modalities")
	}
	for i, m := range cfg.Modalities {
		switch strings.TrimSpace(m) {
		case ModalityText, ModalityAudio:
		default:
			return unsupported("unsupported modality", fmt.Sprintf("session.modalities[%d]", i))
		}
	}
	if err := validateAudioFormat(cfg.InputAudioFormat, "session.input_audio_format"); err != nil {
		return err
	}
	if err := validateAudioFormat(cfg.OutputAudioFormat, "session.output_audio_format"); err != nil {
		return err
	}
	switch strings.TrimSpace(cfg.AudioTransport) {
	case "", AudioTransportBase64JSON, AudioTransportBinary:
		return nil
	default:
		return unsupported("unsupported audio transport", "session.audio_transport")
	}
}

func validateAudioFormat(f AudioFormat, param string) error {
	switch strings.TrimSpace(f.Encoding) {
	case EncodingPCM16, EncodingMP3:
	default:
		return unsupported("unsupported audio encoding", param+".encoding")
	}
	if f.SampleRateHz <= 0 {
		return badFrame("sample_rate_hz must be > 0", param+".sample_rate_hz")
	}
	if f.Channels <= 0 {
		return badFrame("channels must be > 0", param+".channels")
	}
	return nil
}
