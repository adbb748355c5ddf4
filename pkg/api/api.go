// Package api defines the wire protocol shared by the session host and its transport.
//
// Each message is a JSON-encoded envelope of the following structure:
//
//	id        - (required) one of the predefined integer message kinds;
//	sessionId - (optional) the seat index for signaling and input messages,
//	            a request id for matchmaking calls;
//	data      - (optional) the serialized payload as a string.
//
// The message ids are bit-exact with the transport side and must not be renumbered.
//
// Example:
//
//	{"id":3,"sessionId":"1","data":"{\"candidate\":\"candidate:1 1 udp 2130706431 ...\",\"sdpMid\":\"0\"}"}
package api

import (
	"errors"
	"strconv"

	"github.com/goccy/go-json"
)

type MessageId int

const (
	ErrorNotify      MessageId = -1
	Offer            MessageId = 1
	Answer           MessageId = 2
	Candidate        MessageId = 3
	MouseInput       MessageId = 4
	KeyboardInput    MessageId = 5
	TouchInput       MessageId = 6
	JoinRoom         MessageId = 10
	ExitRoom         MessageId = 11
	JoinRoomNotify   MessageId = 12
	MatchReq         MessageId = 20
	MatchResp        MessageId = 21
	CancelMatchReq   MessageId = 22
	CancelMatchResp  MessageId = 23
	EndGameReq       MessageId = 24
	EndGameNotify    MessageId = 25
	PodMessageReq    MessageId = 26
	PodMessageNotify MessageId = 27
)

func (m MessageId) String() string {
	switch m {
	case ErrorNotify:
		return "ErrorNotify"
	case Offer:
		return "Offer"
	case Answer:
		return "Answer"
	case Candidate:
		return "Candidate"
	case MouseInput:
		return "MouseInput"
	case KeyboardInput:
		return "KeyboardInput"
	case TouchInput:
		return "TouchInput"
	case JoinRoom:
		return "JoinRoom"
	case ExitRoom:
		return "ExitRoom"
	case JoinRoomNotify:
		return "JoinRoomNotify"
	case MatchReq:
		return "MatchReq"
	case MatchResp:
		return "MatchResp"
	case CancelMatchReq:
		return "CancelMatchReq"
	case CancelMatchResp:
		return "CancelMatchResp"
	case EndGameReq:
		return "EndGameReq"
	case EndGameNotify:
		return "EndGameNotify"
	case PodMessageReq:
		return "PodMessageReq"
	case PodMessageNotify:
		return "PodMessageNotify"
	default:
		return "Unknown(" + strconv.Itoa(int(m)) + ")"
	}
}

// IsSignaling reports whether the message belongs to the offer/answer/candidate exchange.
func (m MessageId) IsSignaling() bool { return m == Offer || m == Answer || m == Candidate }

// IsInput reports whether the message is a high-frequency control input.
func (m MessageId) IsInput() bool { return m == MouseInput || m == KeyboardInput || m == TouchInput }

// Envelope is a single wire message.
type Envelope struct {
	Id        MessageId `json:"id"`
	SessionId string    `json:"sessionId,omitempty"`
	Data      string    `json:"data,omitempty"`
}

var (
	ErrMalformed = errors.New("malformed")
	ErrNoSeat    = errors.New("no seat")
)

// NewEnvelope serializes the payload into an envelope.
// Strings and raw bytes are sent as is.
func NewEnvelope(id MessageId, sessionId string, payload any) (Envelope, error) {
	e := Envelope{Id: id, SessionId: sessionId}
	switch p := payload.(type) {
	case nil:
	case string:
		e.Data = p
	case []byte:
		e.Data = string(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return e, err
		}
		e.Data = string(b)
	}
	return e, nil
}

// Seat returns the seat index addressed by the sessionId field.
func (e Envelope) Seat() (SeatIndex, error) {
	if e.SessionId == "" {
		return InvalidSeat, ErrNoSeat
	}
	v, err := strconv.Atoi(e.SessionId)
	if err != nil || v < 0 {
		return InvalidSeat, ErrNoSeat
	}
	return SeatIndex(v), nil
}

func Encode(e Envelope) ([]byte, error) { return json.Marshal(e) }

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return e, errors.Join(ErrMalformed, err)
	}
	return e, nil
}

// Unwrap decodes the envelope payload into a new T.
func Unwrap[T any](e Envelope) (*T, error) {
	out := new(T)
	if e.Data == "" {
		return nil, ErrMalformed
	}
	if err := json.Unmarshal([]byte(e.Data), out); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return out, nil
}
