package api

type (
	JoinRoomRequest struct {
		Identity
		LocalDevice bool `json:"localDevice,omitempty"`
	}
	JoinRoomNotification struct {
		Identity
	}
	ExitRoomRequest struct {
		Identity
	}
	ErrorNotification struct {
		Seat   SeatIndex `json:"seat"`
		Reason string    `json:"reason"`
	}
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// IceCandidate is a trickled ICE candidate.
type IceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

const (
	SdpOffer  = "offer"
	SdpAnswer = "answer"
)

func (s SessionDescription) IsValid() bool {
	return (s.Type == SdpOffer || s.Type == SdpAnswer) && s.SDP != ""
}

type (
	Point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	Size struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	// InputPayload is a mouse, keyboard or touch event.
	// It is passed through to the input collaborator without interpretation.
	InputPayload struct {
		Action      string `json:"action"`
		Target      string `json:"target"`
		Coordinates *Point `json:"coordinates,omitempty"`
		ScreenSize  *Size  `json:"screenSize,omitempty"`
	}
)
