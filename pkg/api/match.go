package api

type (
	MatchRequest struct {
		UserId string   `json:"userId"`
		Mode   string   `json:"mode,omitempty"`
		Seats  int      `json:"seats,omitempty"`
		Tags   []string `json:"tags,omitempty"`
	}
	MatchResponse struct {
		Status
		RoomId string    `json:"roomId,omitempty"`
		Seat   SeatIndex `json:"seat"`
		Host   string    `json:"host,omitempty"`
	}
	CancelMatchRequest struct {
		UserId string `json:"userId"`
	}
	CancelMatchResponse struct {
		Status
	}
	EndGameRequest struct {
		RoomId string `json:"roomId"`
		Reason string `json:"reason,omitempty"`
	}
	EndGameNotification struct {
		RoomId string `json:"roomId"`
		Reason string `json:"reason,omitempty"`
	}
	PodMessageRequest struct {
		To      string `json:"to,omitempty"`
		Message string `json:"message"`
	}
	PodMessageNotification struct {
		From    string `json:"from,omitempty"`
		Message string `json:"message"`
	}
)

// Status is the common part of the matchmaking responses.
type Status struct {
	Ok      bool   `json:"ok"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s Status) GetStatus() Status { return s }
