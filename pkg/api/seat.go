package api

import "strconv"

// SeatIndex identifies a fixed player slot: the host is 0, the others 1..N.
type SeatIndex int

const (
	InvalidSeat SeatIndex = -1
	HostSeat    SeatIndex = 0
)

func (s SeatIndex) IsValid() bool     { return s >= 0 }
func (s SeatIndex) IsHost() bool      { return s == HostSeat }
func (s SeatIndex) SessionId() string { return strconv.Itoa(int(s)) }
func (s SeatIndex) String() string {
	if !s.IsValid() {
		return "invalid"
	}
	return strconv.Itoa(int(s))
}

// Identity binds a transport-level user id to a seat.
// The user id is supplied by the transport and is the trust anchor of the seat.
type Identity struct {
	Seat   SeatIndex `json:"seat"`
	UserId string    `json:"userId"`
}

func (i Identity) IsValid() bool { return i.Seat.IsValid() && i.UserId != "" }

// ConflictsWith reports whether both identities claim the same seat with different users.
func (i Identity) ConflictsWith(o Identity) bool { return i.Seat == o.Seat && i.UserId != o.UserId }

func (i Identity) String() string { return i.Seat.String() + ":" + i.UserId }
