package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Status is the lifecycle state of an assignment.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAssigned  Status = "ASSIGNED"
	StatusAccepted  Status = "ACCEPTED"
	StatusPickedUp  Status = "PICKED_UP"
	StatusInTransit Status = "IN_TRANSIT"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// linear is the happy-path order; CANCELLED and FAILED sit outside it.
var linear = []Status{StatusPending, StatusAssigned, StatusAccepted, StatusPickedUp, StatusInTransit, StatusDelivered}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusFailed
}

// Rank is the position of s in the linear lifecycle, -1 for CANCELLED/FAILED/unknown.
func (s Status) Rank() int {
	for i, l := range linear {
		if l == s {
			return i
		}
	}
	return -1
}

// Next returns the state that directly follows s on the linear path.
func (s Status) Next() (Status, bool) {
	r := s.Rank()
	if r < 0 || r+1 >= len(linear) {
		return "", false
	}
	return linear[r+1], true
}

func ParseStatus(v string) (Status, bool) {
	s := Status(v)
	switch s {
	case StatusPending, StatusAssigned, StatusAccepted, StatusPickedUp,
		StatusInTransit, StatusDelivered, StatusCancelled, StatusFailed:
		return s, true
	}
	return "", false
}

// Assignment binds one order to at most one delivery partner.
type Assignment struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"order_id"`
	PartnerID     string     `json:"partner_id,omitempty"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
	PickedUpAt    *time.Time `json:"picked_up_at,omitempty"`
	InTransitAt   *time.Time `json:"in_transit_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Version       int64      `json:"version"`
}

func (a *Assignment) Clone() *Assignment {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Order is the slice of order metadata the dispatcher needs.
type Order struct {
	ID      string `json:"id"`
	ShopID  string `json:"shop_id,omitempty"`
	Pickup  Coord  `json:"pickup"`
	Dropoff Coord  `json:"dropoff"`
}

// LocationSample is a single position ping from a partner device.
type LocationSample struct {
	PartnerID    string    `json:"partner_id"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Timestamp    time.Time `json:"timestamp"`
	Accuracy     *float64  `json:"accuracy,omitempty"`
	Speed        *float64  `json:"speed,omitempty"` // m/s
	Heading      *float64  `json:"heading,omitempty"`
	BatteryLevel *int      `json:"battery_level,omitempty"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

// Moving reports whether the device moves faster than walking pace.
func (s LocationSample) Moving() bool { return s.Speed != nil && *s.Speed > 1.0 }

// PartnerPresence is the live, in-memory view of a partner.
type PartnerPresence struct {
	PartnerID          string          `json:"partner_id"`
	Online             bool            `json:"online"`
	LastLocation       *LocationSample `json:"last_location,omitempty"`
	ActiveAssignmentID string          `json:"active_assignment_id,omitempty"`
	LastSeen           time.Time       `json:"last_seen"`
}

func (p PartnerPresence) Available() bool {
	return p.Online && p.ActiveAssignmentID == ""
}

// Tracking is the latest known state of an assignment, used for queries and
// replayed to late subscribers.
type Tracking struct {
	AssignmentID  string          `json:"assignment_id"`
	Status        Status          `json:"status"`
	PartnerID     string          `json:"partner_id,omitempty"`
	LastLocation  *LocationSample `json:"last_location,omitempty"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

// StatusEvent is published on every committed transition.
type StatusEvent struct {
	AssignmentID string    `json:"assignment_id"`
	OrderID      string    `json:"order_id"`
	PartnerID    string    `json:"partner_id,omitempty"`
	From         Status    `json:"from"`
	Status       Status    `json:"status"`
	Actor        string    `json:"actor,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Version      int64     `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
}

type OfferEvent struct {
	AssignmentID string    `json:"assignment_id"`
	OrderID      string    `json:"order_id"`
	PartnerID    string    `json:"partner_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type LocationEvent struct {
	AssignmentID string    `json:"assignment_id"`
	PartnerID    string    `json:"partner_id"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Accuracy     *float64  `json:"accuracy,omitempty"`
	Speed        *float64  `json:"speed,omitempty"`
	Heading      *float64  `json:"heading,omitempty"`
	Moving       bool      `json:"moving"`
	Timestamp    time.Time `json:"timestamp"`
}

type PresenceEvent struct {
	PartnerID string    `json:"partner_id"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender roles for chat.
const (
	RoleCustomer = "CUSTOMER"
	RolePartner  = "PARTNER"
	RoleAdmin    = "ADMIN"
)

type ChatMessage struct {
	AssignmentID string    `json:"assignment_id"`
	SenderRole   string    `json:"sender_role"`
	SenderID     string    `json:"sender_id,omitempty"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

type Feedback struct {
	AssignmentID string    `json:"assignment_id"`
	Rating       int       `json:"rating"`
	Feedback     string    `json:"feedback,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const PriorityHigh = "HIGH"

type EmergencyAlert struct {
	ID        string    `json:"id"`
	PartnerID string    `json:"partner_id"`
	Type      string    `json:"type"`
	Location  Coord     `json:"location"`
	Priority  string    `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

type Announcement struct {
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type DirectMessage struct {
	PartnerID string    `json:"partner_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
