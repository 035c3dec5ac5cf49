package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate is an immutable WGS84 point. Build it with NewCoordinate when the
// values come from outside the process.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func NewCoordinate(lat, lon float64) (Coordinate, error) {
	if lat < -90 || lat > 90 {
		return Coordinate{}, fmt.Errorf("%w: latitude %f out of range", ErrInvalidCoordinate, lat)
	}
	if lon < -180 || lon > 180 {
		return Coordinate{}, fmt.Errorf("%w: longitude %f out of range", ErrInvalidCoordinate, lon)
	}
	return Coordinate{Latitude: lat, Longitude: lon}, nil
}

// Validate reports whether a decoded coordinate is in range.
func (c Coordinate) Validate() error {
	_, err := NewCoordinate(c.Latitude, c.Longitude)
	return err
}

// DriverCandidate is the dispatch-time snapshot of one driver.
type DriverCandidate struct {
	DriverID  string     `json:"driver_id"`
	Position  Coordinate `json:"position"`
	Available bool       `json:"available"`
}

type RouteQuote struct {
	DriverID    string  `json:"driver_id"`
	DistanceKm  float64 `json:"distance_km"`
	DurationMin int     `json:"duration_min"`
}

type DispatchResult struct {
	WinningDriverID string  `json:"winning_driver_id"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMin     int     `json:"duration_min"`
}

type Driver struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Position  *Coordinate `json:"position,omitempty"`
	Available bool        `json:"available"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Candidate returns the pool entry for d, or false when d has no known position.
func (d Driver) Candidate() (DriverCandidate, bool) {
	if d.Position == nil {
		return DriverCandidate{}, false
	}
	return DriverCandidate{DriverID: d.ID, Position: *d.Position, Available: d.Available}, true
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Role string

const (
	RoleClient Role = "client"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

type DispatchRequest struct {
	ID                   string     `json:"id"`
	ClientID             string     `json:"client_id,omitempty"`
	Pickup               Coordinate `json:"pickup"`
	Status               Status     `json:"status"`
	AssignedDriverID     *string    `json:"assigned_driver_id"`
	EstimatedDurationMin *int       `json:"estimated_duration_min"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so stored requests are never aliased by callers.
func (r *DispatchRequest) Clone() *DispatchRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.AssignedDriverID != nil {
		v := *r.AssignedDriverID
		c.AssignedDriverID = &v
	}
	if r.EstimatedDurationMin != nil {
		v := *r.EstimatedDurationMin
		c.EstimatedDurationMin = &v
	}
	return &c
}

// DriverID returns the assigned driver or "" when none is attached.
func (r *DispatchRequest) DriverID() string {
	if r == nil || r.AssignedDriverID == nil {
		return ""
	}
	return *r.AssignedDriverID
}

type EventType string

const (
	EventAssigned  EventType = "request.assigned"
	EventCompleted EventType = "request.completed"
	EventCancelled EventType = "request.cancelled"
)

// Event is published on the lifecycle topic after a committed transition.
type Event struct {
	Type        EventType `json:"type"`
	RequestID   string    `json:"request_id"`
	DriverID    string    `json:"driver_id,omitempty"`
	Status      Status    `json:"status"`
	DurationMin *int      `json:"estimated_duration_min,omitempty"`
	At          time.Time `json:"at"`
}

// Assignment is what an assigned driver is told about a new request.
type Assignment struct {
	RequestID   string     `json:"request_id"`
	DriverID    string     `json:"driver_id"`
	Pickup      Coordinate `json:"pickup"`
	DurationMin int        `json:"estimated_duration_min"`
	DistanceKm  float64    `json:"distance_km"`
}
