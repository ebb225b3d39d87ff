package models

import (
	"time"
)

// Assignment grants a user access to a vehicle for an interval.
type Assignment struct {
	ID        string     `json:"id" bson:"_id"`
	UserID    string     `json:"user_id" bson:"user_id"`
	VehicleID string     `json:"vehicle_id" bson:"vehicle_id"`
	StartDate time.Time  `json:"start_date" bson:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty" bson:"end_date,omitempty"`
}

// ActiveAt reports whether the assignment has not ended at t.
func (a *Assignment) ActiveAt(t time.Time) bool {
	return a.EndDate == nil || a.EndDate.After(t)
}

// Overlaps reports whether two assignments share any instant. An open end date
// extends to infinity.
func (a *Assignment) Overlaps(b *Assignment) bool {
	aEndsAfterBStarts := a.EndDate == nil || a.EndDate.After(b.StartDate)
	bEndsAfterAStarts := b.EndDate == nil || b.EndDate.After(a.StartDate)
	return aEndsAfterBStarts && bEndsAfterAStarts
}

// AssignmentRequest shares a vehicle with a user.
type AssignmentRequest struct {
	UserID    string     `json:"user_id"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}
