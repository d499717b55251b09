package restaurant

import "time"

// Restaurant is an owner-operated location enrolled in automated supply
// planning. ID doubles as the location identifier bound into signed requests
// and into on-chain order references.
type Restaurant struct {
	ID           string
	OwnerAddress string
	Name         string
	Autopilot    bool
	Schedule     string
	Preferences  Preferences
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Preferences tune how reorder plans are drafted for a restaurant.
type Preferences struct {
	Strategy    string
	HorizonDays int
	Context     string
}
