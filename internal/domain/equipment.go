package domain

import "time"

// Equipment is the registry metadata for one monitored unit.
type Equipment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Location  string    `json:"location"`
	UpdatedAt time.Time `json:"updated_at"`
}
