package directory

import "time"

// Chapter is a local unit of the association, always anchored to a
// two-letter state code.
type Chapter struct {
	ID        string
	Name      string
	StateCode string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
