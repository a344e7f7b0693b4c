package schema

import (
	"fmt"
	"time"
)

// VenueID is the numeric identifier for a venue.
type VenueID uint16

// SymbolID is the numeric identifier for a symbol.
type SymbolID uint32

// Venue describes a trading venue or broker. Profile names the payload
// dialect ("binance", "zerodha", "ibkr", "paper"); Offset is the venue's
// declared UTC offset, applied to timestamps that carry no zone.
// SessionOpen is the local time of day intraday bars step from.
type Venue struct {
	ID          VenueID
	Name        string
	Profile     string
	Offset      time.Duration
	SessionOpen time.Duration
}

// Bucket returns the start of the tf bar containing t on the venue's grid.
// Daily bars open at local midnight; shorter bars step from the local
// session open.
func (v Venue) Bucket(tf Timeframe, t time.Time) time.Time {
	d := tf.Duration()
	if d == 0 {
		return t
	}
	shift := v.Offset
	if d < 24*time.Hour {
		shift -= v.SessionOpen
	}
	m := (t.UnixNano() + int64(shift)) % int64(d)
	if m < 0 {
		m += int64(d)
	}
	return t.Add(-time.Duration(m)).UTC()
}

// Aligned reports whether t is a tf bar boundary on the venue's grid.
func (v Venue) Aligned(tf Timeframe, t time.Time) bool {
	return tf.Duration() > 0 && v.Bucket(tf, t).Equal(t)
}

// Location returns a fixed zone for the venue's declared offset.
func (v Venue) Location() *time.Location {
	if v.Offset == 0 {
		return time.UTC
	}
	return time.FixedZone(v.Name, int(v.Offset/time.Second))
}

// Symbol describes a tradable instrument on one venue.
type Symbol struct {
	ID      SymbolID
	VenueID VenueID
	Name    string
}

type symbolKey struct {
	venue VenueID
	name  string
}

// Registry stores venue and symbol mappings. It is built once at startup and
// read concurrently afterwards.
type Registry struct {
	venues       []Venue
	symbols      []Symbol
	venueByName  map[string]VenueID
	symbolByName map[symbolKey]SymbolID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		venueByName:  make(map[string]VenueID),
		symbolByName: make(map[symbolKey]SymbolID),
	}
}

// AddVenue registers a new venue and returns its ID. An empty profile
// defaults to the venue name.
func (r *Registry) AddVenue(name, profile string, offset time.Duration) (VenueID, error) {
	if name == "" {
		return 0, fmt.Errorf("venue name is empty")
	}
	if id, ok := r.venueByName[name]; ok {
		return id, fmt.Errorf("venue already exists: %s", name)
	}
	if offset < -14*time.Hour || offset > 14*time.Hour {
		return 0, fmt.Errorf("venue %s offset %s out of range", name, offset)
	}
	if profile == "" {
		profile = name
	}
	id := VenueID(len(r.venues) + 1)
	r.venues = append(r.venues, Venue{ID: id, Name: name, Profile: profile, Offset: offset})
	r.venueByName[name] = id
	return id, nil
}

// SetSessionOpen sets the local time of day the venue's intraday bars
// step from.
func (r *Registry) SetSessionOpen(venue string, open time.Duration) error {
	id, ok := r.venueByName[venue]
	if !ok {
		return fmt.Errorf("venue not found: %s", venue)
	}
	if open < 0 || open >= 24*time.Hour {
		return fmt.Errorf("venue %s session open %s out of range", venue, open)
	}
	r.venues[id-1].SessionOpen = open
	return nil
}

// AddSymbol registers a symbol under a venue and returns its ID.
func (r *Registry) AddSymbol(venue, name string) (SymbolID, error) {
	if name == "" {
		return 0, fmt.Errorf("symbol name is empty")
	}
	venueID, ok := r.venueByName[venue]
	if !ok {
		return 0, fmt.Errorf("venue not found: %s", venue)
	}
	key := symbolKey{venue: venueID, name: name}
	if id, ok := r.symbolByName[key]; ok {
		return id, fmt.Errorf("symbol already exists: %s/%s", venue, name)
	}
	id := SymbolID(len(r.symbols) + 1)
	r.symbols = append(r.symbols, Symbol{ID: id, VenueID: venueID, Name: name})
	r.symbolByName[key] = id
	return id, nil
}

// Venue returns the venue by name.
func (r *Registry) Venue(name string) (Venue, bool) {
	id, ok := r.venueByName[name]
	if !ok {
		return Venue{}, false
	}
	return r.venues[id-1], true
}

// Venues returns every registered venue in registration order.
func (r *Registry) Venues() []Venue {
	out := make([]Venue, len(r.venues))
	copy(out, r.venues)
	return out
}

// Symbols returns the symbols registered under a venue.
func (r *Registry) Symbols(venue string) []string {
	id, ok := r.venueByName[venue]
	if !ok {
		return nil
	}
	var out []string
	for _, s := range r.symbols {
		if s.VenueID == id {
			out = append(out, s.Name)
		}
	}
	return out
}

// HasSymbol reports whether the symbol is registered under the venue.
func (r *Registry) HasSymbol(venue, name string) bool {
	id, ok := r.venueByName[venue]
	if !ok {
		return false
	}
	_, ok = r.symbolByName[symbolKey{venue: id, name: name}]
	return ok
}
