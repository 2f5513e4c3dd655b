// Package zones maps heart-rate readings to intensity zones and accrues
// gamification coins per tick.
package zones

import (
	"errors"
	"fmt"
	"sort"
)

// ID names one of the five heart-rate intensity bands.
type ID string

const (
	Cool   ID = "cool"
	Active ID = "active"
	Warm   ID = "warm"
	Hot    ID = "hot"
	Fire   ID = "fire"
)

// All lists the zone IDs from lowest to highest intensity.
var All = []ID{Cool, Active, Warm, Hot, Fire}

var (
	// ErrNegativeRate indicates a coin rate below zero.
	ErrNegativeRate = errors.New("zone coin rate must be >= 0")
	// ErrNonAscendingBounds indicates zone lower bounds that are not strictly
	// ascending.
	ErrNonAscendingBounds = errors.New("zone bounds must be strictly ascending")
	// ErrIncompleteZones indicates a configuration missing one of the five
	// zones; the zone -> rate mapping must be total.
	ErrIncompleteZones = errors.New("all five zones must be configured")
)

// Zone is one contiguous heart-rate band with its coin accrual rate.
type Zone struct {
	ID           ID
	MinHeartRate float64 // inclusive lower bound; the band above the previous zone
	CoinRate     float64 // coins accrued per tick spent in the zone
}

// DefaultZones returns the stock band layout. Exact bounds and rates are a
// configuration concern; these are the local-dev defaults.
func DefaultZones() []Zone {
	return []Zone{
		{ID: Cool, MinHeartRate: 0, CoinRate: 0},
		{ID: Active, MinHeartRate: 100, CoinRate: 1},
		{ID: Warm, MinHeartRate: 120, CoinRate: 2},
		{ID: Hot, MinHeartRate: 140, CoinRate: 3},
		{ID: Fire, MinHeartRate: 160, CoinRate: 5},
	}
}

// Classifier resolves a heart rate to exactly one zone.
type Classifier struct {
	zones []Zone
}

// NewClassifier validates the band layout: one entry per zone, strictly
// ascending lower bounds, non-negative rates.
func NewClassifier(zones []Zone) (*Classifier, error) {
	if len(zones) != len(All) {
		return nil, fmt.Errorf("%w: got %d", ErrIncompleteZones, len(zones))
	}

	ordered := append([]Zone(nil), zones...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].MinHeartRate < ordered[j].MinHeartRate })

	seen := make(map[ID]bool, len(ordered))
	for i, zone := range ordered {
		if zone.CoinRate < 0 {
			return nil, fmt.Errorf("%w: zone %s has rate %v", ErrNegativeRate, zone.ID, zone.CoinRate)
		}
		if i > 0 && ordered[i-1].MinHeartRate >= zone.MinHeartRate {
			return nil, fmt.Errorf("%w: %s and %s", ErrNonAscendingBounds, ordered[i-1].ID, zone.ID)
		}
		if seen[zone.ID] {
			return nil, fmt.Errorf("%w: duplicate zone %s", ErrIncompleteZones, zone.ID)
		}
		seen[zone.ID] = true
	}

	return &Classifier{zones: ordered}, nil
}

// Classify returns the zone containing the heart rate. Readings below the
// lowest bound clamp to the lowest zone; readings at or above the highest
// bound clamp to the highest.
func (c *Classifier) Classify(heartRate float64) Zone {
	matched := c.zones[0]
	for _, zone := range c.zones[1:] {
		if heartRate < zone.MinHeartRate {
			break
		}
		matched = zone
	}
	return matched
}

// Zones returns the validated band layout in ascending order.
func (c *Classifier) Zones() []Zone {
	return append([]Zone(nil), c.zones...)
}
