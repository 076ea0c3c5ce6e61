package roadclass

import (
	"strconv"
	"strings"

	"github.com/paulmach/osm"
)

// Class is the road classification of a way derived from its highway tag
type Class uint8

const (
	// None means the way carries no highway tag
	None Class = iota
	// Unrecognized means the highway tag is present but its value is not a road class
	Unrecognized

	Motorway
	Trunk
	Primary
	Secondary
	Tertiary
	Unclassified
	Residential
	MotorwayLink
	TrunkLink
	PrimaryLink
	SecondaryLink
	TertiaryLink
	LivingStreet
	Road
)

// Tag keys read during classification
const (
	KeyHighway  = "highway"
	KeyMaxSpeed = "maxspeed"
)

var names = [...]string{
	"none",
	"unrecognized",
	"motorway",
	"trunk",
	"primary",
	"secondary",
	"tertiary",
	"unclassified",
	"residential",
	"motorway_link",
	"trunk_link",
	"primary_link",
	"secondary_link",
	"tertiary_link",
	"living_street",
	"road",
}

var byValue = map[string]Class{
	"motorway":       Motorway,
	"trunk":          Trunk,
	"primary":        Primary,
	"secondary":      Secondary,
	"tertiary":       Tertiary,
	"unclassified":   Unclassified,
	"residential":    Residential,
	"motorway_link":  MotorwayLink,
	"trunk_link":     TrunkLink,
	"primary_link":   PrimaryLink,
	"secondary_link": SecondaryLink,
	"tertiary_link":  TertiaryLink,
	"living_street":  LivingStreet,
	"road":           Road,
}

// Fraction of real-world ways of a class that carry an explicit maxspeed tag.
// Classes missing from the table have no measured value.
var priors = map[Class]float64{
	Motorway:     0.987,
	Trunk:        0.825,
	Primary:      0.778,
	Secondary:    0.782,
	Tertiary:     0.46,
	Unclassified: 0.09,
	Residential:  0.04,
	LivingStreet: 0.07,
}

var linkBase = map[Class]Class{
	MotorwayLink:  Motorway,
	TrunkLink:     Trunk,
	PrimaryLink:   Primary,
	SecondaryLink: Secondary,
	TertiaryLink:  Tertiary,
}

// All returns every typed class in declaration order
func All() []Class {
	out := make([]Class, 0, len(byValue))
	for c := Motorway; c <= Road; c++ {
		out = append(out, c)
	}
	return out
}

// Parse maps a raw highway value to its class.
// Unknown values, including the empty string, yield Unrecognized.
func Parse(value string) Class {
	if c, ok := byValue[value]; ok {
		return c
	}
	return Unrecognized
}

// String returns the highway tag value of the class
func (c Class) String() string {
	if int(c) < len(names) {
		return names[c]
	}
	return "invalid(" + strconv.Itoa(int(c)) + ")"
}

// Typed reports whether the class is a real road class
func (c Class) Typed() bool {
	return c >= Motorway && c <= Road
}

// Prior returns the fraction of ways of this class expected to carry an
// explicit speed limit. ok is false when no value was measured.
func (c Class) Prior() (p float64, ok bool) {
	p, ok = priors[c]
	return p, ok
}

// IsLink reports whether the class is a slip road
func (c Class) IsLink() bool {
	_, ok := linkBase[c]
	return ok
}

// Base returns the main road class of a link, or the class itself
func (c Class) Base() Class {
	if b, ok := linkBase[c]; ok {
		return b
	}
	return c
}

var speedUnits = []string{"km/h", "kmh", "kph", "mph"}

// ParseMaxSpeed parses a maxspeed tag value into an 8-bit speed.
// A trailing unit token is accepted but not converted.
func ParseMaxSpeed(value string) (uint8, bool) {
	v := strings.TrimSpace(value)
	for _, unit := range speedUnits {
		if strings.HasSuffix(v, unit) {
			v = strings.TrimSpace(strings.TrimSuffix(v, unit))
			break
		}
	}
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(n), true
}

// Classify walks the tags once and returns the road class and the explicit
// max speed. Repeated keys resolve to their last occurrence.
func Classify(tags osm.Tags) (class Class, maxSpeed uint8, hasMaxSpeed bool) {
	class = None
	for _, tag := range tags {
		switch tag.Key {
		case KeyHighway:
			class = Parse(tag.Value)
		case KeyMaxSpeed:
			maxSpeed, hasMaxSpeed = ParseMaxSpeed(tag.Value)
		}
	}
	return class, maxSpeed, hasMaxSpeed
}
