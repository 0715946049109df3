package model

import "errors"

var ErrUnknownSide = errors.New("unknown order side")

// Side is the direction of an order.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

// ParseSide converts a venue side string into a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return SideUnknown, ErrUnknownSide
	}
}

// Opposite returns the hedging direction for a fill on this side.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}
