package event

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is a cumulative permission rank. Higher ranks carry every bit of the
// lower ones, so checks are bitwise rather than ordinal.
type Level uint8

const (
	User          Level = 1
	Moderator     Level = User | 1<<1
	Administrator Level = Moderator | 1<<2
	Owner         Level = Administrator | 1<<3
)

// Satisfies reports whether l carries every bit of required.
func (l Level) Satisfies(required Level) bool { return l&required == required }

func (l Level) String() string {
	switch l {
	case User:
		return "User"
	case Moderator:
		return "Moderator"
	case Administrator:
		return "Administrator"
	case Owner:
		return "Owner"
	default:
		return "Level(" + strconv.Itoa(int(l)) + ")"
	}
}

// ParseLevel accepts a level name (case-insensitive) or its numeric value.
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "user":
		return User, nil
	case "moderator", "mod":
		return Moderator, nil
	case "administrator", "admin":
		return Administrator, nil
	case "owner":
		return Owner, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 255 {
		return 0, fmt.Errorf("unknown permission level %q", s)
	}
	return Level(n), nil
}
