// Package policy evaluates an Architecture Map against a security
// policy. Evaluation is a pure function of its two arguments.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Level is a named preset, ordered from most to least permissive.
type Level uint8

const (
	Kernel Level = iota
	Driver
	Service
	User
	Sandbox
	numLevels
)

var levelNames = [numLevels]string{"kernel", "driver", "service", "user", "sandbox"}

var ErrUnknownLevel = errors.New("unknown security level")

func (l Level) String() string {
	if l < numLevels {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLevel maps a preset name to its Level. Names are matched
// case-insensitively.
func ParseLevel(name string) (Level, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range levelNames {
		if s == n {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownLevel, name, strings.Join(levelNames[:], ", "))
}

// Levels lists every preset from most to least permissive.
func Levels() []Level {
	out := make([]Level, numLevels)
	for i := range out {
		out[i] = Level(i)
	}
	return out
}
