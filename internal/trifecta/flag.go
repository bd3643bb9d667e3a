package trifecta

import "strings"

// Flag names one of the three capabilities that make up the lethal trifecta.
type Flag string

const (
	UntrustedInput Flag = "untrusted_input"
	PrivateData    Flag = "private_data"
	Egress         Flag = "egress"
)

// Flags lists the three capabilities in canonical order.
var Flags = []Flag{UntrustedInput, PrivateData, Egress}

// Valid reports whether f is one of the three known flags.
func (f Flag) Valid() bool {
	switch f {
	case UntrustedInput, PrivateData, Egress:
		return true
	default:
		return false
	}
}

// ParseFlag converts user or config input into a Flag.
// A leading ':' is tolerated so symbol-style names parse too.
func ParseFlag(s string) (Flag, error) {
	f := Flag(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ":")))
	if !f.Valid() {
		return "", &UnknownFlagError{Flag: s}
	}
	return f, nil
}

// others returns the two flags that are not f.
func others(f Flag) [2]Flag {
	var out [2]Flag
	i := 0
	for _, o := range Flags {
		if o != f {
			out[i] = o
			i++
		}
	}
	return out
}
