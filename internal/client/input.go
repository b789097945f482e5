package client

import "strings"

// completeCommand extends the input line against the command registry. A
// unique match completes to the full trigger plus a space; several matches
// extend to their shared prefix. Only a lone command token with the cursor
// at its end is eligible.
func (a *App) completeCommand() {
	value := a.input.Value()
	if !strings.HasPrefix(value, string(a.cfg.CommandPrefix)) {
		return
	}
	if strings.ContainsAny(value, " \t") {
		return
	}
	if a.input.Position() != len([]rune(value)) {
		return
	}

	var matches []string
	for _, c := range a.commands {
		if strings.HasPrefix(c.trigger, value) {
			matches = append(matches, c.trigger)
		}
	}

	switch len(matches) {
	case 0:
		return
	case 1:
		a.input.SetValue(matches[0] + " ")
	default:
		prefix := sharedPrefix(matches)
		if len(prefix) <= len(value) {
			return
		}
		a.input.SetValue(prefix)
	}
	a.input.CursorEnd()
}

// sharedPrefix returns the longest prefix common to all values. Command
// triggers are ASCII, so the scan is byte-wise.
func sharedPrefix(values []string) string {
	shortest := values[0]
	for _, v := range values[1:] {
		if len(v) < len(shortest) {
			shortest = v
		}
	}
	for i := 0; i < len(shortest); i++ {
		for _, v := range values {
			if v[i] != shortest[i] {
				return shortest[:i]
			}
		}
	}
	return shortest
}
