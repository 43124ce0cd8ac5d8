package sse

import "strings"

// Frame is one parsed server-sent event.
type Frame struct {
	// Event is the value of the event: line, if any.
	Event string
	// Data is the concatenation of the data: lines, joined with "\n".
	Data string
	// ID is the value of the id: line, if any.
	ID string
}

// ParseFrame parses the lines of one complete frame. It reports false when
// the frame carries no data: line (comments, keep-alives, stray text).
func ParseFrame(raw string) (Frame, bool) {
	var (
		f       Frame
		data    []string
		hasData bool
	)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			f.ID = value
		}
	}

	if !hasData {
		return Frame{}, false
	}
	f.Data = strings.Join(data, "\n")
	return f, true
}
