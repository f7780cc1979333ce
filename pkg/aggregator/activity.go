package aggregator

import "strings"

// ActivitySpaces is the width of the activity indicator track.
const ActivitySpaces = 9

// Activity returns a bouncing progress indicator such as "[   =      ]"
// for the given tick count.
func Activity(count, spaces int) string {
	if spaces < 1 {
		spaces = 1
	}
	if count < 0 {
		count = 0
	}

	before := count % spaces
	if (count/spaces)%2 == 1 {
		before = spaces - before
	}
	after := spaces - before

	return "[" + strings.Repeat(" ", before) + "=" + strings.Repeat(" ", after) + "]"
}
