package monitor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Event is one parsed access-log line. Events are ephemeral; they feed the
// byte counters and are then dropped.
type Event struct {
	Timestamp  time.Time
	RemoteAddr string
	Method     string
	Path       string
	Status     int
	BodyBytes  int64
	RequestID  string
}

// lineRe matches the static server's log format: nginx combined with
// rt=$request_time rid=$request_id appended. The referer/user-agent pair and
// the trailing extension are optional so plain combined lines still parse.
var lineRe = regexp.MustCompile(
	`^(\S+) \S+ \S+ \[([^\]]+)\] "(\S+) (\S+)(?: [^"]*)?" (\d{3}) (\d+|-)` +
		`(?: "[^"]*" "[^"]*")?(?: rt=\S+)?(?: rid=(\S+))?`)

// nginx $time_local layout.
const timeLayout = "02/Jan/2006:15:04:05 -0700"

// parseLine parses one access-log line into an Event.
func parseLine(line string) (Event, error) {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return Event{}, fmt.Errorf("unparseable access log line")
	}

	ts, err := time.Parse(timeLayout, m[2])
	if err != nil {
		return Event{}, fmt.Errorf("bad timestamp %q: %w", m[2], err)
	}

	status, err := strconv.Atoi(m[5])
	if err != nil {
		return Event{}, fmt.Errorf("bad status %q: %w", m[5], err)
	}

	var body int64
	if m[6] != "-" {
		if body, err = strconv.ParseInt(m[6], 10, 64); err != nil {
			return Event{}, fmt.Errorf("bad byte count %q: %w", m[6], err)
		}
	}

	// Query strings never matter for attribution
	p := m[4]
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}

	return Event{
		Timestamp:  ts.UTC(),
		RemoteAddr: m[1],
		Method:     m[3],
		Path:       p,
		Status:     status,
		BodyBytes:  body,
		RequestID:  m[7],
	}, nil
}
