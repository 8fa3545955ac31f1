package core

import "strings"

// MatchTopic reports whether the MQTT filter matches topic: levels are
// separated by "/", "+" matches one level and "#" (last level only) matches
// the remaining levels including the parent.
//
//	"sensors/+"      matches "sensors/temp"
//	"sensors/+"      does NOT match "sensors/a/temp"
//	"sensors/#"      matches "sensors/a/temp" and "sensors"
//	"#"              does NOT match "$SYS/uptime"
func MatchTopic(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	// Wildcards never match topics reserved by the broker.
	if strings.HasPrefix(topic, "$") && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		switch f {
		case "#":
			return i == len(fl)-1
		case "+":
			if i >= len(tl) {
				return false
			}
		default:
			if i >= len(tl) || f != tl[i] {
				return false
			}
		}
	}
	return len(fl) == len(tl)
}

// ValidFilter reports whether filter is a well-formed subscription filter.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		if strings.Contains(l, "#") && (l != "#" || i != len(levels)-1) {
			return false
		}
		if strings.Contains(l, "+") && l != "+" {
			return false
		}
	}
	return true
}

// ValidTopic reports whether topic may be published to: non-empty and free
// of wildcard characters.
func ValidTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "+#")
}

// TranslateFilter rewrites an MQTT filter for brokers with a different
// topic grammar, e.g. TranslateFilter("a/+/#", ".", "*", ">") == "a.*.>".
func TranslateFilter(filter, sep, single, multi string) string {
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		switch l {
		case "+":
			levels[i] = single
		case "#":
			levels[i] = multi
		}
	}
	return strings.Join(levels, sep)
}
