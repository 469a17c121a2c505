package mqtt

import "strings"

// Request topic suffixes appended to a resource's state topic.
const (
	GetSuffix      = "/get"
	UpdateSuffix   = "/update"
	ResponseSuffix = "/response"
)

const sharePrefix = "$share/"

// StateTopic is where a resource's payload is published, retained.
func StateTopic(prefix, path string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(path, "/")
}

// DiscoveryTopic carries the retained list of discoverable resources.
func DiscoveryTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/oic/res"
}

// PlatformTopic carries the retained platform document.
func PlatformTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/oic/p"
}

// IsRequestTopic reports whether clients may publish to topic under prefix.
func IsRequestTopic(prefix, topic string) bool {
	if !strings.HasPrefix(topic, strings.TrimSuffix(prefix, "/")+"/") {
		return false
	}
	return strings.HasSuffix(topic, GetSuffix) || strings.HasSuffix(topic, UpdateSuffix)
}

// stripShare removes a shared-subscription group, returning the plain filter.
func stripShare(filter string) string {
	if !strings.HasPrefix(filter, sharePrefix) {
		return filter
	}
	rest := filter[len(sharePrefix):]
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return ""
	}
	return rest[i+1:]
}

// Match reports whether an MQTT topic filter matches a concrete topic name.
// '+' matches one level, a trailing '#' matches the remaining levels
// (including none), and filters starting with a wildcard never match topics
// starting with '$'.
func Match(filter, topic string) bool {
	filter = stripShare(filter)
	if filter == "" || topic == "" {
		return false
	}
	if strings.HasPrefix(topic, "$") && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		switch {
		case f == "#":
			return i == len(fl)-1
		case i >= len(tl):
			return false
		case f == "+":
		case f != tl[i]:
			return false
		}
	}
	return len(fl) == len(tl)
}
