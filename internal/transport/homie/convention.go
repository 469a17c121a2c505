package homie

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/srg/ocfd/internal/resource"
)

// Version is the Homie convention version published in $homie.
const Version = "4.0.0"

// Device states
const (
	StateInit         = "init"
	StateReady        = "ready"
	StateDisconnected = "disconnected"
	StateLost         = "lost"
)

// Property data types
const (
	DtString  = "string"
	DtFloat   = "float"
	DtBoolean = "boolean"
	DtColor   = "color"
)

// metaKeys are payload members describing the resource rather than its state.
var metaKeys = map[string]bool{
	"rt":    true,
	"id":    true,
	"if":    true,
	"n":     true,
	"range": true,
}

var units = map[string]string{
	"illuminance": "lx",
}

var rgbPattern = regexp.MustCompile(`^\d{1,3},\d{1,3},\d{1,3}$`)

type message struct {
	topic   string
	payload string
}

// ID turns s into a valid Homie identifier: lowercase letters, digits and
// hyphens, not starting with a hyphen.
func ID(s string) string {
	b := []byte(strings.ToLower(s))
	for i, c := range b {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			b[i] = '-'
		}
	}
	return strings.TrimLeft(string(b), "-")
}

// NodeID is the node identifier of a resource path, e.g. /a/rgbled → a-rgbled.
func NodeID(path string) string {
	return ID(strings.Trim(path, "/"))
}

type property struct {
	id       string
	key      string
	datatype string
	format   string
	unit     string
	settable bool
}

// propertiesOf derives one property per state member of the initial payload,
// in payload order.
func propertiesOf(desc resource.Descriptor) []property {
	var props []property
	if desc.InitialPayload == nil {
		return nil
	}
	for _, key := range desc.InitialPayload.Keys() {
		if metaKeys[key] {
			continue
		}
		v, _ := desc.InitialPayload.Get(key)
		p := property{
			id:       ID(key),
			key:      key,
			datatype: datatypeOf(v),
			unit:     units[key],
			settable: desc.Writable,
		}
		if p.datatype == DtColor {
			p.format = "rgb"
		}
		props = append(props, p)
	}
	return props
}

func datatypeOf(v any) string {
	switch v := v.(type) {
	case bool:
		return DtBoolean
	case float64, float32, int, int64, json.Number:
		return DtFloat
	case string:
		if rgbPattern.MatchString(v) {
			return DtColor
		}
		return DtString
	default:
		return DtString
	}
}

func formatValue(v any) string {
	switch v := v.(type) {
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// parseValue converts a /set payload to the payload member type of p.
func parseValue(p property, s string) (any, error) {
	switch p.datatype {
	case DtBoolean:
		return strconv.ParseBool(s)
	case DtFloat:
		return strconv.ParseFloat(s, 64)
	default:
		return s, nil
	}
}

// deviceMessages are the device attributes, $state excluded.
func deviceMessages(base, name string, nodes []string) []message {
	return []message{
		{base + "/$homie", Version},
		{base + "/$name", name},
		{base + "/$nodes", strings.Join(nodes, ",")},
		{base + "/$implementation", "ocfd"},
	}
}

func nodeMessages(base string, e *entry) []message {
	node := base + "/" + e.node
	ids := make([]string, 0, len(e.props))
	for _, p := range e.props {
		ids = append(ids, p.id)
	}

	msgs := []message{
		{node + "/$name", e.desc.Path},
		{node + "/$type", strings.Join(e.desc.ResourceTypes, ",")},
		{node + "/$properties", strings.Join(ids, ",")},
	}
	for _, p := range e.props {
		prefix := node + "/" + p.id
		msgs = append(msgs,
			message{prefix + "/$name", p.key},
			message{prefix + "/$datatype", p.datatype},
			message{prefix + "/$settable", strconv.FormatBool(p.settable)},
		)
		if p.format != "" {
			msgs = append(msgs, message{prefix + "/$format", p.format})
		}
		if p.unit != "" {
			msgs = append(msgs, message{prefix + "/$unit", p.unit})
		}
	}
	return msgs
}

func valueMessages(base string, e *entry, payload *resource.Payload) []message {
	var msgs []message
	for _, p := range e.props {
		v, ok := payload.Get(p.key)
		if !ok {
			continue
		}
		msgs = append(msgs, message{base + "/" + e.node + "/" + p.id, formatValue(v)})
	}
	return msgs
}
