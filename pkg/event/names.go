package event

import (
	"net"
	"strings"

	"github.com/cuemby/tango/pkg/types"
)

// Event names understood by suppliers and consumers.
const (
	ChangeEvent     = "change"
	AlarmEvent      = "alarm"
	PeriodicEvent   = "periodic"
	ArchiveEvent    = "archive"
	UserEvent       = "user_event"
	AttrConfEvent   = "attr_conf"
	DataReadyEvent  = "data_ready"
	IntrChangeEvent = "intr_change"
	PipeEvent       = "pipe"

	// HeartbeatEvent is never subscribed to, it marks heartbeat messages.
	HeartbeatEvent = "heartbeat"
)

// Names lists every subscribable event in the order of the event type
// enumeration.
var Names = []string{
	ChangeEvent,
	AlarmEvent,
	PeriodicEvent,
	ArchiveEvent,
	UserEvent,
	AttrConfEvent,
	DataReadyEvent,
	IntrChangeEvent,
	PipeEvent,
}

// Client library releases.
const (
	// MinClientRelease is assumed when a client sends no release.
	MinClientRelease = 4
	// ClientRelease is the release of this library.
	ClientRelease = 6
	// alarmRelease is the first release receiving alarm events.
	alarmRelease = 6
)

const (
	idlPrefix    = "idl"
	compatPrefix = "idl5_"
)

// ValidEventName reports whether name, with or without an IDL prefix, is a
// known event.
func ValidEventName(name string) bool {
	base := RemoveIDLPrefix(strings.ToLower(name))
	for _, n := range Names {
		if n == base {
			return true
		}
	}
	return false
}

// AddIDLPrefix returns the compat name of an event.
func AddIDLPrefix(name string) string {
	if _, ok := ExtractIDLVersion(name); ok {
		return name
	}
	return compatPrefix + name
}

// RemoveIDLPrefix strips an "idlN_" prefix if present.
func RemoveIDLPrefix(name string) string {
	if _, ok := ExtractIDLVersion(name); ok {
		return name[strings.Index(name, "_")+1:]
	}
	return name
}

// ExtractIDLVersion returns N of an "idlN_" prefixed name.
func ExtractIDLVersion(name string) (int, bool) {
	if !strings.HasPrefix(name, idlPrefix) {
		return 0, false
	}
	rest := name[len(idlPrefix):]
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(rest) || rest[i] != '_' {
		return 0, false
	}
	v := 0
	for _, c := range rest[:i] {
		v = v*10 + int(c-'0')
	}
	return v, true
}

// HasCompatName reports whether clients of release 5 and above receive the
// event under its IDL prefixed name.
func HasCompatName(event string) bool {
	switch event {
	case AttrConfEvent, ChangeEvent, PeriodicEvent, ArchiveEvent, UserEvent:
		return true
	}
	return false
}

// WireName returns the name under which event is pushed to clients of the
// given release.
func WireName(event string, release int) string {
	if release >= 5 && HasCompatName(event) {
		return AddIDLPrefix(event)
	}
	return event
}

// ReleaseForName derives the client release from an event name as sent by
// a client: the IDL prefix if any, otherwise the oldest supported release.
func ReleaseForName(name string) int {
	if v, ok := ExtractIDLVersion(name); ok {
		return v
	}
	return MinClientRelease
}

// ReceivesEvent reports whether a client of release gets event at all.
func ReceivesEvent(event string, release int) bool {
	if event == AlarmEvent {
		return release >= alarmRelease
	}
	return true
}

// CallbackKey returns the consumer side key of an event: the fully
// qualified device name, the object and the (possibly prefixed) event
// name. Interface change events are keyed on the device only.
func CallbackKey(device, obj, event string) string {
	device = strings.ToLower(device)
	if event == IntrChangeEvent || obj == "" {
		return device + "." + event
	}
	return device + "/" + strings.ToLower(obj) + "." + event
}

// Topic returns the key under which a supplier publishes an event of
// domain ("dev/obj" or device) with the given fully qualified prefix.
func Topic(prefix, domain, event string) string {
	return prefix + strings.ToLower(domain) + "." + event
}

// ReceivedFromAdmin is the admin device answer to a subscription: the key
// under which events arrive and the channel delivering them.
type ReceivedFromAdmin struct {
	EventName   string
	ChannelName string
}

// ReceivedFromZmq reads the topic and channel name from the last two
// strings of a ZmqEventSubscriptionChange reply.
func ReceivedFromZmq(reply *types.CommandData, dbaseNo bool) (ReceivedFromAdmin, error) {
	if reply == nil || len(reply.S) < 2 {
		return ReceivedFromAdmin{}, types.Throw(types.ReasonInvalidArgs,
			"subscription reply carries no topic", "ReceivedFromZmq")
	}
	n := len(reply.S)
	rfa := ReceivedFromAdmin{EventName: reply.S[n-2], ChannelName: reply.S[n-1]}
	if dbaseNo {
		rfa.ChannelName += "#dbase=no"
	}
	return rfa, nil
}

// ReceivedFromNotifd builds the notifd answer locally: events arrive under
// the local callback key on the channel of the admin device.
func ReceivedFromNotifd(callbackKey, admName string) ReceivedFromAdmin {
	return ReceivedFromAdmin{EventName: callbackKey, ChannelName: admName}
}

// SplitPrefix splits "tango://host:port/rest" into its prefix and rest. A
// name without prefix returns an empty prefix.
func SplitPrefix(name string) (prefix, rest string) {
	const scheme = "tango://"
	if !strings.HasPrefix(name, scheme) {
		return "", name
	}
	i := strings.Index(name[len(scheme):], "/")
	if i < 0 {
		return "", name
	}
	cut := len(scheme) + i + 1
	return name[:cut], name[cut:]
}

// HostAliases maps the database addresses a client knows to the prefix used
// in its local keys. Used to recognise events sent by servers configured
// with an alternate TANGO_HOST.
type HostAliases struct {
	primary string
	alts    []string
}

// NewHostAliases builds aliases for the primary TANGO_HOST and its
// alternates ("host:port" each).
func NewHostAliases(primary string, alternates ...string) HostAliases {
	return HostAliases{primary: primary, alts: alternates}
}

func prefixOf(hostPort string) string {
	if hostPort == "" {
		return ""
	}
	return "tango://" + hostPort + "/"
}

func canonicalPrefix(prefix string) string {
	hp := strings.TrimSuffix(strings.TrimPrefix(prefix, "tango://"), "/")
	host, port, err := net.SplitHostPort(hp)
	if err != nil {
		return prefix
	}
	return prefixOf(net.JoinHostPort(types.CanonicalHost(host), port))
}

// Candidates returns the keys to try, in order, for a received name: the
// name itself, its canonical host form, the primary host form when the
// sender used an alternate TANGO_HOST, and the bare name.
func (h HostAliases) Candidates(name string) []string {
	prefix, rest := SplitPrefix(name)
	if prefix == "" {
		return []string{name}
	}
	out := []string{name}
	add := func(k string) {
		for _, o := range out {
			if o == k {
				return
			}
		}
		out = append(out, k)
	}
	canon := canonicalPrefix(prefix)
	add(canon + rest)
	if h.primary != "" {
		for _, alt := range h.alts {
			p := prefixOf(alt)
			if p == prefix || canonicalPrefix(p) == canon {
				add(prefixOf(h.primary) + rest)
				add(canonicalPrefix(prefixOf(h.primary)) + rest)
			}
		}
	}
	add(rest)
	return out
}
