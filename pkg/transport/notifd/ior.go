package notifd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/types"
)

// FactoryPrefix prefixes the database entry of the broker of a host.
const FactoryPrefix = "notifd/factory/"

// IOR locates an event channel: the broker URL and the subject root of
// the admin device.
type IOR struct {
	URL     string `json:"url"`
	Subject string `json:"subject"`
}

// Encode returns the IOR as stored in the database.
func (i IOR) Encode() string {
	b, _ := json.Marshal(i)
	return string(b)
}

// DecodeIOR parses an encoded IOR.
func DecodeIOR(s string) (IOR, error) {
	var i IOR
	if err := json.Unmarshal([]byte(s), &i); err != nil {
		return IOR{}, types.Throw(types.ReasonEventChannelNotExported,
			fmt.Sprintf("malformed event channel IOR %q: %v", s, err), "notifd.DecodeIOR")
	}
	if i.URL == "" || i.Subject == "" {
		return IOR{}, types.Throw(types.ReasonEventChannelNotExported,
			fmt.Sprintf("incomplete event channel IOR %q", s), "notifd.DecodeIOR")
	}
	return i, nil
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// token makes s usable as one subject token.
func token(s string) string {
	return subjectReplacer.Replace(strings.ToLower(s))
}

// ChannelSubject returns the subject root of the channel of an admin device
// served through the database at prefix.
func ChannelSubject(prefix, admName string) string {
	p := strings.TrimSuffix(strings.TrimPrefix(prefix, "tango://"), "/")
	if p == "" {
		p = "local"
	}
	return "tango.notifd." + token(p) + "." + token(admName)
}

// HeartbeatSubject is the subject heartbeats are published on.
func HeartbeatSubject(root string) string { return root + ".heartbeat" }

// EventSubject is the subject of one event of domain.
func EventSubject(root, domain, event string) string {
	return root + ".ev." + token(domain) + "." + token(event)
}

// ResolveFactory returns the broker URL registered for host, retrying with
// the canonical host name when the full name is not defined.
func ResolveFactory(ctx context.Context, db database.Database, host string) (string, error) {
	ch, err := db.ImportEvent(ctx, FactoryPrefix+host)
	if err != nil && types.IsReason(err, types.ReasonDeviceNotDefined) {
		if canon := types.CanonicalHost(host); canon != host {
			ch, err = db.ImportEvent(ctx, FactoryPrefix+canon)
		}
	}
	if err != nil {
		return "", types.Rethrow(err, types.ReasonNotificationServiceFailed,
			fmt.Sprintf("no notification broker registered for host %s", host), "notifd.ResolveFactory")
	}
	if !ch.Exported || ch.IOR == "" {
		return "", types.Throw(types.ReasonNotificationServiceFailed,
			fmt.Sprintf("notification broker of host %s is not exported", host), "notifd.ResolveFactory")
	}
	return ch.IOR, nil
}
