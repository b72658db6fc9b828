package device

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/tango/pkg/types"
)

// Property names read from the database for every attribute.
const (
	PropAbsChange        = "abs_change"
	PropRelChange        = "rel_change"
	PropArchiveAbsChange = "archive_abs_change"
	PropArchiveRelChange = "archive_rel_change"
	PropArchivePeriod    = "archive_period"
	PropEventPeriod      = "event_period"
	PropMcastEvent       = "mcast_event"

	// PropPolledAttr is the device property listing polled attributes as
	// name/period pairs.
	PropPolledAttr = "polled_attr"
)

// DefaultEventPeriod is used when event_period is not configured.
const DefaultEventPeriod = time.Second

const notSpecified = "not specified"

// Threshold is a change threshold. Neg is <= 0 and Pos >= 0; a value change
// fires when delta <= Neg or delta >= Pos.
type Threshold struct {
	Neg float64
	Pos float64
	Set bool
}

// ParseThreshold reads one or two values. A single value v stands for
// [-|v|, |v|].
func ParseThreshold(vals []string) (Threshold, error) {
	var nums []float64
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" || strings.EqualFold(part, notSpecified) {
				continue
			}
			f, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return Threshold{}, types.Throw(types.ReasonBadConfigurationProperty,
					fmt.Sprintf("bad threshold %q", part), "device.ParseThreshold")
			}
			nums = append(nums, f)
		}
	}
	switch len(nums) {
	case 0:
		return Threshold{}, nil
	case 1:
		return Threshold{Neg: -math.Abs(nums[0]), Pos: math.Abs(nums[0]), Set: true}, nil
	default:
		return Threshold{Neg: -math.Abs(nums[0]), Pos: math.Abs(nums[1]), Set: true}, nil
	}
}

// String renders the threshold the way it is stored.
func (t Threshold) String() string {
	if !t.Set {
		return notSpecified
	}
	if -t.Neg == t.Pos {
		return strconv.FormatFloat(t.Pos, 'g', -1, 64)
	}
	return strconv.FormatFloat(t.Neg, 'g', -1, 64) + "," + strconv.FormatFloat(t.Pos, 'g', -1, 64)
}

// EventProperties is the event configuration of an attribute.
type EventProperties struct {
	AbsChange        Threshold
	RelChange        Threshold
	ArchiveAbsChange Threshold
	ArchiveRelChange Threshold
	// ArchivePeriod is zero when the periodic part of archive events is off.
	ArchivePeriod time.Duration
	EventPeriod   time.Duration
	McastEvent    []string
}

// DefaultEventProperties returns an unconfigured set.
func DefaultEventProperties() EventProperties {
	return EventProperties{EventPeriod: DefaultEventPeriod}
}

// HasChangeThreshold reports whether change detection can run.
func (p EventProperties) HasChangeThreshold() bool {
	return p.AbsChange.Set || p.RelChange.Set
}

// HasArchiveThreshold reports whether archive detection can run.
func (p EventProperties) HasArchiveThreshold() bool {
	return p.ArchiveAbsChange.Set || p.ArchiveRelChange.Set || p.ArchivePeriod > 0
}

func parsePeriod(vals []string) (time.Duration, bool, error) {
	if len(vals) == 0 || vals[0] == "" || strings.EqualFold(vals[0], notSpecified) {
		return 0, false, nil
	}
	ms, err := strconv.Atoi(strings.TrimSpace(vals[0]))
	if err != nil || ms < 0 {
		return 0, false, types.Throw(types.ReasonBadConfigurationProperty,
			fmt.Sprintf("bad period %q", vals[0]), "device.parsePeriod")
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

// ParseEventProperties builds the event configuration from database
// properties. Unknown names are ignored.
func ParseEventProperties(props types.Properties) (EventProperties, error) {
	out := DefaultEventProperties()
	var err error
	for name, vals := range props {
		switch strings.ToLower(name) {
		case PropAbsChange:
			out.AbsChange, err = ParseThreshold(vals)
		case PropRelChange:
			out.RelChange, err = ParseThreshold(vals)
		case PropArchiveAbsChange:
			out.ArchiveAbsChange, err = ParseThreshold(vals)
		case PropArchiveRelChange:
			out.ArchiveRelChange, err = ParseThreshold(vals)
		case PropArchivePeriod:
			out.ArchivePeriod, _, err = parsePeriod(vals)
		case PropEventPeriod:
			var set bool
			var d time.Duration
			d, set, err = parsePeriod(vals)
			if set && d > 0 {
				out.EventPeriod = d
			}
		case PropMcastEvent:
			out.McastEvent = append([]string(nil), vals...)
		}
		if err != nil {
			return EventProperties{}, types.Rethrow(err, types.ReasonBadConfigurationProperty,
				fmt.Sprintf("bad value for property %s", name), "device.ParseEventProperties")
		}
	}
	return out, nil
}

// ParsePolledAttr reads the polled_attr device property: a flat list of
// attribute name and period in ms.
func ParsePolledAttr(vals []string) (map[string]time.Duration, error) {
	if len(vals)%2 != 0 {
		return nil, types.Throw(types.ReasonBadConfigurationProperty,
			"polled_attr must hold name/period pairs", "device.ParsePolledAttr")
	}
	out := make(map[string]time.Duration, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		ms, err := strconv.Atoi(vals[i+1])
		if err != nil || ms <= 0 {
			return nil, types.Throw(types.ReasonBadConfigurationProperty,
				fmt.Sprintf("bad polling period %q for %s", vals[i+1], vals[i]), "device.ParsePolledAttr")
		}
		out[strings.ToLower(vals[i])] = time.Duration(ms) * time.Millisecond
	}
	return out, nil
}
