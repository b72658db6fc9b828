package database

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/tango/pkg/types"
)

// Commands understood by the database device.
const (
	CmdImportDevice           = "DbImportDevice"
	CmdExportDevice           = "DbExportDevice"
	CmdUnexportServer         = "DbUnExportServer"
	CmdImportEvent            = "DbImportEvent"
	CmdExportEvent            = "DbExportEvent"
	CmdUnexportEvent          = "DbUnExportEvent"
	CmdGetDeviceProperty      = "DbGetDeviceProperty"
	CmdPutDeviceProperty      = "DbPutDeviceProperty"
	CmdGetAttributeProperty   = "DbGetDeviceAttributeProperty"
	CmdPutAttributeProperty   = "DbPutDeviceAttributeProperty"
	CmdGetDeviceList          = "DbGetDeviceList"
	CmdGetEventChannelList    = "DbGetEventChannelList"
	eventChannelVersionString = "6"
)

// EncodeDevice packs a device record as returned by DbImportDevice:
// L = [exported, pid, idl], S = [name, address, host, server, class].
func EncodeDevice(d *types.DbDevice) *types.CommandData {
	exported := int32(0)
	if d.Exported {
		exported = 1
	}
	return types.LongStringData(
		[]int32{exported, int32(d.PID), int32(d.IDL)},
		[]string{d.Name, d.Address, d.Host, d.Server, d.Class},
	)
}

// DecodeDevice is the inverse of EncodeDevice.
func DecodeDevice(c *types.CommandData) (*types.DbDevice, error) {
	if c == nil || c.Kind != types.CmdLongString || len(c.L) < 3 || len(c.S) < 5 {
		return nil, types.Throw(types.ReasonInvalidArgs, "malformed device record", "database.DecodeDevice")
	}
	return &types.DbDevice{
		Name:     c.S[0],
		Address:  c.S[1],
		Host:     c.S[2],
		Server:   c.S[3],
		Class:    c.S[4],
		Exported: c.L[0] != 0,
		PID:      int(c.L[1]),
		IDL:      int(c.L[2]),
	}, nil
}

// EncodeEventChannel packs a channel record as returned by DbImportEvent:
// L = [exported, pid], S = [name, ior, version, host].
func EncodeEventChannel(ch *types.DbEventChannel) *types.CommandData {
	exported := int32(0)
	if ch.Exported {
		exported = 1
	}
	return types.LongStringData(
		[]int32{exported, int32(ch.PID)},
		[]string{ch.Name, ch.IOR, eventChannelVersionString, ch.Host},
	)
}

// DecodeEventChannel is the inverse of EncodeEventChannel.
func DecodeEventChannel(c *types.CommandData) (*types.DbEventChannel, error) {
	if c == nil || c.Kind != types.CmdLongString || len(c.L) < 2 || len(c.S) < 4 {
		return nil, types.Throw(types.ReasonInvalidArgs, "malformed event channel record", "database.DecodeEventChannel")
	}
	return &types.DbEventChannel{
		Name:     c.S[0],
		IOR:      c.S[1],
		Host:     c.S[3],
		Exported: c.L[0] != 0,
		PID:      int(c.L[1]),
	}, nil
}

// exportEventArgs packs DbExportEvent input: [name, ior, host, pid, version].
func exportEventArgs(ch *types.DbEventChannel) *types.CommandData {
	return types.StringsData(ch.Name, ch.IOR, ch.Host, strconv.Itoa(ch.PID), eventChannelVersionString)
}

func parseExportEvent(args []string) (*types.DbEventChannel, error) {
	if len(args) < 4 {
		return nil, types.Throw(types.ReasonWrongNumberOfArgs,
			"DbExportEvent needs name, ior, host and pid", "database.parseExportEvent")
	}
	pid, err := strconv.Atoi(args[3])
	if err != nil {
		return nil, types.Throw(types.ReasonInvalidArgs, fmt.Sprintf("bad pid %q", args[3]), "database.parseExportEvent")
	}
	return &types.DbEventChannel{Name: args[0], IOR: args[1], Host: args[2], PID: pid, Updated: time.Now()}, nil
}

// EncodeProperties appends the property list encoding
// [nProps, name, nVals, vals..., ...] to prefix. Names are sorted.
func EncodeProperties(prefix []string, props types.Properties) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	out := append(append([]string(nil), prefix...), strconv.Itoa(len(names)))
	for _, name := range names {
		vals := props[name]
		out = append(out, name, strconv.Itoa(len(vals)))
		out = append(out, vals...)
	}
	return out
}

// DecodeProperties reads the encoding produced by EncodeProperties, skipping
// the first skip elements.
func DecodeProperties(in []string, skip int) (types.Properties, error) {
	bad := func(msg string) error {
		return types.Throw(types.ReasonInvalidArgs, "malformed property list: "+msg, "database.DecodeProperties")
	}
	if len(in) <= skip {
		return nil, bad("missing property count")
	}
	n, err := strconv.Atoi(in[skip])
	if err != nil || n < 0 {
		return nil, bad("bad property count")
	}
	props := make(types.Properties, n)
	i := skip + 1
	for p := 0; p < n; p++ {
		if i+1 >= len(in) {
			return nil, bad("truncated")
		}
		name := in[i]
		nv, err := strconv.Atoi(in[i+1])
		if err != nil || nv < 0 || i+2+nv > len(in) {
			return nil, bad("bad value count for " + name)
		}
		props[name] = append([]string(nil), in[i+2:i+2+nv]...)
		i += 2 + nv
	}
	return props, nil
}
