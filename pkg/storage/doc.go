/*
Package storage provides BoltDB-backed persistence for the naming database.

The database device stores where every device lives, which event channels
and broker factories are exported, and the device and attribute properties
that configure events (abs_change, archive_period, event_period, ...).

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  BoltStore  (<dataDir>/tango.db)                           │
	│     │                                                      │
	│     ├── devices              key: device name             │
	│     │     {name, server, host, address, idl, exported}    │
	│     │                                                      │
	│     ├── event_channels       key: channel or factory name │
	│     │     {name, ior, host, exported}                     │
	│     │                                                      │
	│     ├── device_properties    nested bucket per device     │
	│     │     key: property name  value: JSON []string        │
	│     │                                                      │
	│     └── attribute_properties nested bucket per            │
	│           "<device>/<attribute>"                          │
	└────────────────────────────────────────────────────────┘

All keys are lower case: device, attribute and property names are case
insensitive. Records are JSON encoded.

A missing device or channel is reported with the DB_DeviceNotDefined
reason, which callers use to retry a lookup with another host name.

# Usage

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	store.PutAttributeProperty("test/evt/1", "value", "abs_change", []string{"1.0"})
	props, _ := store.GetAttributeProperties("test/evt/1", "value")
*/
package storage
