package types

import "time"

// DbDevice is the naming database record of a device.
type DbDevice struct {
	Name      string    `json:"name"`
	Class     string    `json:"class"`
	Server    string    `json:"server"`
	Host      string    `json:"host"`
	Address   string    `json:"address"`
	IDL       int       `json:"idl"`
	PID       int       `json:"pid"`
	Exported  bool      `json:"exported"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
}

// DbEventChannel is the database record of an event channel or of a
// notification broker factory. IOR is the transport specific address.
type DbEventChannel struct {
	Name     string    `json:"name"`
	IOR      string    `json:"ior"`
	Host     string    `json:"host"`
	PID      int       `json:"pid"`
	Exported bool      `json:"exported"`
	Updated  time.Time `json:"updated"`
}

// Properties maps a property name to its values.
type Properties map[string][]string

// First returns the first value of name or "".
func (p Properties) First(name string) string {
	if v := p[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}
