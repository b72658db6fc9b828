/*
Package config loads the YAML configuration of tango processes.

A file is decoded over Default, so only the fields that differ need to be
written. Unknown fields are rejected.

	server:
	  name: EvtTest/1
	  tango_host: localhost:10000
	events:
	  heartbeat_threshold: 8s
	  zmq_bind: ":0"
	  notifd_url: none
	devices:
	  - name: test/evt/1
	    class: EvtTest
	    attributes:
	      - name: value
	        type: double
	        writable: true
	        initial: 0
	        polling: 500ms
	        increment: 2
	        properties:
	          abs_change: 1

Durations use Go syntax ("500ms", "8s"). Property values may be a scalar or
a list.
*/
package config
