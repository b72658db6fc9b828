/*
Package device holds the in process model of devices: attributes, commands
and pipes, plus the per attribute event configuration the event system
reads.

Every Attribute carries:

  - its event properties (abs_change, rel_change, archive thresholds,
    archive_period, event_period, mcast_event), loaded from the database by
    Device.ApplyProperties;
  - push flags for events the device code pushes itself (change, archive,
    alarm, data_ready);
  - its polling state;
  - the transports it has been subscribed through;
  - per event the client releases subscribed and when they last confirmed;
  - the detection state (last sent values) used by change, archive, alarm
    and periodic detection.

Memorized attributes (NewMemorized) keep their value in memory and are
used by the demo server and the tests. AddIncrement registers a command
that bumps such a value, which is the simplest way to make a polled
attribute fire a change event.
*/
package device
