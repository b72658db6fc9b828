/*
Package pollring implements the polling buffer attached to every polled
attribute or command.

A Ring is a fixed depth circular buffer. The polling thread inserts one
Element per cycle, either the value read or the error raised by the read.
Clients read the buffer back through the history calls instead of hitting
the device.

	insert ──► [ e5 | e6 | e2 | e3 | e4 ]      depth 5, 7 inserted
	                     ▲
	               next insert slot, oldest element

	EltAt(0) = e6   EltAt(4) = e2   EltAt(5) = API_NotEnoughData

# Attribute history

AttrHistory returns the n newest entries run length encoded. Entries are
indexed oldest first. Quality, read dimension and write dimension each come
as a list of distinct values plus a list of runs; the runs of one list
partition the n entries and two neighbouring runs never carry the same
value:

	entries   : V  V  E  E  A  A
	Quals     : [VALID, INVALID, ALARM]
	QualsRuns : [{0 2} {2 2} {4 2}]

A failed read counts as quality INVALID with 0/0 dimensions. Its error stack
goes into Errors, where identical stacks separated only by entries without
data share one run. The data buffer only holds the elements of entries that
are neither failed nor INVALID, newest entry first.

The result is a snapshot: the ring can keep rotating while a caller holds
it.
*/
package pollring
