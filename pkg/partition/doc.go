// Package partition divides the task id space among live workers.
//
// Every worker heartbeats into a shared Roster and, on a fixed recheck
// interval, reads back the set of live workers. The sorted roster is split
// into equal ranges over the first 32 bits of the id, so all workers that see
// the same roster compute the same disjoint, total assignment without any
// coordinator. Two rosters are provided: the SQL workers table (see
// pkg/stores) and RedisRoster.
package partition
