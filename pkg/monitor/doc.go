// Package monitor implements the pulse monitor daemon.
//
// Collaborators register a resource with an expected pulse interval and then
// Beat periodically. Monitor processes split the resource id space between
// themselves with the same partitioner the scheduler uses, each on its own
// roster. A resource silent for longer than its interval plus the configured
// grace gets a page tagged "pulse:<resource id>". At most one page per tag is
// open at a time, and it is resolved once pulses resume.
package monitor
