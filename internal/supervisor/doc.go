// Package supervisor owns the processes backing managed modules and the
// launcher's log collector.
//
// Processes are described by a structured Spec (working directory,
// executable, argument list). Nothing is passed through a shell. Teardown
// kills the direct children of a process repeatedly, to absorb children
// forked late, and then kills the process itself.
package supervisor
