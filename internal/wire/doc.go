// Package wire implements the pipe-delimited ASCII protocol spoken between
// the control room and its modules.
//
// A command is `PCOMM` or `PCOMM|payload`. A callback pushed by a module is
// `target|PCOMM|payload` and must carry exactly three fields. Messages have
// no length prefix; the socket layer infers the end of a message from read
// inactivity or peer close, so this package only ever sees whole buffers.
//
// Everything here is pure: no I/O, no logging.
package wire
