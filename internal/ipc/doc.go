// Package ipc implements the control protocol clients speak over the
// server's unix socket. Control messages are length-prefixed binary
// frames; shared-memory handles ride alongside their response frame as
// SCM_RIGHTS file descriptors.
package ipc
