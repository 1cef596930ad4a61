// Package proctable finds daemon processes in the OS process table and
// terminates them gracefully.
//
// Two Lister implementations exist. ShellLister runs a ps command through
// the shell executor and takes the PID from the second column of every line
// containing the fragment; the column layout is confined to ParsePSLine.
// NativeLister reads the table through gopsutil and matches command lines.
//
// Terminator repeatedly lists and interrupts matching processes until a
// listing comes back empty, giving up after MaxAttempts polls with
// ErrTimeout.
package proctable
