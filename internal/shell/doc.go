// Package shell runs command text through a non-interactive POSIX shell.
//
// The command text is written to the shell's stdin rather than passed with
// -c, so multi-line scripts behave exactly as if typed at a prompt. Failures
// never surface as Go errors: the executor always returns a Result, using
// exit code 255 and a single diagnostic line when the shell could not be run.
//
// Example usage:
//
//	exec := shell.New(shell.Config{})
//	res := exec.Run(ctx, "ps -A -o user=,pid=,args=")
//	for _, line := range res.Lines {
//	    fmt.Println(line)
//	}
package shell
