package runner

import "os/exec"

func lookTrue() (string, error)  { return exec.LookPath("true") }
func lookShell() (string, error) { return exec.LookPath("sh") }
