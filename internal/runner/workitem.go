package runner

import (
	"strings"
)

// Kind tags which variant a WorkItem carries. It is fixed when the item is
// built and never inferred from the payload afterwards.
type Kind string

const (
	KindCommand Kind = "command" // external program + ordered option tokens
	KindCall    Kind = "call"    // in-process entry point + argument tokens
)

// WorkItem is one fully materialized unit of work plus its declared inputs
// and outputs. Items are plain data so rank 0 can broadcast them.
type WorkItem struct {
	Label   string   `json:"label"`
	Kind    Kind     `json:"kind"`
	Program string   `json:"program,omitempty"`
	Entry   string   `json:"entry,omitempty"`
	Args    []string `json:"args,omitempty"`
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

// NewCommand builds an external-command work item.
func NewCommand(label, program string, args, inputs, outputs []string) WorkItem {
	return WorkItem{
		Label:   label,
		Kind:    KindCommand,
		Program: program,
		Args:    cloneStrings(args),
		Inputs:  cloneStrings(inputs),
		Outputs: cloneStrings(outputs),
	}
}

// NewCall builds an in-process work item addressed by entry point name.
func NewCall(label, entry string, args, inputs, outputs []string) WorkItem {
	return WorkItem{
		Label:   label,
		Kind:    KindCall,
		Entry:   entry,
		Args:    cloneStrings(args),
		Inputs:  cloneStrings(inputs),
		Outputs: cloneStrings(outputs),
	}
}

// CommandLine renders the item for logs.
func (w WorkItem) CommandLine() string {
	head := w.Program
	if w.Kind == KindCall {
		head = w.Entry + "()"
	}
	if len(w.Args) == 0 {
		return head
	}
	return head + " " + strings.Join(w.Args, " ")
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
