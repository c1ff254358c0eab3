package policy

// Invocation is a request to run one program. It arrives either as a raw
// command line to be tokenized or as a pre-split argument vector; both
// forms feed the same authorization pipeline, with the raw form subject to
// one extra scan for shell metacharacters.
type Invocation struct {
	raw     string
	command string
	args    []string
	fromRaw bool
}

// RawInvocation wraps a single command line string.
func RawInvocation(raw string) Invocation {
	return Invocation{raw: raw, fromRaw: true}
}

// ArgsInvocation wraps a pre-split command name and argument vector.
func ArgsInvocation(command string, args []string) Invocation {
	return Invocation{command: command, args: args}
}
