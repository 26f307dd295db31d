package graph

// CommandKind discriminates the closed set of routing decisions a node can
// return. It replaces the prior engine's plain Next struct, which could only
// route to a single node, a fixed set of distinctly-named nodes, or stop —
// it had no way to fan a single node name out over N independently derived
// sub-states, and no notion of pausing mid-node for human input.
type CommandKind int

const (
	// CmdStateUpdate merges Delta into state and evaluates outgoing edges
	// from the current node to pick the next node.
	CmdStateUpdate CommandKind = iota

	// CmdSend dispatches Sends concurrently (bounded by Options.MaxConcurrentSends),
	// each running the same node under Sends[i].Node with its own sub-state
	// Sends[i].State. Results are merged back into the parent state in
	// OrderKey order once every child completes, then outgoing edges from
	// Sends[i].Node are evaluated to find the continuation (fan-in barrier).
	CmdSend

	// CmdInterrupt pauses the run. Delta is merged first, then the run is
	// persisted as paused with Payload recorded for a human or external
	// system to inspect. Resume re-invokes the same node, this time with
	// ResumeValue populated in the context state passed to it.
	CmdInterrupt

	// CmdGoto merges Delta then jumps directly to GotoNode, bypassing edge
	// evaluation.
	CmdGoto

	// CmdStop merges Delta and ends the run successfully.
	CmdStop
)

// SendOne is one child dispatch of a CmdSend command: run node Node with
// sub-state State. N SendOnes with the same Node name is the primitive the
// prior engine never had — Next.Many only fanned out to N *distinct*
// node names.
type SendOne[S any] struct {
	Node  string
	State S
}

// Command is the sum type nodes return to drive engine control flow. It
// carries exactly one of the fields relevant to its Kind.
type Command[S any] struct {
	Kind    CommandKind
	Delta   S
	Sends   []SendOne[S]
	Payload any
	Goto    string
}

// Update returns a Command that merges delta and continues via edges.
func Update[S any](delta S) Command[S] {
	return Command[S]{Kind: CmdStateUpdate, Delta: delta}
}

// Send returns a Command that fans out to N children, possibly sharing one
// node name, running concurrently.
func Send[S any](sends ...SendOne[S]) Command[S] {
	return Command[S]{Kind: CmdSend, Sends: sends}
}

// Interrupt returns a Command that pauses the run and records payload for a
// human reviewer or external system, to be delivered back via Resume.
func Interrupt[S any](delta S, payload any) Command[S] {
	return Command[S]{Kind: CmdInterrupt, Delta: delta, Payload: payload}
}

// GotoCmd returns a Command that merges delta then jumps straight to node,
// skipping edge evaluation.
func GotoCmd[S any](node string, delta S) Command[S] {
	return Command[S]{Kind: CmdGoto, Goto: node, Delta: delta}
}

// StopCmd returns a Command that merges delta and ends the run.
func StopCmd[S any](delta S) Command[S] {
	return Command[S]{Kind: CmdStop, Delta: delta}
}
