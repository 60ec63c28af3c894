package exchange

import "sxchain/core/types"

// GroupTxn is the read-only view of one transaction inside the invoking
// atomic group. The state machine never sees signatures; the ledger recovers
// senders before dispatching.
type GroupTxn struct {
	Type     types.TxType
	Sender   [20]byte
	Receiver [20]byte
	Amount   uint64
}

// Call describes a single application invocation evaluated against the group
// it was submitted in. GroupIndex is the call's own position; companion
// transactions are located by fixed relative offsets from it.
type Call struct {
	Sender        [20]byte
	AppID         uint64
	Args          [][]byte
	Accounts      [][20]byte
	GroupIndex    int
	Group         []GroupTxn
	GroupAppCalls int
}

// Method returns the opcode-style tag carried as the call's first argument.
func (c Call) Method() string {
	if len(c.Args) == 0 {
		return ""
	}
	return string(c.Args[0])
}

// References reports whether addr appears among the call's account
// references.
func (c Call) References(addr [20]byte) bool {
	for _, a := range c.Accounts {
		if a == addr {
			return true
		}
	}
	return false
}

// companion returns the group member at the fixed relative offset from the
// call, or false when the group is too small.
func (c Call) companion(offset int) (GroupTxn, bool) {
	idx := c.GroupIndex + offset
	if idx < 0 || idx >= len(c.Group) {
		return GroupTxn{}, false
	}
	return c.Group[idx], true
}
