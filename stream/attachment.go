package stream

// TxAttachState is the transmit-attachment state machine: Unused -> Attaching -> Active -> Deprecated(optional) ->
// Unused.
type TxAttachState int

const (
	TxUnused TxAttachState = iota
	TxAttaching
	TxActive
	TxDeprecated
)

func (s TxAttachState) String() string {
	switch s {
	case TxUnused:
		return "unused"
	case TxAttaching:
		return "attaching"
	case TxActive:
		return "active"
	case TxDeprecated:
		return "deprecated"
	default:
		return "invalid"
	}
}

// RxAttachState is the receive-attachment state machine: Unused or Active.
type RxAttachState int

const (
	RxUnused RxAttachState = iota
	RxActive
)

// TxAttachment binds a stream to a channel for transmission via one LSID.
// It becomes Active once an ACK's rx-sequence reaches or exceeds the
// sequence at which the attaching Attach/Init/Reply frame was sent.
type TxAttachment struct {
	State TxAttachState
	Mux   *ChannelMux
	LSID  LSID

	// attachSeq is the channel sequence the init frame was sent at; once
	// the channel's highest_ack reaches it, the attachment transitions to
	// Active.
	attachSeq uint64
}

// RxAttachment binds a stream to a channel for reception via one LSID.
type RxAttachment struct {
	State RxAttachState
	Mux   *ChannelMux
	LSID  LSID
}
