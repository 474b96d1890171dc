package transport

// MessageSink accepts one payload for transmission. *AsyncTx, *link.Link and
// *link.TXWriter implement it.
type MessageSink interface {
	Send([]byte) error
}

var _ MessageSink = (*AsyncTx)(nil)
