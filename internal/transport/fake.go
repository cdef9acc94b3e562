package transport

// Fake is an in-memory Transport double used by server tests: inbound
// datagrams are queued with Enqueue and drained in order by
// ReceiveFrom; outbound sends are captured in Sent for assertions.
type Fake struct {
	inbound []fakeDatagram
	Sent    []FakeSend
}

type fakeDatagram struct {
	connectionID int
	buf          []byte
}

// FakeSend records one outbound SendTo call.
type FakeSend struct {
	ConnectionID int
	Buf          []byte
}

// Enqueue stages an inbound datagram to be returned by a future ReceiveFrom.
func (f *Fake) Enqueue(connectionID int, buf []byte) {
	f.inbound = append(f.inbound, fakeDatagram{connectionID: connectionID, buf: buf})
}

// ReceiveFrom implements Transport.
func (f *Fake) ReceiveFrom() (int, []byte, bool, error) {
	if len(f.inbound) == 0 {
		return 0, nil, false, nil
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return next.connectionID, next.buf, true, nil
}

// SendTo implements Transport.
func (f *Fake) SendTo(connectionID int, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.Sent = append(f.Sent, FakeSend{ConnectionID: connectionID, Buf: cp})
	return nil
}

// LastSentTo returns the most recent datagram sent to connectionID, if any.
func (f *Fake) LastSentTo(connectionID int) ([]byte, bool) {
	for i := len(f.Sent) - 1; i >= 0; i-- {
		if f.Sent[i].ConnectionID == connectionID {
			return f.Sent[i].Buf, true
		}
	}
	return nil, false
}

// SentTo returns every datagram sent to connectionID, in send order.
func (f *Fake) SentTo(connectionID int) [][]byte {
	var out [][]byte
	for _, s := range f.Sent {
		if s.ConnectionID == connectionID {
			out = append(out, s.Buf)
		}
	}
	return out
}
