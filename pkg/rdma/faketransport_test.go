package rdma

// fakeTransport is a wireTransport stand-in for exercising this
// package's bookkeeping (control exchange, write engine, keepalive)
// without real verbs hardware.
type fakeTransport struct {
	sends     [][]byte
	recvs     [][]byte
	writes    []fakeWrite
	registerN int
	deregN    int
	nextLKey  uint32

	postSendErr  error
	postRecvErr  error
	postWriteErr error
	registerErr  error

	// autoComplete, when true, appends an immediate successful
	// completion to the queue for every PostSend/PostWrite, modeling a
	// fake NIC that finishes work instantly.
	autoComplete bool
	completions  []fakeCompletion
}

// fakeCompletion pairs a completion event with an optional action run
// immediately before PollOnce returns it — tests use onPop to install a
// message's bytes into the control exchange's recv buffer exactly when
// it "lands", rather than when it's queued, so a second queued message
// can't clobber a first one still waiting to be consumed against the
// single shared RECV buffer real verbs semantics only ever post one of.
type fakeCompletion struct {
	ev    CompletionEvent
	onPop func()
}

type fakeWrite struct {
	wrID       uint64
	buf        []byte
	lkey       uint32
	remoteAddr uint64
	rkey       uint32
}

func (f *fakeTransport) PostSend(wrID uint64, buf []byte, lkey uint32) error {
	if f.postSendErr != nil {
		return f.postSendErr
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.sends = append(f.sends, cp)
	if f.autoComplete {
		f.completions = append(f.completions, fakeCompletion{ev: CompletionEvent{WRID: wrID}})
	}
	return nil
}

func (f *fakeTransport) PostRecv(wrID uint64, buf []byte, lkey uint32) error {
	if f.postRecvErr != nil {
		return f.postRecvErr
	}
	f.recvs = append(f.recvs, buf)
	return nil
}

func (f *fakeTransport) PostWrite(wrID uint64, buf []byte, lkey uint32, remoteAddr uint64, rkey uint32) error {
	if f.postWriteErr != nil {
		return f.postWriteErr
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.writes = append(f.writes, fakeWrite{wrID: wrID, buf: cp, lkey: lkey, remoteAddr: remoteAddr, rkey: rkey})
	if f.autoComplete {
		f.completions = append(f.completions, fakeCompletion{ev: CompletionEvent{WRID: wrID}})
	}
	return nil
}

func (f *fakeTransport) PollOnce() (CompletionEvent, bool, error) {
	if len(f.completions) == 0 {
		return CompletionEvent{}, false, nil
	}
	fc := f.completions[0]
	f.completions = f.completions[1:]
	if fc.onPop != nil {
		fc.onPop()
	}
	return fc.ev, true, nil
}

func (f *fakeTransport) RegisterMemory(buf []byte) (PinHandle, error) {
	if f.registerErr != nil {
		return PinHandle{}, f.registerErr
	}
	f.registerN++
	f.nextLKey++
	return PinHandle{}, nil
}

func (f *fakeTransport) DeregisterMemory(h PinHandle) error {
	f.deregN++
	return nil
}

func (f *fakeTransport) Close() error { return nil }

var _ wireTransport = (*fakeTransport)(nil)
