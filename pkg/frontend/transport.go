package frontend

import (
	"context"

	"github.com/quic-go/webtransport-go"

	"github.com/justjake/pgwarp/pkg/session"
)

// streamClosedCode is sent on CancelRead when the bridge releases a
// stream; the peer sees an abrupt but well-formed reset.
const streamClosedCode = webtransport.StreamErrorCode(0)

// wtTransport adapts a webtransport.Session to the session.Transport
// surface the manager consumes.
type wtTransport struct {
	sess *webtransport.Session
}

func (t *wtTransport) AcceptStream(ctx context.Context) (session.Stream, error) {
	stream, err := t.sess.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &wtStream{Stream: stream}, nil
}

func (t *wtTransport) CloseWithError(code uint32, msg string) error {
	return t.sess.CloseWithError(webtransport.SessionErrorCode(code), msg)
}

// wtStream widens webtransport.Stream's Close to release both
// directions: Close alone only finishes the send side, which would leave
// a bridge pump blocked in Read.
type wtStream struct {
	*webtransport.Stream
}

func (s *wtStream) StreamID() int64 {
	return int64(s.Stream.StreamID())
}

func (s *wtStream) Close() error {
	s.Stream.CancelRead(streamClosedCode)
	return s.Stream.Close()
}
