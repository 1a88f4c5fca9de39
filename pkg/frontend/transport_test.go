package frontend

import (
	"github.com/justjake/pgwarp/pkg/session"
)

// The adapters must keep satisfying the session surfaces as
// webtransport-go's concrete types evolve.
var (
	_ session.Transport = (*wtTransport)(nil)
	_ session.Stream    = (*wtStream)(nil)
)
