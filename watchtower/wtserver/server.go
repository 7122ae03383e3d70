// Package wtserver implements the client-facing half of a watchtower. It
// accepts encrypted state updates keyed by an unlinkable channel tag and a
// breach hint, and answers clients asking how far their backups reach.
package wtserver

import (
	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/blob"
	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/wtdb"
)

// Server accepts state updates from watchtower clients and records them for
// the lookout. It learns nothing about a channel beyond its opaque tag and
// the hint prefixes of its revoked commitments.
type Server struct {
	db *wtdb.TowerDB
}

// New creates a Server backed by the given tower database.
func New(db *wtdb.TowerDB) *Server {
	return &Server{db: db}
}

// Submit stores or updates the record for one revoked commitment. The state
// number must advance monotonically per tag; a regression is rejected with
// wtdb.ErrStateRegression.
func (s *Server) Submit(tag wtdb.ChannelTag, ctn uint64,
	hint blob.BreachHint, encBlob []byte) error {

	err := s.db.InsertStateUpdate(tag, ctn, hint, encBlob)
	if err != nil {
		log.Warnf("Rejected state update %d for tag %x: %v", ctn,
			tag[:8], err)
		return err
	}

	log.Debugf("Accepted state update %d for tag %x, hint %x", ctn,
		tag[:8], hint)

	return nil
}

// CurrentCTN returns the highest state number accepted for the tag, letting
// a reconnecting client resume its backup stream without replaying history.
func (s *Server) CurrentCTN(tag wtdb.ChannelTag) (uint64, error) {
	return s.db.GetCurrentCtn(tag)
}
