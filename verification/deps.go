package verification

import (
	"context"
	"math/rand/v2"

	"go-proctoring-server/evidence"
	"go-proctoring-server/inference"
	"go-proctoring-server/records"
)

// Referencer resolves the reference face of a participant.
type Referencer interface {
	Resolve(ctx context.Context, participantID string) (Reference, error)
}

// Deps are the collaborators shared by every verification session of the server.
type Deps struct {
	Vision     inference.Client
	Records    records.Store
	Uploader   evidence.Uploader
	References Referencer
	Clock      Clock
	Catalog    *Catalog
	// Rand shuffles gesture challenges. Nil uses a randomly seeded source.
	Rand *rand.Rand
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = SystemClock()
	}
	if d.Catalog == nil {
		d.Catalog = DefaultCatalog()
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return d
}
