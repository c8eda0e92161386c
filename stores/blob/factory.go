package blob

import (
	"fmt"
	"net/url"

	"github.com/SubiPlatform/SubiCore/stores/blob/file"
	"github.com/SubiPlatform/SubiCore/stores/blob/memory"
	"github.com/SubiPlatform/SubiCore/stores/blob/null"
	"github.com/ordishs/go-utils"
)

// NewStore builds a Store from a URL using scheme dispatch, trimmed to
// the backends this subsystem actually ships: null (discard, tests),
// memory (in-process, tests/regtest), and file (durable single-node
// dumps).
func NewStore(logger utils.Logger, storeURL *url.URL) (Store, error) {
	switch storeURL.Scheme {
	case "null":
		store, err := null.New(logger)
		if err != nil {
			return nil, fmt.Errorf("error creating null blob store: %w", err)
		}

		return store, nil
	case "memory":
		return memory.New(), nil
	case "file":
		store, err := file.New("." + storeURL.Path) // relative
		if err != nil {
			return nil, fmt.Errorf("error creating file blob store: %w", err)
		}

		return store, nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", storeURL.Scheme)
	}
}
