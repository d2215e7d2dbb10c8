package docstore_test

import (
	"testing"

	"github.com/aaronwang/carbon-exchange/shared/docstore"
	"github.com/aaronwang/carbon-exchange/shared/docstore/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) docstore.Store { return docstore.NewMemory() })
}
