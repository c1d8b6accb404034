package store_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"quorum/internal/election/store"
)

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func() electionStore { return store.NewInMemory() }})
}
