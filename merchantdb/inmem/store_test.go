package inmem_test

import (
	"testing"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb/inmem"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/merchantdb/testcontract"
	"github.com/stretchr/testify/require"
)

func Test_StoreContract(t *testing.T) {
	testcontract.TestStoreContract(t, func(t *testing.T) merchantdb.Store {
		return inmem.NewStore()
	})
}

func Test_InjectedCommitConflicts(t *testing.T) {
	store := inmem.NewStore()
	store.InjectCommitConflicts(1)

	tx, err := store.Begin(t.Context(), "conflicted")
	require.NoError(t, err)
	require.Equal(t, merchantdb.StatusSoftError, tx.Commit(t.Context()))

	tx, err = store.Begin(t.Context(), "clean")
	require.NoError(t, err)
	require.Equal(t, merchantdb.StatusSuccess, tx.Commit(t.Context()))
}
