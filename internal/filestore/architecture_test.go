package filestore

import (
	"testing"

	"spacesync/testutil"
)

func TestFileStoreUsesBlobFacade(t *testing.T) {
	testutil.CheckImports(t, ".", testutil.NoInfra)
}
