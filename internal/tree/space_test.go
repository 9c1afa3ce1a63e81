package tree

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spacesync/internal/blob"
	"spacesync/internal/filestore"
	"spacesync/pkg/domain"
)

func TestNewSpaceRoundTripsThroughOps(t *testing.T) {
	s := NewSpace("notes")
	tree := s.NewAppTree("chat")
	assert.Equal(t, []string{tree.ID()}, s.AppTreeIDs())

	rebuilt, err := SpaceFromOps(s.ID(), s.Root().Ops())
	require.NoError(t, err)
	assert.Equal(t, "notes", rebuilt.Name())
	assert.Equal(t, []string{tree.ID()}, rebuilt.AppTreeIDs())
	assert.NotEqual(t, s.Peer(), rebuilt.Peer())

	_, ok := rebuilt.AppTree(tree.ID())
	assert.False(t, ok)
}

func TestSpaceFromOpsInsufficient(t *testing.T) {
	_, err := SpaceFromOps("space", nil)
	require.ErrorIs(t, err, domain.ErrInsufficientOperations)
}

func TestLoadAppTreeUsesLoaderOnce(t *testing.T) {
	src := NewSpace("")
	tree := src.NewAppTree("chat")

	s, err := SpaceFromOps(src.ID(), src.Root().Ops())
	require.NoError(t, err)
	_, err = s.LoadAppTree(context.Background(), tree.ID())
	require.ErrorIs(t, err, domain.ErrTreeNotFound)

	calls := 0
	s.SetTreeLoader(func(_ context.Context, id string) (*Document, error) {
		calls++
		return FromOps(id, s.Peer(), tree.Ops())
	})
	var loaded []string
	s.OnAppTreeLoaded(func(d *Document) { loaded = append(loaded, d.ID()) })

	doc, err := s.LoadAppTree(context.Background(), tree.ID())
	require.NoError(t, err)
	again, err := s.LoadAppTree(context.Background(), tree.ID())
	require.NoError(t, err)
	assert.Same(t, doc, again)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{tree.ID()}, loaded)
	v, _ := doc.Get(doc.ID(), AppIDKey)
	assert.Equal(t, "chat", v)

	got, ok := s.Document(tree.ID())
	require.True(t, ok)
	assert.Same(t, doc, got)
	root, ok := s.Document(s.ID())
	require.True(t, ok)
	assert.Same(t, s.Root(), root)
}

func TestLoaderErrorPropagates(t *testing.T) {
	s := NewSpace("")
	boom := errors.New("boom")
	s.SetTreeLoader(func(context.Context, string) (*Document, error) { return nil, boom })
	_, err := s.LoadAppTree(context.Background(), "missing")
	require.ErrorIs(t, err, boom)
}

func TestAppTreeCreatedObserver(t *testing.T) {
	s := NewSpace("")
	var created []*Document
	unsub := s.OnAppTreeCreated(func(d *Document) { created = append(created, d) })
	a := s.NewAppTree("a")
	unsub()
	s.NewAppTree("b")
	require.Len(t, created, 1)
	assert.Same(t, a, created[0])
	assert.Len(t, s.LoadedAppTrees(), 2)
}

func TestSecretsObserverSkipsImports(t *testing.T) {
	s := NewSpace("")
	var written []map[string]string
	s.OnSecretWritten(func(m map[string]string) { written = append(written, m) })

	s.ImportSecrets(map[string]string{"loaded": "1"})
	s.SetSecret("api", "k1")
	s.SetSecrets(map[string]string{"a": "x", "b": "y"})
	s.SetSecrets(nil)

	require.Len(t, written, 2)
	assert.Equal(t, map[string]string{"api": "k1"}, written[0])
	assert.Equal(t, map[string]string{"a": "x", "b": "y"}, written[1])
	assert.Equal(t, map[string]string{"loaded": "1", "api": "k1", "a": "x", "b": "y"}, s.Secrets())
	v, ok := s.Secret("api")
	assert.True(t, ok)
	assert.Equal(t, "k1", v)
}

func TestRequireFileStore(t *testing.T) {
	s := NewSpace("")
	_, err := s.RequireFileStore()
	require.ErrorIs(t, err, domain.ErrMissingStorageProvider)

	fs, err := filestore.New(filestore.NewProvider("root", blob.NewMemory()))
	require.NoError(t, err)
	s.SetFileStore(fs)
	got, err := s.RequireFileStore()
	require.NoError(t, err)
	assert.Same(t, fs, got)
}
