package pmem

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) (*Pool, string) {
	dir, err := ioutil.TempDir("", "pmtx-pool")
	require.Nil(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "pool")
	p, err := Open(path, MinPoolSize)
	require.Nil(t, err)
	return p, path
}

func TestCreateOpenClose(t *testing.T) {
	p, path := newTestPool(t)
	require.True(t, p.RootAddr().IsNull())
	require.Equal(t, uint64(MinPoolSize), p.Size())
	require.Nil(t, p.Close())

	p, err := Open(path, MinPoolSize)
	require.Nil(t, err)
	require.True(t, p.RootAddr().IsNull())
	require.Nil(t, p.Close())
}

func TestOpenRejectsBadSize(t *testing.T) {
	dir, err := ioutil.TempDir("", "pmtx-pool")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	_, err = Open(filepath.Join(dir, "pool"), pageSize)
	require.True(t, errors.Is(err, ErrPoolUnavailable))

	_, err = Open(filepath.Join(dir, "pool"), MinPoolSize+1)
	require.True(t, errors.Is(err, ErrPoolUnavailable))
}

func TestOpenRejectsSizeMismatch(t *testing.T) {
	p, path := newTestPool(t)
	require.Nil(t, p.Close())

	_, err := Open(path, MinPoolSize+pageSize)
	require.True(t, errors.Is(err, ErrPoolUnavailable))
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	p, path := newTestPool(t)
	require.Nil(t, p.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	require.Nil(t, err)
	// flip a bit inside the checksummed prefix
	_, err = f.WriteAt([]byte{0xff}, hdrUUIDOff)
	require.Nil(t, err)
	require.Nil(t, f.Close())

	_, err = Open(path, MinPoolSize)
	require.True(t, errors.Is(err, ErrPoolUnavailable))
}

func TestCloseBusy(t *testing.T) {
	p, _ := newTestPool(t)
	tx := p.TxBegin(0)
	require.Equal(t, ErrPoolBusy, p.Close())
	require.Nil(t, tx.Commit())
	tx.End()
	require.Nil(t, p.Close())
}

func TestRootReserveIdempotent(t *testing.T) {
	p, path := newTestPool(t)
	root, err := p.RootReserve(48)
	require.Nil(t, err)
	require.False(t, root.IsNull())

	again, err := p.RootReserve(48)
	require.Nil(t, err)
	require.Equal(t, root, again)

	_, err = p.RootReserve(64)
	require.True(t, errors.Is(err, ErrPoolUnavailable))
	require.Nil(t, p.Close())

	// the root survives reopen
	p, err = Open(path, MinPoolSize)
	require.Nil(t, err)
	require.Equal(t, root, p.RootAddr())
	require.Nil(t, p.Close())
}

func TestPersistCopyRoundtrip(t *testing.T) {
	p, path := newTestPool(t)
	root, err := p.RootReserve(32)
	require.Nil(t, err)

	src := []byte("the quick brown fox jumps over")
	p.PersistCopy(root, src)
	require.Equal(t, src, p.Bytes(root, len(src)))
	require.Nil(t, p.Close())

	p, err = Open(path, MinPoolSize)
	require.Nil(t, err)
	require.Equal(t, src, p.Bytes(p.RootAddr(), len(src)))
	require.Nil(t, p.Close())
}

func TestOffsetPointerRoundtrip(t *testing.T) {
	p, _ := newTestPool(t)
	defer p.Close()

	root, err := p.RootReserve(16)
	require.Nil(t, err)
	require.Equal(t, root, p.Offset(p.Pointer(root)))
}
