package attachcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDiskTierRoundTrip(t *testing.T) {
	d, err := NewDiskTier(t.TempDir(), 0, 0, 0)
	require.NoError(t, err)

	d.Put(Entry{Hash: "h1", Bytes: []byte("payload"), MimeType: "text/plain", Size: 7})

	e, ok := d.Get("h1")
	require.True(t, ok)
	require.Equal(t, []byte("payload"), e.Bytes)
	require.Equal(t, "text/plain", e.MimeType)
}

func TestDiskTierEvictsOverCapacity(t *testing.T) {
	d, err := NewDiskTier(t.TempDir(), 1, 0, 0)
	require.NoError(t, err)

	d.Put(Entry{Hash: "first", Bytes: []byte("a")})
	d.Put(Entry{Hash: "second", Bytes: []byte("b")})

	_, ok := d.Get("first")
	require.False(t, ok)
	_, ok = d.Get("second")
	require.True(t, ok)
}

func TestDiskTierExpiresAfterTTL(t *testing.T) {
	d, err := NewDiskTier(t.TempDir(), 0, 0, 10*time.Millisecond)
	require.NoError(t, err)

	d.Put(Entry{Hash: "x", Bytes: []byte("x")})
	time.Sleep(20 * time.Millisecond)

	_, ok := d.Get("x")
	require.False(t, ok)
}

func TestDiskTierEvictRemovesFile(t *testing.T) {
	d, err := NewDiskTier(t.TempDir(), 0, 0, 0)
	require.NoError(t, err)

	d.Put(Entry{Hash: "x", Bytes: []byte("x")})
	d.Evict("x")

	_, ok := d.Get("x")
	require.False(t, ok)
}

func TestDiskTierEnforcesByteBound(t *testing.T) {
	d, err := NewDiskTier(t.TempDir(), 0, 10, 0)
	require.NoError(t, err)

	d.Put(Entry{Hash: "aa11", Bytes: []byte("aaaa"), Size: 4})
	d.Put(Entry{Hash: "bb22", Bytes: []byte("bbbb"), Size: 4})
	d.Put(Entry{Hash: "cc33", Bytes: []byte("cccc"), Size: 4})

	_, ok := d.Get("aa11")
	require.False(t, ok)
	_, ok = d.Get("bb22")
	require.True(t, ok)
	require.Equal(t, int64(8), d.SizeBytes())
}

func TestDiskTierFansOutIntoSubdirectories(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDiskTier(dir, 0, 0, 0)
	require.NoError(t, err)

	d.Put(Entry{Hash: "ab99", Bytes: []byte("x"), Size: 1})

	_, err = os.Stat(filepath.Join(dir, "ab", "ab99.bin"))
	require.NoError(t, err)
}
