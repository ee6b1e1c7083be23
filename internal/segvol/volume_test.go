package segvol

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestVolume exercises the Volume type against the scenarios enumerated in
// spec.md §8.
func TestVolume(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"create empty reopen":                testCreateEmptyReopen,
		"small write read":                   testSmallWriteRead,
		"cross segment write rotation":       testCrossSegmentRotation,
		"positional overwrite across bounds": testPositionalOverwrite,
		"truncate and reuse":                 testTruncateAndReuse,
		"recovery without reads":             testRecoveryWithoutReads,
	} {
		t.Run(scenario, fn)
	}
}

func tempVolumeDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "volume_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func testCreateEmptyReopen(t *testing.T) {
	dir := tempVolumeDir(t)
	require.NoError(t, os.RemoveAll(dir))

	v, err := Open(dir, Config{})
	require.NoError(t, err)
	require.NoError(t, v.Close())

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, fi.IsDir())
	require.Equal(t, uint64(0), v.ProvisionedLength())

	v, err = Open(dir, Config{})
	require.NoError(t, err)
	defer v.Close()
	require.Equal(t, uint64(0), v.ProvisionedLength())
}

func testSmallWriteRead(t *testing.T) {
	dir := tempVolumeDir(t)
	v, err := Open(dir, Config{})
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.PWrite([]byte("Test"), 0))
	got := make([]byte, 4)
	require.NoError(t, v.PRead(got, 0))
	require.Equal(t, "Test", string(got))

	require.NoError(t, v.PWrite([]byte("Data"), 4))
	got = make([]byte, 8)
	require.NoError(t, v.PRead(got, 0))
	require.Equal(t, "TestData", string(got))

	got = make([]byte, 4)
	require.NoError(t, v.PRead(got, 2))
	require.Equal(t, "stDa", string(got))
}

func testCrossSegmentRotation(t *testing.T) {
	dir := tempVolumeDir(t)
	v, err := Open(dir, Config{SegmentShift: 10})
	require.NoError(t, err)
	defer v.Close()

	buf := make([]byte, 3000)
	for i := 0; i < 1024; i++ {
		buf[i] = '1'
	}
	for i := 1024; i < 2048; i++ {
		buf[i] = '2'
	}
	for i := 2048; i < 3000; i++ {
		buf[i] = '3'
	}

	require.NoError(t, v.PWrite(buf, 0))

	got := make([]byte, 3000)
	require.NoError(t, v.PRead(got, 0))
	require.True(t, bytes.Equal(buf, got))

	sizes := map[string]uint64{
		"000000.vf": 1024,
		"000001.vf": 1024,
		"000002.vf": 952,
	}
	for name, want := range sizes {
		size, err := SegmentSize(filepath.Join(dir, name))
		require.NoError(t, err)
		require.Equal(t, want, size, name)
	}
}

func testPositionalOverwrite(t *testing.T) {
	dir := tempVolumeDir(t)
	v, err := Open(dir, Config{SegmentShift: 10})
	require.NoError(t, err)
	defer v.Close()

	preload := bytes.Repeat([]byte{'1'}, 1024)
	require.NoError(t, v.PWrite(preload, 0))

	require.NoError(t, v.PWrite([]byte("0000"), 0))
	got := make([]byte, 3)
	require.NoError(t, v.PRead(got, 0))
	require.Equal(t, "000", string(got))

	require.NoError(t, v.PWrite([]byte("22"), 100))
	got = make([]byte, 4)
	require.NoError(t, v.PRead(got, 99))
	require.Equal(t, "1221", string(got))

	require.NoError(t, v.PWrite([]byte("33333"), 1019))
	got = make([]byte, 10)
	require.NoError(t, v.PRead(got, 1014))
	require.Equal(t, "1111133333", string(got))
}

func testTruncateAndReuse(t *testing.T) {
	dir := tempVolumeDir(t)
	v, err := Open(dir, Config{SegmentShift: 10})
	require.NoError(t, err)
	defer v.Close()

	buf := make([]byte, 3000)
	for i := 0; i < 1024; i++ {
		buf[i] = '1'
	}
	for i := 1024; i < 2048; i++ {
		buf[i] = '2'
	}
	for i := 2048; i < 3000; i++ {
		buf[i] = '3'
	}
	require.NoError(t, v.PWrite(buf, 0))

	require.NoError(t, v.Truncate(1024))
	require.Equal(t, uint64(1024), v.ProvisionedLength())

	_, err = os.Stat(filepath.Join(dir, "000001.vf"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "000002.vf"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, v.PWrite([]byte("5555"), 1024))
	got := make([]byte, 1028)
	require.NoError(t, v.PRead(got, 0))
	want := append(bytes.Repeat([]byte{'1'}, 1024), []byte("5555")...)
	require.True(t, bytes.Equal(want, got))
}

func testRecoveryWithoutReads(t *testing.T) {
	dir := tempVolumeDir(t)
	v, err := Open(dir, Config{SegmentShift: 10})
	require.NoError(t, err)

	buf := bytes.Repeat([]byte{'x'}, 3000)
	require.NoError(t, v.PWrite(buf, 0))
	require.NoError(t, v.Close())

	v2, err := Open(dir, Config{SegmentShift: 10})
	require.NoError(t, err)
	defer v2.Close()

	require.Equal(t, uint64(3000), v2.ProvisionedLength())
}

// TestVolumePoolBoundStress exercises the property-based pool-bound stress
// scenario from spec.md §8: many concurrent readers/writers across more
// segments than the pool can hold, asserting every readback is correct and
// the pool is within its capacity once all goroutines have finished.
func TestVolumePoolBoundStress(t *testing.T) {
	dir := tempVolumeDir(t)
	v, err := Open(dir, Config{SegmentShift: 10, PoolCapacity: 4})
	require.NoError(t, err)
	defer v.Close()

	const segments = 16
	const segSize = 1024

	done := make(chan struct{})
	for i := 0; i < segments; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			off := uint64(i * segSize)
			payload := bytes.Repeat([]byte(fmt.Sprintf("%d", i%10)), segSize)
			require.NoError(t, v.PWrite(payload, off))
			got := make([]byte, segSize)
			require.NoError(t, v.PRead(got, off))
			require.Equal(t, payload, got)
		}(i)
	}
	for i := 0; i < segments; i++ {
		<-done
	}

	require.LessOrEqual(t, v.pool.size(), 4)
}
