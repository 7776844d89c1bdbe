package settings

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o640))
	return path
}

func TestStoreUpdate(t *testing.T) {
	path := writeSample(t)
	s, err := NewStore(path)
	require.NoError(t, err)

	changed, err := s.Update(func(doc []byte) ([]byte, error) {
		return ApplySensitivity(doc, reserved, 3)
	})
	require.NoError(t, err)
	assert.True(t, changed)

	doc, err := s.Load()
	require.NoError(t, err)
	v, ok := SensitivityOf(doc, reserved)
	require.True(t, ok)
	assert.Equal(t, 3.0, v)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm(), "permissions are preserved")

	changed, err = s.Update(func(doc []byte) ([]byte, error) {
		return ApplySensitivity(doc, reserved, 3)
	})
	require.NoError(t, err)
	assert.False(t, changed, "identical output is not rewritten")
}

func TestStoreUpdateKeepsByteOrderMark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("\xef\xbb\xbf"+sample), 0o640))
	s, err := NewStore(path)
	require.NoError(t, err)

	changed, err := s.Update(func(doc []byte) ([]byte, error) {
		return ApplySensitivity(doc, reserved, 2)
	})
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\xef\xbb\xbf")))
	v, ok := SensitivityOf(data, reserved)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestStoreUpdateIsAllOrNothing(t *testing.T) {
	path := writeSample(t)
	s, err := NewStore(path)
	require.NoError(t, err)

	_, err = s.Update(func([]byte) ([]byte, error) {
		return []byte(`{"profiles": 5, "devices": []}`), nil
	})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.Update(func(doc []byte) ([]byte, error) {
		return BindDevice(doc[:len(doc)-3], reserved, idA, "Left")
	})
	assert.ErrorIs(t, err, ErrMalformed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sample, string(data))

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".settings.json.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestStoreWithoutValidation(t *testing.T) {
	path := writeSample(t)
	s, err := NewStore(path, WithoutValidation())
	require.NoError(t, err)

	_, err = s.Update(func([]byte) ([]byte, error) { return []byte(`{"profiles": 5}`), nil })
	assert.NoError(t, err)
}

func TestStoreMissingFile(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	_, err = s.Update(func(doc []byte) ([]byte, error) { return doc, nil })
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStoreConcurrentBinds(t *testing.T) {
	path := writeSample(t)
	s, err := NewStore(path)
	require.NoError(t, err)

	ids := []string{idA, idB, `HID\VID_0001&PID_0002\usb-9`}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.Update(func(doc []byte) ([]byte, error) {
				return BindDevice(doc, reserved, id, "dev")
			})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	doc, err := s.Load()
	require.NoError(t, err)
	ms, err := Mappings(doc, reserved)
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestRecovery(t *testing.T) {
	r := NewRecovery(filepath.Join(t.TempDir(), "dualsens.state"))

	id, err := r.Load()
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, r.Save(idA))
	id, err = r.Load()
	require.NoError(t, err)
	assert.Equal(t, idA, id)

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, idA+"\n", string(data))

	require.NoError(t, r.Save(""))
	_, err = os.Stat(r.Path())
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, r.Clear())
	assert.Error(t, r.Save("a\nb"))
}
