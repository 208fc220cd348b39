package transfer

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"probe","protocol_version":1,"file_size":0,"timestamp":1}`)

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, payload))

	got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEmptyFrameRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, nil))
	assert.Equal(t, 4, buffer.Len())

	got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buffer bytes.Buffer
	err := WriteFrame(&buffer, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buffer.Len())
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)

	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 10)

	_, err := ReadFrame(bytes.NewReader(append(header, 'x', 'y')))
	assert.Error(t, err)
}

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{name: "file", payload: `{"type":"file","protocol_version":1}`},
		{name: "probe", payload: `{"type":"probe","protocol_version":1}`},
		{name: "unknown type", payload: `{"type":"chat","protocol_version":1}`, wantErr: ErrInvalidMessageType},
		{name: "missing type", payload: `{"protocol_version":1}`, wantErr: ErrInvalidMessageType},
		{name: "version mismatch", payload: `{"type":"file","protocol_version":2}`, wantErr: ErrUnsupportedVersion},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeHeader([]byte(tc.payload))
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	_, err := decodeHeader([]byte("not json"))
	assert.Error(t, err)
}

func TestFileChecksumIsBlake2b256Hex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	sum, err := FileChecksum(path)
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	again, err := FileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, sum, again)

	require.NoError(t, os.WriteFile(path, []byte("hello!"), 0o600))
	changed, err := FileChecksum(path)
	require.NoError(t, err)
	assert.NotEqual(t, sum, changed)

	_, err = FileChecksum(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 100, Percent(0, 0))
	assert.Equal(t, 0, Percent(0, 10))
	assert.Equal(t, 50, Percent(5, 10))
	assert.Equal(t, 33, Percent(1, 3))
	assert.Equal(t, 100, Percent(12, 10))
}
