package asyncbufio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "timestamps")
	require.NoError(t, err)
	defer f.Close()

	w := NewWriter(f, 100, time.Second)
	var want bytes.Buffer
	for i := 0; i < 100; i++ {
		line := fmt.Appendf(nil, "%d, %d\n", i, 1000*i)
		want.Write(line)
		if _, err := w.Write(line); err != nil {
			t.Errorf("Write(%d) error %v", i, err)
		}
		if i%25 == 19 {
			assert.NoError(t, w.Flush())
		}
	}
	w.WriteString("last\n")
	want.WriteString("last\n")
	require.NoError(t, w.Close())

	actual, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, want.String(), string(actual))
}

func TestCloseTwice(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 10, time.Second)
	w.WriteString("x")
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
	assert.Equal(t, "x", buf.String())
	assert.Error(t, w.Flush(), "Flush after Close should fail")
}

func TestWriteCopies(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 10, time.Second)
	p := []byte("abc")
	w.Write(p)
	p[0] = 'z'
	w.Close()
	assert.Equal(t, "abc", buf.String())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestUnderlyingError(t *testing.T) {
	w := NewWriter(failingWriter{}, 10, time.Hour)
	w.WriteString("data")
	assert.Error(t, w.Close())
}
