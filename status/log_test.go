package status

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLog_AppendInOrder(t *testing.T) {
	var out bytes.Buffer
	l := NewLog(Config{Output: &out})

	l.Append("first")
	l.Append("second")

	assert.Equal(t, []string{"first", "second"}, l.Lines())
	assert.Equal(t, "first\nsecond\n", l.Text())
	assert.Equal(t, "first\nsecond\n", out.String())
	assert.Equal(t, 2, l.Len())
}

func TestLog_LinesIsCopy(t *testing.T) {
	l := NewLog(Config{})
	l.Append("line")

	lines := l.Lines()
	lines[0] = "changed"

	assert.Equal(t, []string{"line"}, l.Lines())
}

func TestLog_Capacity(t *testing.T) {
	l := NewLog(Config{Capacity: 2})

	l.Append("a")
	l.Append("b")
	l.Append("c")

	assert.Equal(t, []string{"b", "c"}, l.Lines())
	assert.Equal(t, 1, l.Dropped())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestLog_OutputErrorDoesNotFail(t *testing.T) {
	var logs bytes.Buffer
	l := NewLog(Config{
		Output: failingWriter{},
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	})

	assert.NotPanics(t, func() { l.Append("line") })
	assert.Equal(t, []string{"line"}, l.Lines())
	assert.Contains(t, logs.String(), "broken pipe")
}

func TestLog_ConcurrentAppend(t *testing.T) {
	l := NewLog(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			l.Append(fmt.Sprintf("line %d", id))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, l.Len())
}
