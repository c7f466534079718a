package progress

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestEvent_Percentage(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		want    int
		wantEnd bool
	}{
		{name: "start", event: Event{Completed: 0, Total: 10}, want: 0},
		{name: "partial", event: Event{Completed: 3, Total: 10}, want: 30},
		{name: "rounds down", event: Event{Completed: 2, Total: 3}, want: 66},
		{name: "complete", event: Event{Completed: 10, Total: 10}, want: 100, wantEnd: true},
		{name: "empty payload", event: Event{Completed: 0, Total: 0}, want: 100, wantEnd: true},
		{name: "aborted", event: Event{Completed: 4, Total: 10, Aborted: true}, want: 0, wantEnd: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Percentage())
			assert.Equal(t, tt.wantEnd, tt.event.Done())
		})
	}
}

func TestMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	o := Multi(a, nil, b)
	o.Observe(Event{Phase: PhaseEncrypt, Completed: 1, Total: 2})
	o.Observe(Event{Phase: PhaseFetch, Completed: 5, Total: 5})

	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.Events(), 2)
	assert.Len(t, a.Events(PhaseFetch), 1)
	assert.Empty(t, a.Events(PhaseDecrypt))
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop, OrNop(nil))
	r := &Recorder{}
	assert.Equal(t, Observer(r), OrNop(r))
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})

	o := NewLogObserver(logrus.NewEntry(logger))
	o.Observe(Event{Phase: PhaseUpload, Completed: 1, Total: 100})
	o.Observe(Event{Phase: PhaseUpload, Completed: 1, Total: 100})
	o.Observe(Event{Phase: PhaseUpload, Completed: 100, Total: 100})
	o.Observe(Event{Phase: PhaseFetch, Total: 100, Aborted: true})

	out := buf.String()
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("Transfer progress")))
	assert.Contains(t, out, "Transfer phase completed")
	assert.Contains(t, out, "Transfer phase aborted")
}
