package notifier

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestNotify(t *testing.T) {
	var lock sync.Mutex
	got := []string{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lock.Lock()
		got = append(got, r.URL.String())
		lock.Unlock()
	}))
	defer ts.Close()

	n := NewNotifier(logs.NewTestingLog(t), strings.TrimPrefix(ts.URL, "http://"))

	n.Tick() // empty queue is a no-op

	n.Notify("/ui/inform-user.php?eventID=7&eventFrameID=12")
	n.Notify("/ui/inform-user.php?eventID=8&eventFrameID=13")
	require.Equal(t, 2, n.Pending())
	n.Tick()
	require.Equal(t, 0, n.Pending())

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, []string{
		"/ui/inform-user.php?eventID=7&eventFrameID=12",
		"/ui/inform-user.php?eventID=8&eventFrameID=13",
	}, got)
}

func TestNotifyFailureDropped(t *testing.T) {
	// Nothing listens here; delivery fails but the queue still drains
	n := NewNotifier(logs.NewTestingLog(t), "127.0.0.1:1")
	n.Notify("/ui/inform-user.php?eventID=7")
	n.Tick()
	require.Equal(t, 0, n.Pending())
}
