// Package notifier delivers user-alert callbacks to the web frontend.
// Queueing is safe from any goroutine; the main loop drains the queue
// one GET at a time.
package notifier

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

type Notifier struct {
	log    logs.Log
	host   string // host[:port]
	client *http.Client

	lock  sync.Mutex
	queue []string
}

func NewNotifier(log logs.Log, host string) *Notifier {
	log.Infof("Notifications host: %v", host)
	return &Notifier{
		log:  log,
		host: host,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Notify queues one callback path (eg "/ui/inform-user.php?eventID=7").
// Safe from any goroutine.
func (n *Notifier) Notify(query string) {
	n.log.Infof("Queueing notification: \"%v\"", query)
	n.lock.Lock()
	n.queue = append(n.queue, query)
	n.lock.Unlock()
}

// Tick sends everything queued since the last drain. Failed deliveries
// are logged and dropped; the frontend polls the database anyway, so a
// lost nudge is not fatal.
func (n *Notifier) Tick() {
	n.lock.Lock()
	if len(n.queue) == 0 {
		n.lock.Unlock()
		return
	}
	local := n.queue
	n.queue = nil
	n.lock.Unlock()

	for _, query := range local {
		url := fmt.Sprintf("http://%v%v", n.host, query)
		n.log.Infof("Sending notification: \"%v\"", url)
		resp, err := n.client.Get(url)
		if err != nil {
			n.log.Errorf("Notification failed: %v", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			n.log.Errorf("Notification to %v returned %v", url, resp.StatusCode)
		}
	}
}

// Pending returns the number of undelivered notifications.
func (n *Notifier) Pending() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return len(n.queue)
}
