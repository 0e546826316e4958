package main

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fentz26/swarm/internal/models"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream task and mission events",
	RunE:  runWatch,
}

var (
	watchTask    string
	watchSession string
	watchJSON    bool
)

func init() {
	watchCmd.Flags().StringVar(&watchTask, "task", "", "Only show events for this task")
	watchCmd.Flags().StringVar(&watchSession, "session", "", "Only show events for this session")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print raw JSON events")
}

// eventsURL maps the API address onto the websocket endpoint.
func eventsURL(api, task, session string) (string, error) {
	u, err := url.Parse(api)
	if err != nil {
		return "", fmt.Errorf("invalid API address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported API scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events/ws"

	q := url.Values{}
	if task != "" {
		q.Set("task", task)
	}
	if session != "" {
		q.Set("session", session)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	target, err := eventsURL(apiAddr, watchTask, watchSession)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return errDaemonDown
		}
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	notifyShutdown(sigCh)
	go func() {
		<-sigCh
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		if watchJSON {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return readDone(err)
			}
			fmt.Println(string(data))
			continue
		}

		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return readDone(err)
		}
		fmt.Println(formatEvent(ev))
	}
}

// readDone turns the error that ends the read loop into the command's
// result. A closed stream is not a failure.
func readDone(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("event stream: %w", err)
}

func formatEvent(ev models.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-16s", ev.Time.Local().Format("15:04:05"), ev.Type)
	if ev.TaskID != "" {
		fmt.Fprintf(&b, " task=%s", ev.TaskID)
	}
	if ev.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", ev.SessionID)
	}
	for _, k := range sortedKeys(ev.Data) {
		fmt.Fprintf(&b, " %s=%q", k, ev.Data[k])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
