package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/oneblink/formsync/internal/auth"
	"github.com/oneblink/formsync/internal/connectivity"
	"github.com/oneblink/formsync/internal/forms"
	"github.com/oneblink/formsync/internal/pending"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
)

// Event is one message on the /v1/events stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	EventPending      = "pending"
	EventProgress     = "progress"
	EventDrafts       = "drafts"
	EventLogin        = "login"
	EventConnectivity = "connectivity"
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("httpapi: websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream closed")

	ctx := conn.CloseRead(r.Context())
	events := make(chan Event, eventBuffer)
	send := func(event Event) {
		select {
		case events <- event:
		default:
			s.logger.Printf("httpapi: event stream is behind, dropping %s event", event.Type)
		}
	}

	for _, dispose := range s.subscribe(send) {
		defer dispose()
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			if err := writeEvent(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribe(send func(Event)) []func() {
	var disposers []func()
	if s.svc.Queue != nil {
		disposers = append(disposers,
			s.svc.Queue.Subscribe(func(change pending.Change) {
				send(Event{Type: EventPending, Data: change})
			}),
			s.svc.Queue.SubscribeProgress(func(progress pending.ProgressEvent) {
				send(Event{Type: EventProgress, Data: progress})
			}),
		)
	}
	if s.svc.Drafts != nil {
		disposers = append(disposers, s.svc.Drafts.Subscribe(func(list []forms.LocalFormSubmissionDraft) {
			send(Event{Type: EventDrafts, Data: nonNilDrafts(list)})
		}))
	}
	if s.svc.Session != nil {
		disposers = append(disposers, s.svc.Session.OnLoginChange(func(change auth.LoginChange) {
			send(Event{Type: EventLogin, Data: change})
		}))
	}
	if s.svc.Connectivity != nil {
		disposers = append(disposers, s.svc.Connectivity.OnChange(func(change connectivity.Change) {
			send(Event{Type: EventConnectivity, Data: change})
		}))
	}
	return disposers
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}
