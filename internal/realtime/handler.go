package realtime

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const clientBuffer = 16

// NewHandler serves SockJS sessions under prefix. A screen may subscribe
// up front with ?branch_id=&category_id= and change its filter later with
// control frames.
func NewHandler(h *Hub, prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := NewClient(uuid.NewString(), clientBuffer, subscriptionFromRequest(session.Request()))
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			frame, err := session.Recv()
			if err != nil {
				return
			}
			if sub, ok := ParseSubscribe([]byte(frame)); ok {
				h.Subscribe(client, sub)
			}
		}
	})
}

func subscriptionFromRequest(r *http.Request) Subscription {
	if r == nil {
		return Subscription{}
	}
	query := r.URL.Query()
	return Subscription{
		BranchID:   strings.TrimSpace(query.Get("branch_id")),
		CategoryID: strings.TrimSpace(query.Get("category_id")),
	}
}
