package httpapi

import (
	"errors"
	"log"
	"net/http"
	"time"
)

// Mount serves api at the root and realtime under /realtime/. SockJS
// sessions outlive the server WriteTimeout, so the realtime side clears
// its write deadline per connection.
func Mount(api, realtime http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", api)
	if realtime != nil {
		mux.Handle("/realtime/", noWriteDeadline(realtime))
	}
	return mux
}

func noWriteDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			log.Printf("realtime write deadline path=%s err=%v", r.URL.Path, err)
		}
		next.ServeHTTP(w, r)
	})
}
