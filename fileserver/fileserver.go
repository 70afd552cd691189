// Package fileserver serves a directory of static files over HTTP — used
// in practice for a browser's PAC (proxy auto-config) file, per spec.md §1's
// out-of-scope collaborator list.
package fileserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"qtun/utils"
)

const bindRetryBackoff = 1 * time.Second

// Start serves dir on port until ctx is canceled, rebinding with a 1s
// backoff if the listener ever fails to bind (mirrors fileserver::start's
// restart loop in the original).
func Start(ctx context.Context, dir string, port uint16) {
	addr := fmt.Sprintf("0.0.0.0:%d", port)

	for {
		if ctx.Err() != nil {
			return
		}

		utils.Logger.Info("starting file http server", zap.String("dir", dir), zap.Uint16("port", port))

		r := mux.NewRouter()
		r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(dir)))

		srv := &http.Server{Addr: addr, Handler: r}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()

		select {
		case <-ctx.Done():
			srv.Close()
			return
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				utils.Logger.Error("file server error", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bindRetryBackoff):
		}
	}
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
