package db

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/lattice.flow/internal/httputil"
)

// AttachAdminRoutes mounts live SQL debugging of the run database and a
// JSON run listing under /debug/ on mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Simulation runs",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("runs", "Recent simulation runs as JSON", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		runs, err := db.ListRuns(r.Context(), limit)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		if err := httputil.WriteJSON(w, http.StatusOK, runs); err != nil {
			logs.Opsf("failed to write runs: %v", err)
		}
	}))
	return nil
}
