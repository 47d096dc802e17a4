// Package sqlite implements store.Store on database/sql with the
// mattn/go-sqlite3 driver. Suitable for single-node deployments, CLI
// tools, and anything that needs durable state without a database
// server.
//
// Open owns the handle it opens; New wraps a caller-owned *sql.DB and
// never closes it:
//
//	st, err := sqlite.Open("photoq.db")
//	if err != nil { ... }
//	defer st.Close()
//	if err := st.Migrate(ctx); err != nil { ... }
package sqlite
