// Package sqlite provides an embedded durable work unit table built on
// modernc.org/sqlite, a cgo-free SQLite driver.
//
// Claims are conditional updates: a candidate is selected in serving order
// and then claimed with
//
//	UPDATE taskcrew_units SET status = 'processing', ...
//	WHERE id = ? AND status = 'pending' AND available_at <= ?
//
// A claimant that loses the race moves on to the next candidate.
//
// Usage:
//
//	s, err := sqlite.Open("file:taskcrew.db?_pragma=busy_timeout(5000)")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package sqlite
