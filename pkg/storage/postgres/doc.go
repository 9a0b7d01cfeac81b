// Package postgres provides the PostgreSQL identity repository.
//
// UserStore implements auth.UserRepository on database/sql with the lib/pq
// driver. Writes and login lookups go to the primary; FindByID reads from a
// replica when one is configured. Unique violations on email or username are
// reported as *auth.DuplicateError.
//
//	conns, err := postgres.Open(cfg.Storage, logger)
//	if err := postgres.Migrate(ctx, conns.Primary()); err != nil { ... }
//	users := postgres.NewUserStore(conns)
package postgres
