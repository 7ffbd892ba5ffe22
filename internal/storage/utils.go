package storage

// InitStore opens a PostgresStore for the given connection string.
func InitStore(connStr string) (*PostgresStore, error) {
	return NewPostgresStore(connStr)
}
