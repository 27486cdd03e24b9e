// Package all registers every storage backend with the storage factory.
// Commands blank-import it; the config picks which backend to open.
package all

import (
	_ "sparkify/internal/storage/mssql"
	_ "sparkify/internal/storage/postgres"
	_ "sparkify/internal/storage/sqlite"
)
