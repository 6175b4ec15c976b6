package db

import "time"

// Database is a row of the databases table
type Database struct {
	Name      string
	UpdateSeq int64
	CreatedAt time.Time
}

// documentRow is a row of the documents table. Body holds the document
// without its reserved fields.
type documentRow struct {
	ID        string
	Rev       string
	Deleted   bool
	Seq       int64
	Body      string
	UpdatedAt time.Time
}

// updateRow is a row of the db_updates table
type updateRow struct {
	Seq      int64
	Database string
	Type     string
}
