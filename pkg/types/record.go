package types

// FileLocation identifies where a record is (or will be) stored.
type FileLocation struct {
	Partition   string
	FileID      string
	InstantTime string
}

// Known reports whether the location has been assigned.
func (l FileLocation) Known() bool {
	return l.FileID != ""
}

// Record is an immutable row value flowing between the engine and the
// record-source collaborator. Treat Fields as read-only after construction;
// derive updated records with WithLocation / WithFields instead of mutating
// in place.
type Record struct {
	Key       string
	Partition string
	Fields    map[string]any
	Location  FileLocation
}

// NewRecord constructs a record without an assigned location.
func NewRecord(key, partition string, fields map[string]any) Record {
	return Record{Key: key, Partition: partition, Fields: fields}
}

// WithLocation returns a copy of the record tagged with a storage location.
func (r Record) WithLocation(loc FileLocation) Record {
	r.Location = loc
	return r
}

// WithFields returns a copy of the record carrying the given field values.
func (r Record) WithFields(fields map[string]any) Record {
	r.Fields = fields
	return r
}
