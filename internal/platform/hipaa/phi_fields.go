package hipaa

// PHIFieldConfig names the columns of a table that are stored encrypted.
type PHIFieldConfig struct {
	Table   string
	Columns []string
}

// DefaultPHIFields returns the columns sealed with the EncryptionService before
// they reach Postgres. Hashes and signatures are always computed over the
// plaintext, so encrypting these never changes a fingerprint.
func DefaultPHIFields() []PHIFieldConfig {
	return []PHIFieldConfig{
		{
			Table:   "documents",
			Columns: []string{"patient_name", "content"},
		},
	}
}

// IsPHIColumn reports whether table.column is in DefaultPHIFields.
func IsPHIColumn(table, column string) bool {
	for _, c := range DefaultPHIFields() {
		if c.Table != table {
			continue
		}
		for _, col := range c.Columns {
			if col == column {
				return true
			}
		}
	}
	return false
}
