package contract

// Registry maps destination tables to their declared contracts.
type Registry map[string]*Contract

// Lookup returns the contract for a destination table, or nil when none
// is declared (validation is then skipped with a warning).
func (r Registry) Lookup(dest string) *Contract { return r[dest] }

// Builtin returns the contracts for the shipped destination tables.
// The partition columns (year, month) are part of the contract because
// the transformer derives them before validation.
func Builtin() Registry {
	return Registry{
		"dim_stores": {
			Dest: "dim_stores",
			Columns: []Column{
				{Name: "store_id", Type: TypeInt64, Unique: true},
				{Name: "store_name", Type: TypeString},
			},
		},
		"fact_traffic": {
			Dest: "fact_traffic",
			Columns: []Column{
				{Name: "recorded_at", Type: TypeTimestamp},
				{Name: "visitors_in", Type: TypeInt64, NonNegative: true},
				{Name: "visitors_out", Type: TypeInt64, NonNegative: true},
				{Name: "device_position", Type: TypeString, Nullable: true},
				{Name: "store_id", Type: TypeInt64},
				{Name: "year", Type: TypeInt64},
				{Name: "month", Type: TypeInt64},
			},
		},
		"fact_errors": {
			Dest: "fact_errors",
			Columns: []Column{
				{Name: "log_id", Type: TypeInt64, Unique: true},
				{Name: "store_id", Type: TypeInt64},
				{Name: "device_code", Type: TypeInt64, Nullable: true},
				{Name: "logged_at", Type: TypeTimestamp},
				{Name: "error_code", Type: TypeInt64, Nullable: true},
				{Name: "error_message", Type: TypeString, Nullable: true},
				{Name: "year", Type: TypeInt64},
				{Name: "month", Type: TypeInt64},
			},
		},
	}
}
