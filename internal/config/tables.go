package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// CleaningRule declares a per-column cleaning action. The only action
// currently supported is "strip" (trim leading/trailing whitespace), and
// it applies to string-typed cells only.
type CleaningRule struct {
	Column string `yaml:"column"`
	Action string `yaml:"action"`
}

// TableSpec is the immutable per-table ETL configuration, loaded from
// tables.yaml and validated once at startup.
type TableSpec struct {
	Source           string            `yaml:"source_table"`
	Dest             string            `yaml:"dest_table"`
	Incremental      bool              `yaml:"incremental"`
	Description      string            `yaml:"description"`
	ProcessingOrder  int               `yaml:"processing_order"`
	RenameMap        map[string]string `yaml:"rename_map"`
	PartitionColumns []string          `yaml:"partition_cols"`
	CleaningRules    []CleaningRule    `yaml:"cleaning_rules"`
	TimestampColumn  string            `yaml:"timestamp_col"`
}

// FinalTimestampColumn returns the timestamp column name after renaming,
// or empty when the table has no timestamp column.
func (s *TableSpec) FinalTimestampColumn() string {
	if s.TimestampColumn == "" {
		return ""
	}
	if renamed, ok := s.RenameMap[s.TimestampColumn]; ok {
		return renamed
	}
	return s.TimestampColumn
}

// SourceColumns returns the source column selection: the rename-map keys
// plus the timestamp column, or nil when the rename map is empty (meaning
// select all columns).
func (s *TableSpec) SourceColumns() []string {
	if len(s.RenameMap) == 0 {
		return nil
	}
	cols := make([]string, 0, len(s.RenameMap)+1)
	for col := range s.RenameMap {
		cols = append(cols, col)
	}
	sort.Strings(cols) // deterministic query text
	if s.TimestampColumn != "" {
		found := false
		for _, c := range cols {
			if c == s.TimestampColumn {
				found = true
				break
			}
		}
		if !found {
			cols = append(cols, s.TimestampColumn)
		}
	}
	return cols
}

// identRe allow-lists SQL identifiers: the only dynamic strings ever
// interpolated into generated statements. Data values are always bound
// parameters. A single dotted qualifier (dbo.table) is permitted for
// source tables.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier reports whether name is a safe SQL identifier.
func ValidIdentifier(name string) bool { return identRe.MatchString(name) }

// Validate checks the spec's invariants. An incremental table must declare
// its timestamp column, and every identifier must pass the allow-list.
func (s *TableSpec) Validate() error {
	if s.Source == "" || s.Dest == "" {
		return fmt.Errorf("table spec: source_table and dest_table are required")
	}
	if s.Incremental && s.TimestampColumn == "" {
		return fmt.Errorf("table %q: timestamp_col is required when incremental is enabled", s.Source)
	}
	for _, id := range append([]string{s.Source, s.Dest}, s.PartitionColumns...) {
		if !ValidIdentifier(id) {
			return fmt.Errorf("table %q: identifier %q is not allowed", s.Source, id)
		}
	}
	if s.TimestampColumn != "" && !ValidIdentifier(s.TimestampColumn) {
		return fmt.Errorf("table %q: identifier %q is not allowed", s.Source, s.TimestampColumn)
	}
	for from, to := range s.RenameMap {
		if !ValidIdentifier(from) || !ValidIdentifier(to) {
			return fmt.Errorf("table %q: rename %q -> %q contains a disallowed identifier", s.Source, from, to)
		}
	}
	for _, rule := range s.CleaningRules {
		if rule.Action != "strip" {
			return fmt.Errorf("table %q: unknown cleaning action %q", s.Source, rule.Action)
		}
		if !ValidIdentifier(rule.Column) {
			return fmt.Errorf("table %q: identifier %q is not allowed", s.Source, rule.Column)
		}
	}
	return nil
}

// LoadTables reads and validates tables.yaml: a map keyed by a free-form
// pipeline name, each value a TableSpec. The returned slice is sorted by
// ProcessingOrder then destination name for deterministic scheduling order.
func LoadTables(path string) ([]TableSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("table config: %w", err)
	}

	var byName map[string]TableSpec
	if err := yaml.Unmarshal(raw, &byName); err != nil {
		return nil, fmt.Errorf("table config %s: %w", path, err)
	}
	if len(byName) == 0 {
		return nil, fmt.Errorf("table config %s: no tables defined", path)
	}

	specs := make([]TableSpec, 0, len(byName))
	seen := make(map[string]bool, len(byName))
	for name, spec := range byName {
		if spec.ProcessingOrder == 0 {
			spec.ProcessingOrder = 99
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("table config %s: entry %q: %w", path, name, err)
		}
		if seen[spec.Dest] {
			return nil, fmt.Errorf("table config %s: duplicate dest_table %q", path, spec.Dest)
		}
		seen[spec.Dest] = true
		specs = append(specs, spec)
	}

	sort.Slice(specs, func(i, j int) bool {
		if specs[i].ProcessingOrder != specs[j].ProcessingOrder {
			return specs[i].ProcessingOrder < specs[j].ProcessingOrder
		}
		return specs[i].Dest < specs[j].Dest
	})
	return specs, nil
}

// TimeOffsets maps source table (unqualified name) -> store id -> minutes
// of sensor clock skew to subtract from that store's timestamps.
type TimeOffsets map[string]map[int64]int64

// LoadTimeOffsets reads time_offsets.yaml. A missing file yields an empty
// map: offsets default to zero.
func LoadTimeOffsets(path string) (TimeOffsets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return TimeOffsets{}, nil
		}
		return nil, fmt.Errorf("time offsets: %w", err)
	}

	var offsets TimeOffsets
	if err := yaml.Unmarshal(raw, &offsets); err != nil {
		return nil, fmt.Errorf("time offsets %s: %w", path, err)
	}
	if offsets == nil {
		offsets = TimeOffsets{}
	}
	return offsets, nil
}
