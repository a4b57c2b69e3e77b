// Package config loads the service-level settings from environment
// variables, applying defaults and validating the result so a
// misconfigured deployment fails at startup instead of mid-shift.
//
// Storage and blob driver selection stay with their factories
// (core.OpenPersistentStore, blob.Open), which read their own variables.
package config

import "time"

// Config holds the settings the console and service consume.
type Config struct {
	Batch     BatchConfig
	Reference ReferenceConfig
	Export    ExportConfig
	Logging   LoggingConfig
	Trace     TraceConfig
}

// BatchConfig holds batch assembly settings.
type BatchConfig struct {
	// Capacity is the number of units a batch holds (default: 25)
	Capacity int `env:"PALLETCORE_CAPACITY" default:"25"`

	// AcceptUnknown admits identifiers missing from the reference dataset
	// with a warning instead of rejecting the scan (default: false)
	AcceptUnknown bool `env:"PALLETCORE_ACCEPT_UNKNOWN" default:"false"`
}

// ReferenceConfig selects the reference dataset source. The three location
// settings are tried in order: explicit path, pointer file, newest file
// matching the glob in the search directory.
type ReferenceConfig struct {
	// Path is the dataset file itself, used as-is when set
	Path string `env:"PALLETCORE_REFERENCE_PATH"`

	// PointerPath names a text file whose first non-empty line is the
	// dataset path
	PointerPath string `env:"PALLETCORE_REFERENCE_POINTER"`

	// SearchDir is scanned for the newest file matching SearchPattern
	SearchDir string `env:"PALLETCORE_REFERENCE_DIR"`

	// SearchPattern is the glob applied inside SearchDir (default: *.xlsx)
	SearchPattern string `env:"PALLETCORE_REFERENCE_GLOB" default:"*.xlsx"`

	// ProbeInterval throttles how often lookups re-stat the source file for
	// changes (default: 2s)
	ProbeInterval time.Duration `env:"PALLETCORE_REFERENCE_PROBE" default:"2s"`

	// IdentifierColumn names the identifier header when the dataset does
	// not use a recognizable one
	IdentifierColumn string `env:"PALLETCORE_REFERENCE_ID_COLUMN"`
}

// Configured reports whether any dataset source is selected. The service
// runs without one; every scan is then judged unknown.
func (c ReferenceConfig) Configured() bool {
	return c.Path != "" || c.PointerPath != "" || c.SearchDir != ""
}

// ExportConfig holds artifact rendering settings.
type ExportConfig struct {
	// Format is the artifact spreadsheet format: xlsx or csv (default: xlsx)
	Format string `env:"PALLETCORE_EXPORT_FORMAT" default:"xlsx"`

	// FallbackPrefix names artifacts whose category label sanitizes down to
	// nothing (default: Pallet)
	FallbackPrefix string `env:"PALLETCORE_EXPORT_PREFIX" default:"Pallet"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"PALLETCORE_LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"PALLETCORE_LOG_FORMAT" default:"text"`
}

// TraceConfig holds operation tracing settings.
type TraceConfig struct {
	// Path is the JSON-lines trace output file; tracing is off when empty
	Path string `env:"PALLETCORE_TRACE_PATH"`
}
